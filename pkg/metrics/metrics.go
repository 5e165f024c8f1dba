package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker population metrics
	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_workers_connected",
			Help: "Total number of workers currently connected",
		},
	)

	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vine_workers_by_state",
			Help: "Number of workers by state (idle, busy, draining, blocked)",
		},
		[]string{"state"},
	)

	WorkersSlowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_workers_slow_total",
			Help: "Total number of workers disconnected for being slow",
		},
	)

	WorkersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_workers_removed_total",
			Help: "Total number of workers removed, labeled by reason",
		},
		[]string{"reason"},
	)

	// Task lifecycle metrics
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vine_tasks_by_state",
			Help: "Number of tasks by lifecycle state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		},
	)

	TasksDoneTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_tasks_done_total",
			Help: "Total number of tasks that reached a terminal result, labeled by result code",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vine_scheduling_latency_seconds",
			Help:    "Time taken to pick a worker for a ready task",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_scheduling_failures_total",
			Help: "Total number of scheduling attempts that found no feasible worker, labeled by reason",
		},
		[]string{"reason"},
	)

	// Transfer metrics
	TransfersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_transfers_active",
			Help: "Current number of active current-transfers table entries",
		},
	)

	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_bytes_sent_total",
			Help: "Total bytes sent to workers",
		},
	)

	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_bytes_received_total",
			Help: "Total bytes received from workers",
		},
	)

	// Capacity metrics
	CapacityWeighted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_capacity_weighted",
			Help: "EWMA-smoothed estimate of tasks the manager could keep busy",
		},
	)

	CapacityInstantaneous = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_capacity_instantaneous",
			Help: "Capacity estimate from the most recently completed task only",
		},
	)

	// Catalog metrics
	CatalogPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_catalog_pushes_total",
			Help: "Total catalog status pushes, labeled by outcome",
		},
		[]string{"outcome"},
	)

	CatalogPushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vine_catalog_push_duration_seconds",
			Help:    "Time taken to push a status record to all catalog hosts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Main loop metrics
	LoopIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vine_loop_iteration_duration_seconds",
			Help:    "Wall time of one main loop iteration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(WorkersByState)
	prometheus.MustRegister(WorkersSlowTotal)
	prometheus.MustRegister(WorkersRemovedTotal)

	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksDoneTotal)

	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingFailuresTotal)

	prometheus.MustRegister(TransfersActive)
	prometheus.MustRegister(BytesSentTotal)
	prometheus.MustRegister(BytesReceivedTotal)

	prometheus.MustRegister(CapacityWeighted)
	prometheus.MustRegister(CapacityInstantaneous)

	prometheus.MustRegister(CatalogPushesTotal)
	prometheus.MustRegister(CatalogPushDuration)

	prometheus.MustRegister(LoopIterationDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
