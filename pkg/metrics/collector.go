package metrics

import (
	"time"
)

// StatsSnapshot is one sample of manager-wide state, produced by a
// StatsSource and folded into the package-level gauges by Collector.
type StatsSnapshot struct {
	WorkersConnected int
	WorkersByState   map[string]int
	TasksByState     map[string]int

	CapacityWeighted      float64
	CapacityInstantaneous float64

	TransfersActive int
}

// StatsSource produces snapshots of current state. The manager satisfies
// this; keeping it as an interface here avoids an import cycle between
// the metrics and manager packages.
type StatsSource interface {
	StatsSnapshot() StatsSnapshot
}

// Collector periodically samples a StatsSource into the package-level
// Prometheus gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a ticker, independent of the
// manager's own single-threaded loop.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.StatsSnapshot()

	WorkersConnected.Set(float64(snap.WorkersConnected))
	for _, state := range []string{"idle", "busy", "draining", "blocked"} {
		WorkersByState.WithLabelValues(state).Set(float64(snap.WorkersByState[state]))
	}

	for _, state := range []string{"ready", "running", "waiting-retrieval", "retrieved", "done", "cancelled"} {
		TasksByState.WithLabelValues(state).Set(float64(snap.TasksByState[state]))
	}

	CapacityWeighted.Set(snap.CapacityWeighted)
	CapacityInstantaneous.Set(snap.CapacityInstantaneous)
	TransfersActive.Set(float64(snap.TransfersActive))
}
