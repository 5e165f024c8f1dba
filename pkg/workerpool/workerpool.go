// Package workerpool implements the worker registry and the per-worker and
// aggregate resource tallies.
//
// Grounded on spec.md section 3 ("Worker" and "Resource tallies") and the
// worker bookkeeping in original_source/taskvine/src/manager/vine_manager.c.
package workerpool

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinequeue/manager/pkg/types"
)

// WorkerType distinguishes a handshake-complete worker from a transient
// status-query connection.
type WorkerType string

const (
	TypeUnknown     WorkerType = "unknown"
	TypeWorker      WorkerType = "worker"
	TypeStatusQuery WorkerType = "status-query"
)

// ResourceDim is one resource dimension's total/in-use/smallest/largest
// tally, per spec.md's "Resource tallies" module.
type ResourceDim struct {
	Total    float64
	InUse    float64
	Smallest float64
	Largest  float64
}

// Resources is the per-worker (or aggregate) resource record.
type Resources struct {
	Cores  ResourceDim
	Memory ResourceDim
	Disk   ResourceDim
	GPUs   ResourceDim
}

// Worker is one connected remote worker process.
type Worker struct {
	Key string // monotonically assigned handle from Registry.NextHandle

	Host string
	Port int

	Hostname string
	OS       string
	Arch     string
	Version  string

	TransferHost    string
	TransferPort    int
	HasTransferAddr bool

	Resources      Resources
	ResourcesKnown bool // false until `info end_of_resource_update` arrives

	Features map[string]bool

	RunningTasks map[int64]types.Envelope

	FinishedTasks       int
	TotalTasksCompleted int
	TotalExecuteTime    time.Duration
	BytesSent           int64
	BytesReceived       int64

	ConnectedAt        time.Time
	LastMessageRecv    time.Time
	LastKeepaliveSent  time.Time
	HandshakeComplete  bool

	Draining  bool
	SlowAlarm bool

	// ShutdownDeadline is set by an `info worker-end-time` message; the
	// zero value means no deadline was announced.
	ShutdownDeadline time.Time

	// HasAvailableResults is set by `available_results` and cleared once
	// the manager has issued the matching send_results request.
	HasAvailableResults bool

	Factory string

	Type WorkerType
}

// NewWorker creates a freshly-accepted worker record prior to handshake.
func NewWorker(key, host string, port int, now time.Time) *Worker {
	return &Worker{
		Key:          key,
		Host:         host,
		Port:         port,
		Hostname:     "unknown",
		Features:     make(map[string]bool),
		RunningTasks: make(map[int64]types.Envelope),
		ConnectedAt:  now,
		LastMessageRecv: now,
		Type:         TypeUnknown,
	}
}

// InUse returns the worker's current in-use envelope, which must always
// equal the sum of RunningTasks per spec.md's resource-conservation
// testable property.
func (w *Worker) InUse() types.Envelope {
	var sum types.Envelope
	for _, e := range w.RunningTasks {
		sum = sum.Add(e)
	}
	return sum
}

// Free returns the worker's currently free resources (largest-seen minus
// in-use), used by WORST and feasibility checks.
func (w *Worker) Free() types.Envelope {
	inuse := w.InUse()
	return types.Envelope{
		Cores:  w.Resources.Cores.Largest - inuse.Cores,
		Memory: w.Resources.Memory.Largest - inuse.Memory,
		Disk:   w.Resources.Disk.Largest - inuse.Disk,
		GPUs:   w.Resources.GPUs.Largest - inuse.GPUs,
	}
}

// AssignTask records a running task's envelope on the worker.
func (w *Worker) AssignTask(taskID int64, env types.Envelope) {
	w.RunningTasks[taskID] = env
}

// ReleaseTask removes a task's envelope, called on completion or removal.
func (w *Worker) ReleaseTask(taskID int64) {
	delete(w.RunningTasks, taskID)
}

// Idle reports whether the worker has no running tasks.
func (w *Worker) Idle() bool {
	return len(w.RunningTasks) == 0
}

// Registry is the connection-handle -> Worker table.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	nextID  uint64
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// NextHandle allocates a monotonically increasing connection handle,
// replacing the source's pointer-keyed table.
func (r *Registry) NextHandle() string {
	id := atomic.AddUint64(&r.nextID, 1)
	return "w" + strconv.FormatUint(id, 10)
}

// Add registers a worker.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Key] = w
}

// Get returns a worker by key, or nil.
func (r *Registry) Get(key string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[key]
}

// Remove deletes a worker from the registry and returns it.
func (r *Registry) Remove(key string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.workers[key]
	delete(r.workers, key)
	return w
}

// All returns every registered worker.
func (r *Registry) All() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Len returns the number of connected workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Totals aggregates resource tallies across every worker with known
// resources, per spec.md's "Resource tallies" module (3% share, leaf
// dependency of the scheduler and the catalog reporter).
func (r *Registry) Totals() Resources {
	r.mu.Lock()
	defer r.mu.Unlock()

	var agg Resources
	for _, w := range r.workers {
		if !w.ResourcesKnown {
			continue
		}
		inuse := w.InUse()
		addDim(&agg.Cores, w.Resources.Cores, inuse.Cores)
		addDim(&agg.Memory, w.Resources.Memory, inuse.Memory)
		addDim(&agg.Disk, w.Resources.Disk, inuse.Disk)
		addDim(&agg.GPUs, w.Resources.GPUs, inuse.GPUs)
	}
	return agg
}

func addDim(agg *ResourceDim, w ResourceDim, inuse float64) {
	agg.Total += w.Total
	agg.InUse += inuse
	if agg.Smallest == 0 || w.Smallest < agg.Smallest {
		agg.Smallest = w.Smallest
	}
	if w.Largest > agg.Largest {
		agg.Largest = w.Largest
	}
}
