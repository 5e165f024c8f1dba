// Package category implements the category system: named groups of tasks
// with similar resource profiles, used for first-allocation guesses and
// slow-worker eviction thresholds.
//
// Grounded on spec.md section 3 and section 4.4.2, and on the category
// bookkeeping scattered through original_source/taskvine/src/manager/vine_manager.c.
package category

import (
	"sync"
	"time"

	"github.com/vinequeue/manager/pkg/types"
)

// AllocationMode is the category's first-allocation / retry strategy.
type AllocationMode string

const (
	ModeFixed               AllocationMode = "fixed"
	ModeMax                 AllocationMode = "max"
	ModeMinWaste            AllocationMode = "min-waste"
	ModeMaxThroughput       AllocationMode = "max-throughput"
	ModeGreedyBucketing     AllocationMode = "greedy-bucketing"
	ModeExhaustiveBucketing AllocationMode = "exhaustive-bucketing"
)

// DefaultCategoryName is the fallback category consulted for slow-worker
// multiplier inheritance.
const DefaultCategoryName = "default"

// Stats accumulates lifetime per-category counters.
type Stats struct {
	TasksDone    int
	TasksFailed  int
	ExecuteTime  time.Duration
	SendTime     time.Duration
	ReceiveTime  time.Duration
	BytesSent    int64
	BytesRecv    int64
}

// AverageTaskTime is the running mean of (execute + send + receive) over
// successful tasks, used by the slow-worker detector. It requires at least
// 10 samples before it is considered meaningful (spec.md section 4.7).
func (s Stats) AverageTaskTime() (time.Duration, bool) {
	if s.TasksDone < 10 {
		return 0, false
	}
	total := s.ExecuteTime + s.SendTime + s.ReceiveTime
	return total / time.Duration(s.TasksDone), true
}

// Category groups tasks with similar resource profiles.
type Category struct {
	Name string

	Max types.ResourceSet
	Min types.ResourceSet

	FirstAllocationGuess types.ResourceSet
	Mode                 AllocationMode

	LargestSeen types.ResourceSet

	// SlowWorkerMultiplier: >=1 active, 0 disabled, <0 inherit from the
	// "default" category.
	SlowWorkerMultiplier float64

	Stats Stats

	samples   []types.ResourceSet
	bucketing *BucketingOracle
}

// Registry is the name -> Category table.
type Registry struct {
	mu         sync.Mutex
	categories map[string]*Category
}

// NewRegistry creates an empty category registry.
func NewRegistry() *Registry {
	return &Registry{categories: make(map[string]*Category)}
}

// GetOrCreate returns the named category, creating it with FIXED mode and
// no slow-worker multiplier override (inherit) if it does not yet exist.
func (r *Registry) GetOrCreate(name string) *Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.categories[name]
	if c == nil {
		c = &Category{Name: name, Mode: ModeFixed, SlowWorkerMultiplier: -1}
		r.categories[name] = c
	}
	return c
}

// Get returns the named category or nil.
func (r *Registry) Get(name string) *Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.categories[name]
}

// All returns every registered category.
func (r *Registry) All() []*Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, c)
	}
	return out
}

// RecordCompletion folds a finished task's measurements into the
// category's lifetime stats and bucketing oracle.
func (r *Registry) RecordCompletion(name string, success bool, envelope types.Envelope, execute, send, receive time.Duration, bytesSent, bytesRecv int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.categories[name]
	if c == nil {
		c = &Category{Name: name, Mode: ModeFixed, SlowWorkerMultiplier: -1}
		r.categories[name] = c
	}

	if success {
		c.Stats.TasksDone++
		c.Stats.ExecuteTime += execute
		c.Stats.SendTime += send
		c.Stats.ReceiveTime += receive
	} else {
		c.Stats.TasksFailed++
	}
	c.Stats.BytesSent += bytesSent
	c.Stats.BytesRecv += bytesRecv

	observed := types.ResourceSet{Cores: envelope.Cores, Memory: envelope.Memory, Disk: envelope.Disk, GPUs: envelope.GPUs}
	c.LargestSeen = maxResourceSet(c.LargestSeen, observed)

	const maxSamples = 500
	c.samples = append(c.samples, observed)
	if len(c.samples) > maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples:]
	}

	if c.bucketing == nil {
		c.bucketing = NewBucketingOracle()
	}
	c.bucketing.Record(observed, success)
}

func maxResourceSet(a, b types.ResourceSet) types.ResourceSet {
	max := func(x, y float64) float64 {
		if x > y {
			return x
		}
		return y
	}
	return types.ResourceSet{
		Cores:  max(a.Cores, b.Cores),
		Memory: max(a.Memory, b.Memory),
		Disk:   max(a.Disk, b.Disk),
		GPUs:   max(a.GPUs, b.GPUs),
	}
}

// EffectiveSlowWorkerMultiplier resolves cat's multiplier, inheriting from
// the default category when cat's own value is negative, and reports
// whether slow-worker eviction is active for this category at all. A value
// of exactly 0 disables eviction outright with no further fallback.
func (r *Registry) EffectiveSlowWorkerMultiplier(cat *Category) (float64, bool) {
	if cat == nil {
		return 0, false
	}
	m := cat.SlowWorkerMultiplier
	if m == 0 {
		return 0, false
	}
	if m > 0 {
		return m, true
	}

	def := r.Get(DefaultCategoryName)
	if def == nil || def.SlowWorkerMultiplier <= 0 {
		return 0, false
	}
	return def.SlowWorkerMultiplier, true
}

// NextAllocation computes the next resource envelope to try for a task in
// this category, given the current tier and whether the previous attempt
// was exhausted for resources. See spec.md section 4.4.2.
func (c *Category) NextAllocation(current types.ResourceSet, exhausted bool) (types.ResourceSet, bool) {
	switch c.Mode {
	case ModeFixed:
		return current, true
	case ModeMax:
		return c.effectiveMax(), true
	case ModeMinWaste, ModeMaxThroughput:
		if !exhausted {
			return c.firstGuess(), true
		}
		next := scaleResourceSet(current, 2)
		capped := minResourceSet(next, c.effectiveMax())
		if sameResourceSet(capped, current) {
			return current, false // max-allocation-exceeded
		}
		return capped, true
	case ModeGreedyBucketing, ModeExhaustiveBucketing:
		if c.bucketing == nil {
			c.bucketing = NewBucketingOracle()
		}
		return c.bucketing.NextBucket(c.effectiveMax(), c.Mode == ModeExhaustiveBucketing)
	default:
		return current, true
	}
}

func (c *Category) effectiveMax() types.ResourceSet {
	if c.Max == (types.ResourceSet{}) {
		return c.LargestSeen
	}
	return c.Max
}

func (c *Category) firstGuess() types.ResourceSet {
	if c.FirstAllocationGuess != (types.ResourceSet{}) {
		return c.FirstAllocationGuess
	}
	if len(c.samples) == 0 {
		return c.effectiveMax()
	}
	// a cheap median-ish guess: average of observed samples
	var sum types.ResourceSet
	for _, s := range c.samples {
		sum.Cores += s.Cores
		sum.Memory += s.Memory
		sum.Disk += s.Disk
		sum.GPUs += s.GPUs
	}
	n := float64(len(c.samples))
	return types.ResourceSet{Cores: sum.Cores / n, Memory: sum.Memory / n, Disk: sum.Disk / n, GPUs: sum.GPUs / n}
}

func scaleResourceSet(r types.ResourceSet, factor float64) types.ResourceSet {
	return types.ResourceSet{Cores: r.Cores * factor, Memory: r.Memory * factor, Disk: r.Disk * factor, GPUs: r.GPUs * factor}
}

func minResourceSet(a, b types.ResourceSet) types.ResourceSet {
	min := func(x, y float64) float64 {
		if y <= 0 {
			return x
		}
		if x < y {
			return x
		}
		return y
	}
	return types.ResourceSet{
		Cores:  min(a.Cores, b.Cores),
		Memory: min(a.Memory, b.Memory),
		Disk:   min(a.Disk, b.Disk),
		GPUs:   min(a.GPUs, b.GPUs),
	}
}

func sameResourceSet(a, b types.ResourceSet) bool {
	return a.Cores == b.Cores && a.Memory == b.Memory && a.Disk == b.Disk && a.GPUs == b.GPUs
}
