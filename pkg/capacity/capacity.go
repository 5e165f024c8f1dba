// Package capacity implements the EWMA-smoothed capacity estimator
// described in spec.md section 4.10: an estimate of how many
// average-shaped tasks the manager could keep busy given current
// throughput.
//
// Grounded on original_source/taskvine/src/manager/vine_task_info.c's
// vine_task_info_compute_capacity, which accumulates the most recent
// completed tasks and relates total execute time to total overhead
// (transfer plus manager bookkeeping) time.
package capacity

import (
	"time"

	"github.com/vinequeue/manager/pkg/types"
)

// DefaultTasks is the hard-coded capacity returned before any task has
// completed (spec.md section 9, "capacity floor" open question). Exposed
// here as a variable so callers can override it via a tunable.
var DefaultTasks = 10.0

// MinSamples is the minimum number of completed tasks, and the minimum
// multiple of the currently connected worker count, required before the
// estimator trusts its own average (spec.md section 4.10: "N >= 50 and
// >= 2x current on-workers").
const MinSamples = 50

// sample is one completed task's timing breakdown.
type sample struct {
	execute  time.Duration
	overhead time.Duration // transfer time + manager-side bookkeeping
	envelope types.Envelope
}

// Estimator accumulates recent task completions and derives capacity
// estimates.
type Estimator struct {
	samples []sample
	maxLen  int

	weightedRatio float64 // EWMA of execute/overhead, alpha = 0.05
	haveWeighted  bool
}

const ewmaAlpha = 0.05

// New creates an estimator retaining up to maxLen recent samples.
func New(maxLen int) *Estimator {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &Estimator{maxLen: maxLen}
}

// Record folds one completed task's timings into the estimator.
func (e *Estimator) Record(execute, overhead time.Duration, envelope types.Envelope) {
	if overhead <= 0 {
		overhead = time.Microsecond
	}
	e.samples = append(e.samples, sample{execute: execute, overhead: overhead, envelope: envelope})
	if len(e.samples) > e.maxLen {
		e.samples = e.samples[len(e.samples)-e.maxLen:]
	}

	ratio := execute.Seconds() / overhead.Seconds()
	if !e.haveWeighted {
		e.weightedRatio = ratio
		e.haveWeighted = true
	} else {
		e.weightedRatio = ewmaAlpha*ratio + (1-ewmaAlpha)*e.weightedRatio
	}
}

// ready reports whether the estimator has enough history to trust its
// ratio, per spec.md's N >= 50 and N >= 2x workers rule.
func (e *Estimator) ready(connectedWorkers int) bool {
	return len(e.samples) >= MinSamples && len(e.samples) >= 2*connectedWorkers
}

// averageEnvelope returns the mean per-dimension allocation across
// retained samples.
func (e *Estimator) averageEnvelope() types.Envelope {
	if len(e.samples) == 0 {
		return types.Envelope{}
	}
	var sum types.Envelope
	for _, s := range e.samples {
		sum = sum.Add(s.envelope)
	}
	n := float64(len(e.samples))
	return types.Envelope{Cores: sum.Cores / n, Memory: sum.Memory / n, Disk: sum.Disk / n, GPUs: sum.GPUs / n}
}

// Instantaneous returns the capacity estimate derived from only the most
// recently completed task.
func (e *Estimator) Instantaneous(connectedWorkers int) float64 {
	if len(e.samples) == 0 || !e.ready(connectedWorkers) {
		return DefaultTasks
	}
	last := e.samples[len(e.samples)-1]
	return last.execute.Seconds() / last.overhead.Seconds()
}

// Weighted returns the EWMA-smoothed capacity estimate.
func (e *Estimator) Weighted(connectedWorkers int) float64 {
	if !e.haveWeighted || !e.ready(connectedWorkers) {
		return DefaultTasks
	}
	return e.weightedRatio
}

// PerResource scales a capacity figure by the average per-task allocation
// of one dimension, giving "how many average tasks of this resource shape
// the fleet could run at once" style figures for the catalog.
func (e *Estimator) PerResource(capacityTasks float64) types.Envelope {
	avg := e.averageEnvelope()
	return types.Envelope{
		Cores:  avg.Cores * capacityTasks,
		Memory: avg.Memory * capacityTasks,
		Disk:   avg.Disk * capacityTasks,
		GPUs:   avg.GPUs * capacityTasks,
	}
}

// Len reports how many samples are currently retained.
func (e *Estimator) Len() int {
	return len(e.samples)
}
