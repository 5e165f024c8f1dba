// Package scheduler implements the scheduler described in spec.md section
// 4.4: matching ready tasks to idle workers under resource and
// transfer-capacity constraints, one dispatch per call.
//
// Grounded on the teacher's pkg/scheduler/scheduler.go for the
// component shape (a ticker-driven loop wrapping a single schedule pass,
// with its own logger and metrics); the envelope math in section 4.4.1 is
// grounded on vine_manager.c's vine_manager_choose_resources_for_task.
package scheduler

import (
	"math"
	"math/rand"
	"time"

	"github.com/vinequeue/manager/pkg/category"
	"github.com/vinequeue/manager/pkg/filecache"
	"github.com/vinequeue/manager/pkg/log"
	"github.com/vinequeue/manager/pkg/metrics"
	"github.com/vinequeue/manager/pkg/taskqueue"
	"github.com/vinequeue/manager/pkg/transferplan"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
	"github.com/rs/zerolog"
)

// Policy is one of the candidate-worker selection strategies of section
// 4.4 step 2.
type Policy string

const (
	PolicyFCFS  Policy = "FCFS"
	PolicyFiles Policy = "FILES"
	PolicyTime  Policy = "TIME"
	PolicyRand  Policy = "RAND"
	PolicyWorst Policy = "WORST"
)

// Decision is one (task, worker, envelope) match the caller should
// commit: move the task to running, update the worker's inuse counters,
// and send the wire commit.
type Decision struct {
	Task     *types.Task
	Worker   *workerpool.Worker
	Envelope types.Envelope
}

// Scheduler matches ready tasks to workers.
type Scheduler struct {
	Workers    *workerpool.Registry
	Cache      *filecache.Index
	Categories *category.Registry
	Planner    *transferplan.Planner

	Policy                 Policy
	ProportionalResources  bool
	ProportionalWholeTasks bool

	rng    *rand.Rand
	logger zerolog.Logger
}

// New creates a scheduler with the default RAND policy, matching
// spec.md's "RAND: uniform random over feasible workers (default)".
func New(workers *workerpool.Registry, cache *filecache.Index, categories *category.Registry, planner *transferplan.Planner) *Scheduler {
	return &Scheduler{
		Workers:               workers,
		Cache:                 cache,
		Categories:            categories,
		Planner:               planner,
		Policy:                PolicyRand,
		ProportionalResources: true,
		rng:                   rand.New(rand.NewSource(1)),
		logger:                log.WithComponent("scheduler"),
	}
}

// DispatchOne attempts to match the head of the ready list (and, on
// failure, each successive ready task) to a feasible, transfer-capable
// worker. It returns nil if nothing could be dispatched this call.
//
// Per spec.md section 4.4: only one task is dispatched per call; earlier
// ready tasks that are infeasible are left in place rather than skipped
// permanently.
func (s *Scheduler) DispatchOne(queue *taskqueue.Queue, now time.Time) *Decision {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	for _, task := range queue.Ready() {
		if !task.EarliestStart.IsZero() && task.EarliestStart.After(now) {
			continue
		}

		candidates := s.feasibleWorkers(task)
		if len(candidates) == 0 {
			metrics.SchedulingFailuresTotal.WithLabelValues("no_feasible_worker").Inc()
			continue
		}

		worker := s.choose(task, candidates)
		ok, err := s.Planner.Plan(task, worker)
		if err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("transfer planning error")
			metrics.SchedulingFailuresTotal.WithLabelValues("transfer_plan_error").Inc()
			continue
		}
		if !ok {
			metrics.SchedulingFailuresTotal.WithLabelValues("transfer_capacity").Inc()
			continue
		}

		cat := s.Categories.GetOrCreate(task.Category)
		env := ComputeEnvelope(task, worker, cat, s.ProportionalResources, s.ProportionalWholeTasks)
		return &Decision{Task: task, Worker: worker, Envelope: env}
	}
	return nil
}

// feasibleWorkers returns every connected, non-draining worker whose free
// resources (largest-seen minus in-use) cover every dimension the task
// explicitly requests.
func (s *Scheduler) feasibleWorkers(task *types.Task) []*workerpool.Worker {
	var out []*workerpool.Worker
	for _, w := range s.Workers.All() {
		if !w.ResourcesKnown || w.Draining || w.Type != workerpool.TypeWorker {
			continue
		}
		if Feasible(task, w) {
			out = append(out, w)
		}
	}
	return out
}

// Feasible reports whether w's free resources cover task's explicitly
// requested (max) dimensions.
func Feasible(task *types.Task, w *workerpool.Worker) bool {
	free := w.Free()
	req := task.Request.Max
	if req.Cores > 0 && free.Cores < req.Cores {
		return false
	}
	if req.Memory > 0 && free.Memory < req.Memory {
		return false
	}
	if req.Disk > 0 && free.Disk < req.Disk {
		return false
	}
	if req.GPUs > 0 && free.GPUs < req.GPUs {
		return false
	}
	return true
}

func (s *Scheduler) choose(task *types.Task, candidates []*workerpool.Worker) *workerpool.Worker {
	switch s.Policy {
	case PolicyFCFS:
		return candidates[0]
	case PolicyFiles:
		return s.chooseFiles(task, candidates)
	case PolicyTime:
		return s.chooseTime(candidates)
	case PolicyWorst:
		return s.chooseWorst(candidates)
	default: // PolicyRand
		return candidates[s.rng.Intn(len(candidates))]
	}
}

func (s *Scheduler) chooseFiles(task *types.Task, candidates []*workerpool.Worker) *workerpool.Worker {
	names := make([]string, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		if in.CacheName != "" {
			names = append(names, in.CacheName)
		}
	}
	best := candidates[0]
	bestBytes := s.Cache.BytesPresent(best.Key, names)
	for _, w := range candidates[1:] {
		bytes := s.Cache.BytesPresent(w.Key, names)
		if bytes > bestBytes {
			best, bestBytes = w, bytes
		}
	}
	return best
}

func (s *Scheduler) chooseTime(candidates []*workerpool.Worker) *workerpool.Worker {
	best := candidates[0]
	bestAvg := averageExecuteTime(best)
	for _, w := range candidates[1:] {
		avg := averageExecuteTime(w)
		if avg < bestAvg {
			best, bestAvg = w, avg
		}
	}
	return best
}

func averageExecuteTime(w *workerpool.Worker) float64 {
	if w.TotalTasksCompleted == 0 {
		return math.MaxFloat64 // unproven workers rank last, not first
	}
	return w.TotalExecuteTime.Seconds() / float64(w.TotalTasksCompleted)
}

func (s *Scheduler) chooseWorst(candidates []*workerpool.Worker) *workerpool.Worker {
	best := candidates[0]
	bestFree := sumFree(best)
	for _, w := range candidates[1:] {
		free := sumFree(w)
		if free > bestFree {
			best, bestFree = w, free
		}
	}
	return best
}

func sumFree(w *workerpool.Worker) float64 {
	f := w.Free()
	return f.Cores + f.Memory + f.Disk + f.GPUs
}

// ComputeEnvelope computes the per-task allocation envelope from the
// task's requested resources and the worker's largest-seen capacity, per
// spec.md section 4.4.1.
func ComputeEnvelope(task *types.Task, w *workerpool.Worker, cat *category.Category, proportional, wholeTasks bool) types.Envelope {
	req := task.Request.Max
	largest := types.ResourceSet{
		Cores: w.Resources.Cores.Largest, Memory: w.Resources.Memory.Largest,
		Disk: w.Resources.Disk.Largest, GPUs: w.Resources.GPUs.Largest,
	}

	allUnspecified := req.Cores <= 0 && req.Memory <= 0 && req.Disk <= 0 && req.GPUs <= 0
	exceedsWorker := (req.Cores > 0 && req.Cores >= largest.Cores) ||
		(req.Memory > 0 && req.Memory >= largest.Memory) ||
		(req.Disk > 0 && req.Disk >= largest.Disk) ||
		(req.GPUs > 0 && req.GPUs >= largest.GPUs)

	var env types.Envelope
	switch {
	case allUnspecified || exceedsWorker || !proportional:
		env = types.Envelope{Cores: largest.Cores, Memory: largest.Memory, Disk: largest.Disk, GPUs: largest.GPUs}

	default:
		proportion := 0.0
		grow := func(requested, cap float64) {
			if requested > 0 && cap > 0 {
				if p := requested / cap; p > proportion {
					proportion = p
				}
			}
		}
		grow(req.Cores, largest.Cores)
		grow(req.Memory, largest.Memory)
		grow(req.Disk, largest.Disk)
		grow(req.GPUs, largest.GPUs)
		if proportion == 0 {
			proportion = 1
		}

		if wholeTasks {
			n := math.Ceil(1 / proportion)
			if n > 0 {
				proportion = 1 / n
			}
		}

		pick := func(requested, cap float64) float64 {
			if requested > 0 {
				return requested
			}
			return cap * proportion
		}
		env = types.Envelope{
			Cores:  pick(req.Cores, largest.Cores),
			Memory: pick(req.Memory, largest.Memory),
			Disk:   pick(req.Disk, largest.Disk),
			GPUs:   pick(req.GPUs, largest.GPUs),
		}
	}

	if env.GPUs == 0 {
		if env.Cores < 1 {
			env.Cores = 1
		}
	} else if req.Cores <= 0 {
		env.Cores = 0
	}

	if cat != nil {
		env = clampMin(env, cat.Min)
	}
	return env
}

func clampMin(env types.Envelope, min types.ResourceSet) types.Envelope {
	clamp := func(v, floor float64) float64 {
		if floor > 0 && v < floor {
			return floor
		}
		return v
	}
	return types.Envelope{
		Cores:  clamp(env.Cores, min.Cores),
		Memory: clamp(env.Memory, min.Memory),
		Disk:   clamp(env.Disk, min.Disk),
		GPUs:   clamp(env.GPUs, min.GPUs),
	}
}

// WatchdogScan returns every ready task whose minimum requested resources
// exceed every connected worker's largest observed dimension: these tasks
// can never be scheduled against the current fleet. Called every ~3
// minutes per spec.md section 4.4's "large-task watchdog".
func (s *Scheduler) WatchdogScan(queue *taskqueue.Queue) []*types.Task {
	workers := s.Workers.All()
	var unschedulable []*types.Task
	for _, task := range queue.Ready() {
		req := task.Request.Min
		fitsSome := false
		for _, w := range workers {
			if !w.ResourcesKnown {
				continue
			}
			l := w.Resources
			if req.Cores <= l.Cores.Largest && req.Memory <= l.Memory.Largest &&
				req.Disk <= l.Disk.Largest && req.GPUs <= l.GPUs.Largest {
				fitsSome = true
				break
			}
		}
		if !fitsSome {
			unschedulable = append(unschedulable, task)
		}
	}
	return unschedulable
}
