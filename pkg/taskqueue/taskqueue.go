// Package taskqueue implements the task registry: unique-id assignment,
// the ready list in priority order, and the per-worker running-task index
// that backs the lifecycle state machine described in spec.md section 3.
package taskqueue

import (
	"sync"
	"time"

	"github.com/vinequeue/manager/pkg/types"
)

// Queue is the task registry.
type Queue struct {
	mu sync.Mutex

	nextID  int64
	idFloor int64

	tasks map[int64]*types.Task

	ready            []*types.Task
	runningByWorker  map[string]map[int64]bool
	waitingRetrieval map[int64]bool
	retrieved        []int64 // FIFO order of ids awaiting wait()
}

// New creates an empty task queue. The first assigned id is 1.
func New() *Queue {
	return &Queue{
		tasks:            make(map[int64]*types.Task),
		runningByWorker:  make(map[string]map[int64]bool),
		waitingRetrieval: make(map[int64]bool),
	}
}

// SetIDFloor raises the floor for the next assigned id: the next call to
// Submit will assign max(nextID, n).
func (q *Queue) SetIDFloor(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.idFloor {
		q.idFloor = n
	}
}

// Submit assigns a monotonic id to t, places it in the ready list in
// priority order, and returns the assigned id.
//
// Id monotonicity: for submit(t1) then submit(t2), id(t2) > id(t1).
func (q *Queue) Submit(t *types.Task, now time.Time) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.nextID + 1
	if q.idFloor > next {
		next = q.idFloor
	}
	q.nextID = next

	t.ID = next
	t.State = types.TaskReady
	t.Submitted = now
	q.tasks[t.ID] = t
	q.insertReadyLocked(t)
	return t.ID
}

func (q *Queue) insertReadyLocked(t *types.Task) {
	i := len(q.ready)
	for i > 0 && q.ready[i-1].Priority < t.Priority {
		i--
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = t
}

func (q *Queue) removeReadyLocked(id int64) {
	for i, t := range q.ready {
		if t.ID == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

// Get returns the task by id, or nil.
func (q *Queue) Get(id int64) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id]
}

// Ready returns a snapshot of the ready list in priority order (head
// first).
func (q *Queue) Ready() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Task, len(q.ready))
	copy(out, q.ready)
	return out
}

// Dispatch moves a ready task to running on workerKey with the given
// envelope.
func (q *Queue) Dispatch(id int64, workerKey string, envelope types.Envelope, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.tasks[id]
	if t == nil || t.State != types.TaskReady {
		return
	}
	q.removeReadyLocked(id)
	t.State = types.TaskRunning
	t.AssignedWorker = workerKey
	t.Envelope = envelope
	t.TryCount++
	t.CommitStart = now

	set := q.runningByWorker[workerKey]
	if set == nil {
		set = make(map[int64]bool)
		q.runningByWorker[workerKey] = set
	}
	set[id] = true
}

// RunningOnWorker returns the ids currently running on workerKey.
func (q *Queue) RunningOnWorker(workerKey string) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	set := q.runningByWorker[workerKey]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// MoveToWaitingRetrieval transitions a running task once its worker has
// sent a result message.
func (q *Queue) MoveToWaitingRetrieval(id int64, result types.ResultCode, exitCode int, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.tasks[id]
	if t == nil || t.State != types.TaskRunning {
		return
	}
	q.clearRunningLocked(t)
	t.State = types.TaskWaitingRetrieval
	t.ResultCode = result
	t.ExitCode = exitCode
	t.CommitEnd = now
	t.RetrieveStart = now
	q.waitingRetrieval[id] = true
}

func (q *Queue) clearRunningLocked(t *types.Task) {
	if set := q.runningByWorker[t.AssignedWorker]; set != nil {
		delete(set, t.ID)
	}
}

// MoveToRetrieved transitions a waiting-retrieval task once its outputs
// have been fetched, making it eligible for the next matching Wait call.
func (q *Queue) MoveToRetrieved(id int64, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.tasks[id]
	if t == nil || t.State != types.TaskWaitingRetrieval {
		return
	}
	delete(q.waitingRetrieval, id)
	t.State = types.TaskRetrieved
	t.Done = now
	q.retrieved = append(q.retrieved, id)
}

// Requeue returns a running or waiting-retrieval task to the ready list,
// used for worker loss, forsaken tasks, and resource-exhaustion retries.
// It leaves TryCount alone: Dispatch increments it, and the manager's
// forsaken path takes that increment back (spec.md section 4.7).
func (q *Queue) Requeue(id int64, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.tasks[id]
	if t == nil {
		return
	}
	switch t.State {
	case types.TaskRunning:
		q.clearRunningLocked(t)
	case types.TaskWaitingRetrieval:
		delete(q.waitingRetrieval, id)
	default:
		return
	}
	t.State = types.TaskReady
	t.AssignedWorker = ""
	t.Envelope = types.Envelope{}
	q.insertReadyLocked(t)
}

// Wait returns and removes the first retrieved task matching the given
// tag/id filter (empty tag and zero id mean "no filter"), transitioning it
// to Done. It returns nil if nothing matches.
func (q *Queue) Wait(tag string, id int64) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, rid := range q.retrieved {
		t := q.tasks[rid]
		if t == nil {
			continue
		}
		if id != 0 && t.ID != id {
			continue
		}
		if tag != "" && t.Tag != tag {
			continue
		}
		q.retrieved = append(q.retrieved[:i], q.retrieved[i+1:]...)
		t.State = types.TaskDone
		return t
	}
	return nil
}

// FailReady removes a ready task and marks it waiting-retrieval with the
// given terminal result, used when a task's end-time passes or its retry
// budget is exhausted before ever being dispatched to a worker (spec.md
// section 4.1 step 7). Reuses the waiting-retrieval/retrieved path so
// expired tasks flow through the same output-materialization and wait()
// delivery as tasks a worker actually ran.
func (q *Queue) FailReady(id int64, result types.ResultCode, now time.Time) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.tasks[id]
	if t == nil || t.State != types.TaskReady {
		return nil
	}
	q.removeReadyLocked(id)
	t.State = types.TaskWaitingRetrieval
	t.ResultCode = result
	t.CommitEnd = now
	t.RetrieveStart = now
	q.waitingRetrieval[id] = true
	return t
}

// CancelByID transitions a task to cancelled. If it was running, the
// caller is responsible for sending the worker a kill message; this
// method only updates the registry's indexes. Returns the task on first
// call, nil on any subsequent call for the same id (cancel idempotence).
func (q *Queue) CancelByID(id int64, now time.Time) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(id, now)
}

func (q *Queue) cancelLocked(id int64, now time.Time) *types.Task {
	t := q.tasks[id]
	if t == nil || t.IsTerminal() {
		return nil
	}
	switch t.State {
	case types.TaskReady:
		q.removeReadyLocked(id)
	case types.TaskRunning:
		q.clearRunningLocked(t)
	case types.TaskWaitingRetrieval:
		delete(q.waitingRetrieval, id)
		t.AssignedWorker = ""
	}
	// Remove from the retrieved queue if present so cancel is idempotent
	// there too.
	for i, rid := range q.retrieved {
		if rid == id {
			q.retrieved = append(q.retrieved[:i], q.retrieved[i+1:]...)
			break
		}
	}
	t.State = types.TaskCancelled
	t.ResultCode = types.ResultCancelled
	t.Done = now
	return t
}

// CancelByTag cancels every non-terminal task with the given tag and
// returns the cancelled tasks.
func (q *Queue) CancelByTag(tag string, now time.Time) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []int64
	for id, t := range q.tasks {
		if t.Tag == tag && !t.IsTerminal() {
			ids = append(ids, id)
		}
	}
	var cancelled []*types.Task
	for _, id := range ids {
		if t := q.cancelLocked(id, now); t != nil {
			cancelled = append(cancelled, t)
		}
	}
	return cancelled
}

// Empty reports whether every registered task is in a terminal state.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// CountsByState returns the number of tasks in each state, for the
// catalog reporter and metrics collector.
func (q *Queue) CountsByState() map[types.TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[types.TaskState]int)
	for _, t := range q.tasks {
		out[t.State]++
	}
	return out
}

// All returns every task ever registered, for scans like the large-task
// watchdog and the expiry sweep.
func (q *Queue) All() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	return out
}
