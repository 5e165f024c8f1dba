package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinequeue/manager/pkg/types"
)

func TestSubmitIDMonotonicity(t *testing.T) {
	q := New()
	now := time.Now()

	id1 := q.Submit(&types.Task{}, now)
	id2 := q.Submit(&types.Task{}, now)
	assert.Greater(t, id2, id1)
}

func TestSetIDFloorRaisesNextID(t *testing.T) {
	q := New()
	now := time.Now()

	id1 := q.Submit(&types.Task{}, now)
	q.SetIDFloor(100)
	id2 := q.Submit(&types.Task{}, now)
	assert.Equal(t, int64(100), id2)
	assert.Greater(t, id2, id1)

	// A floor lower than the current counter has no effect.
	q.SetIDFloor(5)
	id3 := q.Submit(&types.Task{}, now)
	assert.Equal(t, int64(101), id3)
}

func TestReadyListPriorityOrder(t *testing.T) {
	q := New()
	now := time.Now()

	q.Submit(&types.Task{Tag: "low", Priority: 1}, now)
	q.Submit(&types.Task{Tag: "high", Priority: 10}, now)
	q.Submit(&types.Task{Tag: "mid", Priority: 5}, now)

	ready := q.Ready()
	require.Len(t, ready, 3)
	assert.Equal(t, "high", ready[0].Tag)
	assert.Equal(t, "mid", ready[1].Tag)
	assert.Equal(t, "low", ready[2].Tag)
}

func TestLifecycleHappyPath(t *testing.T) {
	q := New()
	now := time.Now()

	id := q.Submit(&types.Task{}, now)
	require.Len(t, q.Ready(), 1)

	q.Dispatch(id, "worker-1", types.Envelope{Cores: 1}, now)
	assert.Empty(t, q.Ready())
	assert.Equal(t, []int64{id}, q.RunningOnWorker("worker-1"))
	assert.Equal(t, types.TaskRunning, q.Get(id).State)

	q.MoveToWaitingRetrieval(id, types.ResultSuccess, 0, now)
	assert.Empty(t, q.RunningOnWorker("worker-1"))
	assert.Equal(t, types.TaskWaitingRetrieval, q.Get(id).State)

	q.MoveToRetrieved(id, now)
	assert.Equal(t, types.TaskRetrieved, q.Get(id).State)

	got := q.Wait("", 0)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, types.TaskDone, got.State)

	assert.Nil(t, q.Wait("", 0))
}

func TestWaitFiltersByTagAndID(t *testing.T) {
	q := New()
	now := time.Now()

	idA := q.Submit(&types.Task{Tag: "a"}, now)
	idB := q.Submit(&types.Task{Tag: "b"}, now)
	for _, id := range []int64{idA, idB} {
		q.Dispatch(id, "w", types.Envelope{}, now)
		q.MoveToWaitingRetrieval(id, types.ResultSuccess, 0, now)
		q.MoveToRetrieved(id, now)
	}

	got := q.Wait("b", 0)
	require.NotNil(t, got)
	assert.Equal(t, idB, got.ID)

	got = q.Wait("", idA)
	require.NotNil(t, got)
	assert.Equal(t, idA, got.ID)
}

func TestRequeueReturnsRunningTaskToReady(t *testing.T) {
	q := New()
	now := time.Now()

	id := q.Submit(&types.Task{}, now)
	q.Dispatch(id, "worker-1", types.Envelope{Cores: 2}, now)
	q.Requeue(id, now)

	task := q.Get(id)
	assert.Equal(t, types.TaskReady, task.State)
	assert.Empty(t, task.AssignedWorker)
	assert.Equal(t, types.Envelope{}, task.Envelope)
	assert.Empty(t, q.RunningOnWorker("worker-1"))
	require.Len(t, q.Ready(), 1)
}

func TestCancelIdempotence(t *testing.T) {
	q := New()
	now := time.Now()
	id := q.Submit(&types.Task{}, now)

	first := q.CancelByID(id, now)
	require.NotNil(t, first)
	assert.Equal(t, types.TaskCancelled, first.State)

	second := q.CancelByID(id, now)
	assert.Nil(t, second)
}

func TestCancelByTagOnlyAffectsNonTerminal(t *testing.T) {
	q := New()
	now := time.Now()

	id1 := q.Submit(&types.Task{Tag: "batch"}, now)
	id2 := q.Submit(&types.Task{Tag: "batch"}, now)
	q.Submit(&types.Task{Tag: "other"}, now)

	q.CancelByID(id1, now)
	cancelled := q.CancelByTag("batch", now)
	require.Len(t, cancelled, 1)
	assert.Equal(t, id2, cancelled[0].ID)

	// Second call is a no-op: id1 was already terminal, id2 now is too.
	assert.Empty(t, q.CancelByTag("batch", now))
}

func TestFailReadyMarksTerminalResultWithoutDispatch(t *testing.T) {
	q := New()
	now := time.Now()
	id := q.Submit(&types.Task{}, now)

	failed := q.FailReady(id, types.ResultTaskTimeout, now)
	require.NotNil(t, failed)
	assert.Equal(t, types.TaskWaitingRetrieval, failed.State)
	assert.Equal(t, types.ResultTaskTimeout, failed.ResultCode)
	assert.Empty(t, q.Ready())

	q.MoveToRetrieved(id, now)
	got := q.Wait("", 0)
	require.NotNil(t, got)
	assert.Equal(t, types.ResultTaskTimeout, got.ResultCode)
}

func TestEmptyReportsTrueOnlyWhenAllTerminal(t *testing.T) {
	q := New()
	now := time.Now()
	id := q.Submit(&types.Task{}, now)
	assert.False(t, q.Empty())

	q.CancelByID(id, now)
	assert.True(t, q.Empty())
}

func TestStateExclusivity(t *testing.T) {
	q := New()
	now := time.Now()

	ready := q.Submit(&types.Task{}, now)
	running := q.Submit(&types.Task{}, now)
	q.Dispatch(running, "w", types.Envelope{}, now)
	waiting := q.Submit(&types.Task{}, now)
	q.Dispatch(waiting, "w", types.Envelope{}, now)
	q.MoveToWaitingRetrieval(waiting, types.ResultSuccess, 0, now)
	retrieved := q.Submit(&types.Task{}, now)
	q.Dispatch(retrieved, "w", types.Envelope{}, now)
	q.MoveToWaitingRetrieval(retrieved, types.ResultSuccess, 0, now)
	q.MoveToRetrieved(retrieved, now)
	cancelled := q.Submit(&types.Task{}, now)
	q.CancelByID(cancelled, now)

	for _, id := range []int64{ready, running, waiting, retrieved, cancelled} {
		task := q.Get(id)
		membership := 0
		if task.State == types.TaskReady {
			membership++
		}
		if task.State == types.TaskRunning {
			membership++
		}
		if task.State == types.TaskWaitingRetrieval {
			membership++
		}
		if task.State == types.TaskRetrieved {
			membership++
		}
		if task.State == types.TaskCancelled || task.State == types.TaskDone {
			membership++
		}
		assert.Equal(t, 1, membership, "task %d in state %s", id, task.State)
	}
}
