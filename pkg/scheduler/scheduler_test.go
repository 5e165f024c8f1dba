package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vinequeue/manager/pkg/category"
	"github.com/vinequeue/manager/pkg/filecache"
	"github.com/vinequeue/manager/pkg/scheduler"
	"github.com/vinequeue/manager/pkg/taskqueue"
	"github.com/vinequeue/manager/pkg/transfers"
	"github.com/vinequeue/manager/pkg/transferplan"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

func newKnownWorker(reg *workerpool.Registry, cores, mem, disk float64) *workerpool.Worker {
	w := workerpool.NewWorker(reg.NextHandle(), "host", 9000, time.Now())
	w.ResourcesKnown = true
	w.Resources.Cores = workerpool.ResourceDim{Total: cores, Largest: cores}
	w.Resources.Memory = workerpool.ResourceDim{Total: mem, Largest: mem}
	w.Resources.Disk = workerpool.ResourceDim{Total: disk, Largest: disk}
	w.Type = workerpool.TypeWorker
	reg.Add(w)
	return w
}

func newScheduler() (*scheduler.Scheduler, *workerpool.Registry) {
	reg := workerpool.NewRegistry()
	cache := filecache.New()
	cats := category.NewRegistry()
	planner := transferplan.New(reg, cache, transfers.New())
	return scheduler.New(reg, cache, cats, planner), reg
}

func TestDispatchOneSkipsInfeasibleAndPicksFeasible(t *testing.T) {
	s, reg := newScheduler()
	newKnownWorker(reg, 1, 512, 1024) // too small
	big := newKnownWorker(reg, 8, 8192, 102400)

	q := taskqueue.New()
	task := &types.Task{Request: types.ResourceRequest{Max: types.ResourceSet{Cores: 4, Memory: 4096}}}
	q.Submit(task, time.Now())

	d := s.DispatchOne(q, time.Now())
	require.NotNil(t, d)
	require.Equal(t, big.Key, d.Worker.Key)
}

func TestDispatchOneReturnsNilWhenNoFeasibleWorker(t *testing.T) {
	s, reg := newScheduler()
	newKnownWorker(reg, 1, 512, 1024)

	q := taskqueue.New()
	task := &types.Task{Request: types.ResourceRequest{Max: types.ResourceSet{Cores: 16}}}
	q.Submit(task, time.Now())

	require.Nil(t, s.DispatchOne(q, time.Now()))
}

func TestComputeEnvelopeAssignsWholeWorkerWhenUnspecified(t *testing.T) {
	reg := workerpool.NewRegistry()
	w := newKnownWorker(reg, 4, 4096, 8192)
	task := &types.Task{Request: types.ResourceRequest{}}
	env := scheduler.ComputeEnvelope(task, w, nil, true, false)
	require.Equal(t, 4.0, env.Cores)
	require.Equal(t, 4096.0, env.Memory)
}

func TestComputeEnvelopeScalesUnspecifiedDimensionsProportionally(t *testing.T) {
	reg := workerpool.NewRegistry()
	w := newKnownWorker(reg, 8, 8000, 80000)
	task := &types.Task{Request: types.ResourceRequest{Max: types.ResourceSet{Cores: 2}}} // 1/4 of worker
	env := scheduler.ComputeEnvelope(task, w, nil, true, false)
	require.Equal(t, 2.0, env.Cores)
	require.InDelta(t, 2000, env.Memory, 0.001)
	require.InDelta(t, 20000, env.Disk, 0.001)
}

func TestComputeEnvelopeClampsToCategoryMin(t *testing.T) {
	reg := workerpool.NewRegistry()
	w := newKnownWorker(reg, 8, 8000, 80000)
	cat := &category.Category{Min: types.ResourceSet{Memory: 5000}}
	task := &types.Task{Request: types.ResourceRequest{Max: types.ResourceSet{Cores: 1}}}
	env := scheduler.ComputeEnvelope(task, w, cat, true, false)
	require.GreaterOrEqual(t, env.Memory, 5000.0)
}

func TestWatchdogScanFlagsUnschedulableTasks(t *testing.T) {
	s, reg := newScheduler()
	newKnownWorker(reg, 2, 2048, 4096)

	q := taskqueue.New()
	fits := &types.Task{Request: types.ResourceRequest{Min: types.ResourceSet{Cores: 1}}}
	tooBig := &types.Task{Request: types.ResourceRequest{Min: types.ResourceSet{Cores: 100}}}
	q.Submit(fits, time.Now())
	q.Submit(tooBig, time.Now())

	unschedulable := s.WatchdogScan(q)
	require.Len(t, unschedulable, 1)
	require.Equal(t, tooBig.ID, unschedulable[0].ID)
}
