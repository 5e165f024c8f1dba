package transferplan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vinequeue/manager/pkg/filecache"
	"github.com/vinequeue/manager/pkg/transfers"
	"github.com/vinequeue/manager/pkg/transferplan"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

func newWorker(reg *workerpool.Registry, host string, port int) *workerpool.Worker {
	w := workerpool.NewWorker(reg.NextHandle(), host, port, time.Now())
	w.HasTransferAddr = true
	w.TransferHost = host
	w.TransferPort = port
	reg.Add(w)
	return w
}

func TestPlanReservesURLSourceWhenNoCacheEntryExists(t *testing.T) {
	reg := workerpool.NewRegistry()
	dest := newWorker(reg, "dest", 9000)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)

	task := &types.Task{Inputs: []*types.FileBinding{{Kind: types.FileKindURL, Origin: "http://example/x", CacheName: "cache-x"}}}
	ok, err := p.Plan(task, dest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, table.Len())
}

func TestPlanSubstitutesPeerSourceOnceCached(t *testing.T) {
	reg := workerpool.NewRegistry()
	src := newWorker(reg, "srcHost", 9001)
	dest := newWorker(reg, "destHost", 9002)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)

	cache.MarkPresent(src.Key, "cache-x", 1024, 0)

	task := &types.Task{Inputs: []*types.FileBinding{{Kind: types.FileKindURL, Origin: "http://example/x", CacheName: "cache-x"}}}
	ok, err := p.Plan(task, dest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "worker://srcHost:9001/cache-x", task.Inputs[0].Substitute)
}

func TestPlanRespectsPerFileSourceCap(t *testing.T) {
	reg := workerpool.NewRegistry()
	dest := newWorker(reg, "dest", 9000)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)
	p.Limits.PerFileSource = 1

	// First reservation against the URL succeeds.
	task1 := &types.Task{Inputs: []*types.FileBinding{{Kind: types.FileKindURL, Origin: "http://example/x"}}}
	ok, err := p.Plan(task1, dest)
	require.NoError(t, err)
	require.True(t, ok)

	// Second task needing the same URL is refused: cap already reached.
	task2 := &types.Task{Inputs: []*types.FileBinding{{Kind: types.FileKindURL, Origin: "http://example/x"}}}
	ok, err = p.Plan(task2, dest)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, table.Len())
}

func TestPlanRecursesIntoMiniTaskSubInputs(t *testing.T) {
	reg := workerpool.NewRegistry()
	dest := newWorker(reg, "dest", 9000)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)

	task := &types.Task{Inputs: []*types.FileBinding{{
		Kind:   types.FileKindMiniTask,
		Origin: "untar data.tar",
		SubInputs: []*types.FileBinding{
			{Kind: types.FileKindURL, Origin: "http://example/data.tar", CacheName: "cache-tar"},
		},
	}}}
	ok, err := p.Plan(task, dest)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, table.Len(), "the sub-input's URL slot should be reserved")
}

func TestPlanFailsWhenMiniTaskSubInputIsUnresolvable(t *testing.T) {
	reg := workerpool.NewRegistry()
	dest := newWorker(reg, "dest", 9000)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)

	task := &types.Task{Inputs: []*types.FileBinding{{
		Kind:   types.FileKindMiniTask,
		Origin: "untar data.tar",
		SubInputs: []*types.FileBinding{
			{Kind: types.FileKindURL, Origin: "http://example/data.tar", CacheName: "cache-tar"},
			{Kind: types.FileKindPeerTemp, CacheName: "tmp-1"}, // no peer holds it
		},
	}}}
	ok, err := p.Plan(task, dest)
	require.NoError(t, err)
	require.False(t, ok, "an unresolvable sub-input must fail the whole attempt")
	require.Equal(t, 0, table.Len(), "the sibling sub-input's reservation must be rolled back")
}

func TestPlanFailsForPeerOnlyInputWithNoEligiblePeer(t *testing.T) {
	reg := workerpool.NewRegistry()
	dest := newWorker(reg, "dest", 9000)
	cache := filecache.New()
	table := transfers.New()
	p := transferplan.New(reg, cache, table)

	task := &types.Task{Inputs: []*types.FileBinding{{Kind: types.FileKindPeerTemp, CacheName: "tmp-1"}}}
	ok, err := p.Plan(task, dest)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, table.Len())
}
