// Package transferplan implements the transfer planner described in
// spec.md section 4.5: for each input of a candidate task, resolve a
// viable source (the manager itself, an origin URL, or a peer worker) and
// reserve the current-transfers capacity needed to pull it.
//
// Grounded on original_source/taskvine/src/manager/vine_current_transfers.c
// for the capacity accounting and vine_manager.c's input-resolution walk
// that precedes a commit.
package transferplan

import (
	"fmt"

	"github.com/vinequeue/manager/pkg/filecache"
	"github.com/vinequeue/manager/pkg/transfers"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

// Limits are the per-source concurrency caps from spec.md section 4.5,
// configurable via the `file-source-max-transfers` tunable.
type Limits struct {
	PerPeerSource int // default 3
	PerFileSource int // default 1
}

// DefaultLimits matches spec.md's stated defaults.
func DefaultLimits() Limits {
	return Limits{PerPeerSource: 3, PerFileSource: 1}
}

// Planner resolves input sources against the worker registry, file cache
// index, and current-transfers table.
type Planner struct {
	Workers   *workerpool.Registry
	Cache     *filecache.Index
	Transfers *transfers.Table
	Limits    Limits
}

// New creates a planner with the given collaborators and default limits.
func New(workers *workerpool.Registry, cache *filecache.Index, table *transfers.Table) *Planner {
	return &Planner{Workers: workers, Cache: cache, Transfers: table, Limits: DefaultLimits()}
}

// reservation records a transfer-table entry added while planning, so the
// scheduler can roll it back if a later input in the same task fails to
// resolve (spec.md section 4.5 step 4: "the whole scheduling attempt for
// this task fails").
type reservation struct {
	transferID string
}

// Plan resolves every input of task against targetWorker, reserving
// current-transfers capacity for peer and URL sources as it goes. On
// success it returns true, with its reservations committed to the table
// and Substitute set on every input resolved to a peer source. On failure it
// releases every reservation it made for this call and returns false, so
// the scheduler can try another worker or leave the task in place.
func (p *Planner) Plan(task *types.Task, targetWorker *workerpool.Worker) (ok bool, err error) {
	var made []reservation
	defer func() {
		if !ok {
			for _, r := range made {
				p.Transfers.Remove(r.transferID)
			}
		}
	}()

	for _, in := range task.Inputs {
		resolved, reservations, rerr := p.resolveInput(in, targetWorker, 0)
		if rerr != nil {
			return false, rerr
		}
		if !resolved {
			return false, nil
		}
		made = append(made, reservations...)
	}
	return true, nil
}

const maxMiniTaskDepth = 8

func (p *Planner) resolveInput(in *types.FileBinding, targetWorker *workerpool.Worker, depth int) (bool, []reservation, error) {
	if depth > maxMiniTaskDepth {
		return false, nil, fmt.Errorf("transferplan: mini-task recursion too deep for %q", in.RemoteName)
	}

	// Step 1: already present on the target worker's cache.
	if in.CacheName != "" && p.Cache.Has(targetWorker.Key, in.CacheName) {
		return true, nil, nil
	}

	// Step 2: enumerate peer workers holding this cache entry.
	if in.CacheName != "" {
		for _, peerKey := range p.Cache.WorkersWithEntry(in.CacheName) {
			if peerKey == targetWorker.Key {
				continue
			}
			peer := p.Workers.Get(peerKey)
			if peer == nil || !peer.HasTransferAddr {
				continue
			}
			source := transfers.PeerSourceURI(peer.TransferHost, peer.TransferPort, in.CacheName)
			if p.Transfers.SourceInUse(source) >= p.Limits.PerPeerSource {
				continue
			}
			id := p.Transfers.Add(targetWorker.Key, source)
			in.Substitute = source
			in.TransferID = id
			return true, []reservation{{transferID: id}}, nil
		}
	}

	// Step 3: no peer eligible; behavior depends on kind.
	switch in.Kind {
	case types.FileKindURL:
		source := in.Origin
		if p.Transfers.SourceInUse(source) >= p.Limits.PerFileSource {
			return false, nil, nil
		}
		id := p.Transfers.Add(targetWorker.Key, source)
		in.TransferID = id
		return true, []reservation{{transferID: id}}, nil

	case types.FileKindPeerTemp:
		// Peer-only source with no eligible peer: this attempt fails.
		return false, nil, nil

	case types.FileKindMiniTask:
		// The mini-task runs on the target worker, so every nested input
		// must resolve there too; one unresolvable sub-input fails the
		// whole attempt.
		var made []reservation
		for _, sub := range in.SubInputs {
			resolved, rs, rerr := p.resolveInput(sub, targetWorker, depth+1)
			if rerr != nil || !resolved {
				for _, r := range made {
					p.Transfers.Remove(r.transferID)
				}
				return false, nil, rerr
			}
			made = append(made, rs...)
		}
		return true, made, nil

	case types.FileKindLocal, types.FileKindBuffer, types.FileKindDir:
		// The manager itself is always an available source.
		return true, nil, nil

	default:
		return true, nil, nil
	}
}
