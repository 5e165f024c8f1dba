// Package transfers implements the current-transfers table: the manager's
// bookkeeping of in-flight peer and URL file transfers, keyed by a
// generated transfer id, used to enforce the per-source concurrency cap.
//
// Grounded on original_source/taskvine/src/manager/vine_current_transfers.c.
package transfers

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Transfer is one in-flight transfer: a destination worker pulling from a
// source URI (either worker://host:port/cache-name for peer transfers or
// the original URL for external sources).
type Transfer struct {
	ID          string
	Destination string // worker key
	Source      string // source URI
}

// Table is the current-transfers table.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Transfer
}

// New creates an empty current-transfers table.
func New() *Table {
	return &Table{entries: make(map[string]*Transfer)}
}

// Add generates a new transfer id, reserves a slot for (destination,
// source), and returns the id.
func (t *Table) Add(destination, source string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.entries[id] = &Transfer{ID: id, Destination: destination, Source: source}
	return id
}

// Remove releases a transfer slot by id. It reports whether an entry was
// present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// SourceInUse counts active transfers whose source matches exactly.
func (t *Table) SourceInUse(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, tr := range t.entries {
		if tr.Source == source {
			count++
		}
	}
	return count
}

// WipeWorker removes every transfer destined for the given worker key,
// called on worker removal so stale reservations do not leak.
func (t *Table) WipeWorker(workerKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, tr := range t.entries {
		if tr.Destination == workerKey {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of active transfers, for the catalog/metrics
// snapshot.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PeerSourceURI formats the worker:// peer source URI for a given
// transfer address and cache name.
func PeerSourceURI(host string, port int, cacheName string) string {
	return "worker://" + host + ":" + strconv.Itoa(port) + "/" + cacheName
}
