// Package filecache tracks, per worker, the set of content-addressed
// cache-names the worker has confirmed present via a cache-update message
// since its last reset (accept or cache-invalid wipe).
//
// Grounded on original_source/taskvine/src/manager/vine_remote_file_info.c
// and vine_remote_file_table.c.
package filecache

import (
	"sync"
	"time"
)

// Entry is one cached file's state on one worker.
type Entry struct {
	CacheName    string
	Size         int64
	TransferTime time.Duration
	InCache      bool // true once a cache-update has confirmed presence
}

// Index is the per-worker cache index: workerKey -> cacheName -> Entry.
type Index struct {
	mu      sync.Mutex
	workers map[string]map[string]*Entry
}

// New creates an empty index.
func New() *Index {
	return &Index{workers: make(map[string]map[string]*Entry)}
}

// MarkPresent records a cache-update: the named file is now present on
// worker with the given size and transfer time.
func (idx *Index) MarkPresent(workerKey, cacheName string, size int64, transferTime time.Duration) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m := idx.workers[workerKey]
	if m == nil {
		m = make(map[string]*Entry)
		idx.workers[workerKey] = m
	}
	m[cacheName] = &Entry{CacheName: cacheName, Size: size, TransferTime: transferTime, InCache: true}
}

// MarkInvalid removes a cache entry after a cache-invalid message.
func (idx *Index) MarkInvalid(workerKey, cacheName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if m := idx.workers[workerKey]; m != nil {
		delete(m, cacheName)
	}
}

// Has reports whether workerKey's cache currently holds cacheName.
func (idx *Index) Has(workerKey, cacheName string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := idx.workers[workerKey]
	if m == nil {
		return false
	}
	e := m[cacheName]
	return e != nil && e.InCache
}

// BytesPresent sums the sizes of the given cache-names that are present on
// workerKey, used by the FILES scheduling policy to rank workers by
// locality.
func (idx *Index) BytesPresent(workerKey string, cacheNames []string) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := idx.workers[workerKey]
	if m == nil {
		return 0
	}
	var total int64
	for _, name := range cacheNames {
		if e := m[name]; e != nil && e.InCache {
			total += e.Size
		}
	}
	return total
}

// WorkersWithEntry returns every worker key whose index currently has
// cacheName present, used by the transfer planner to enumerate peer
// candidates.
func (idx *Index) WorkersWithEntry(cacheName string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var keys []string
	for wk, m := range idx.workers {
		if e := m[cacheName]; e != nil && e.InCache {
			keys = append(keys, wk)
		}
	}
	return keys
}

// Reset discards a worker's entire cache index, called on worker removal
// per spec.md's worker lifecycle.
func (idx *Index) Reset(workerKey string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.workers, workerKey)
}
