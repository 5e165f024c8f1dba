// Package storage implements the manager's durable snapshot: category
// lifetime statistics, the blocklist, and the transaction-log checkpoint
// offset, persisted across manager restarts.
//
// Grounded on the teacher's pkg/storage/boltdb.go (bucket-per-concern
// bbolt layout, JSON-encoded values), adapted from cluster-state
// (nodes/services/containers/...) to the manager's own concerns. A
// background flush job (a periodic bolt Sync; no compaction) is
// scheduled with robfig/cron/v3, separate from the single-threaded hot
// loop described in spec.md section 5.
package storage

// Store defines the durable-snapshot surface the manager relies on. The
// manager writes snapshots from its loop once per snapshot interval and
// at clean shutdown; those writes run synchronously on the loop.
type Store interface {
	SaveCategoryStats(snapshot CategorySnapshot) error
	LoadCategoryStats() ([]CategorySnapshot, error)

	SaveBlocklist(snapshot []BlocklistSnapshot) error
	LoadBlocklist() ([]BlocklistSnapshot, error)

	SaveTxLogOffset(offset int64) error
	LoadTxLogOffset() (int64, error)

	Close() error
}

// CategorySnapshot is the persisted form of one category's accumulated
// stats (pkg/category.Stats plus identifying fields).
type CategorySnapshot struct {
	Name                 string
	Mode                 string
	SlowWorkerMultiplier  float64
	TasksDone, TasksFailed int
	ExecuteTimeUsec, SendTimeUsec, ReceiveTimeUsec int64
	BytesSent, BytesRecv int64
}

// BlocklistSnapshot is the persisted form of one blocklist entry.
type BlocklistSnapshot struct {
	Hostname     string
	Blocked      bool
	TimesBlocked int
	ReleaseAtUnixNano int64
	Indefinite   bool
}
