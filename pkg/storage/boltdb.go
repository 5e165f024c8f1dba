package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/vinequeue/manager/pkg/log"
)

var (
	bucketCategories = []byte("categories")
	bucketBlocklist  = []byte("blocklist")
	bucketMeta       = []byte("meta")

	metaTxLogOffsetKey = []byte("txlog_offset")
)

// BoltStore is the bbolt-backed Store implementation.
type BoltStore struct {
	db   *bolt.DB
	cron *cron.Cron
}

// NewBoltStore opens (creating if absent) the manager's snapshot database
// under dataDir, and starts a cron job that periodically syncs it to
// disk. No compaction is done.
func NewBoltStore(dataDir string, flushSchedule string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "vine_manager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCategories, bucketBlocklist, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}

	if flushSchedule != "" {
		c := cron.New()
		logger := log.WithComponent("storage")
		if _, err := c.AddFunc(flushSchedule, func() {
			if err := s.db.Sync(); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot sync failed")
			}
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: schedule flush job: %w", err)
		}
		c.Start()
		s.cron = c
	}

	return s, nil
}

// Close stops the flush cron job and closes the database.
func (s *BoltStore) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.db.Close()
}

// SaveCategoryStats upserts one category's accumulated stats.
func (s *BoltStore) SaveCategoryStats(snapshot CategorySnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCategories)
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshot.Name), data)
	})
}

// LoadCategoryStats returns every persisted category snapshot.
func (s *BoltStore) LoadCategoryStats() ([]CategorySnapshot, error) {
	var out []CategorySnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCategories)
		return b.ForEach(func(k, v []byte) error {
			var snap CategorySnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

// SaveBlocklist replaces the persisted blocklist wholesale.
func (s *BoltStore) SaveBlocklist(snapshot []BlocklistSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocklist)
		var keys [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, entry := range snapshot {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(entry.Hostname), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadBlocklist returns every persisted blocklist entry.
func (s *BoltStore) LoadBlocklist() ([]BlocklistSnapshot, error) {
	var out []BlocklistSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocklist)
		return b.ForEach(func(k, v []byte) error {
			var snap BlocklistSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

// SaveTxLogOffset persists the transaction-log's last-flushed byte offset.
func (s *BoltStore) SaveTxLogOffset(offset int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(offset)
		if err != nil {
			return err
		}
		return b.Put(metaTxLogOffsetKey, data)
	})
}

// LoadTxLogOffset returns the last persisted transaction-log offset, or 0
// if none has been recorded yet.
func (s *BoltStore) LoadTxLogOffset() (int64, error) {
	var offset int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(metaTxLogOffsetKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &offset)
	})
	return offset, err
}
