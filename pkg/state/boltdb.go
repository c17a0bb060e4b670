package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/buildnet/buildnet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBuilds     = []byte("builds")
	bucketBuildByKey = []byte("build_by_key")
	// build_by_key_completed tracks only succeeded records, so a later
	// failed rebuild at the same (package, source_hash) never shadows a
	// legitimate cache hit.
	bucketBuildByKeyDone = []byte("build_by_key_completed")
	bucketLocks          = []byte("locks")
	bucketFileHashes     = []byte("file_hashes")
)

// BoltStore implements Store using a local BoltDB database.
type BoltStore struct {
	db *bolt.DB
}

type fileHashRecord struct {
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// NewBoltStore opens (or creates) the state database under dataDir,
// creating the directory if needed.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("state: mkdir %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "state.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBuilds, bucketBuildByKey, bucketBuildByKeyDone, bucketLocks, bucketFileHashes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("state: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// lockKey keys the locks bucket by package name alone: at most one lock
// per package exists at any instant. SourceHash travels as a field on
// the stored Lock value, not as part of the key — two racing callers for
// the same package with two different source hashes (a stale checkout on
// one node, a fresh one on another) must still contend for the same
// lock, not acquire two independent ones.
func lockKey(packageName string) []byte {
	return []byte(packageName)
}

// cacheKey keys the build-by-key bucket (the cache-lookup index) by
// (packageName, sourceHash) — unlike locks, cached builds are indexed per
// source fingerprint.
func cacheKey(packageName, sourceHash string) []byte {
	return []byte(packageName + "\x00" + sourceHash)
}

// AcquireLockAndStartBuild is a single read-modify-write transaction:
// check the lock, and if free, write both the Lock and the BuildRecord
// before any other goroutine or node-local caller can observe an
// intermediate state.
func (s *BoltStore) AcquireLockAndStartBuild(record *types.BuildRecord, lock *types.Lock) (bool, *types.Lock, error) {
	var acquired bool
	var existing *types.Lock

	err := s.db.Update(func(tx *bolt.Tx) error {
		lb := tx.Bucket(bucketLocks)
		key := lockKey(lock.PackageName)

		if data := lb.Get(key); data != nil {
			var current types.Lock
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("state: decode lock: %w", err)
			}
			if time.Now().Before(current.ExpiresAt) {
				existing = &current
				acquired = false
				return nil
			}
			// Expired: fall through and reclaim it for this holder.
		}

		lockData, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		if err := lb.Put(key, lockData); err != nil {
			return err
		}

		bb := tx.Bucket(bucketBuilds)
		recordData, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := bb.Put([]byte(record.ID), recordData); err != nil {
			return err
		}

		kb := tx.Bucket(bucketBuildByKey)
		if err := kb.Put(cacheKey(record.PackageName, record.SourceHash), []byte(record.ID)); err != nil {
			return err
		}

		acquired = true
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("state: acquire lock and start build: %w", err)
	}
	return acquired, existing, nil
}

func (s *BoltStore) ReleaseLock(packageName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete(lockKey(packageName))
	})
}

func (s *BoltStore) GetLock(packageName string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLocks).Get(lockKey(packageName))
		if data == nil {
			return fmt.Errorf("lock not found: %s", packageName)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) ListLocks() ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}

func (s *BoltStore) GetBuildRecord(id string) (*types.BuildRecord, error) {
	var record types.BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuilds).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("build record not found: %s", id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetLatestBuildRecord returns the most recently written record for the
// key, whatever its status — the view the reconciler needs to find a
// crashed holder's still-"running" record.
func (s *BoltStore) GetLatestBuildRecord(packageName, sourceHash string) (*types.BuildRecord, error) {
	return s.recordByIndex(bucketBuildByKey, packageName, sourceHash)
}

// FindCachedBuild returns the most recent succeeded record for the key.
// A failed rebuild at the same key never shadows it: only succeeded
// records advance the completed index this reads.
func (s *BoltStore) FindCachedBuild(packageName, sourceHash string) (*types.BuildRecord, error) {
	return s.recordByIndex(bucketBuildByKeyDone, packageName, sourceHash)
}

func (s *BoltStore) recordByIndex(bucket []byte, packageName, sourceHash string) (*types.BuildRecord, error) {
	var record types.BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucket).Get(cacheKey(packageName, sourceHash))
		if id == nil {
			return fmt.Errorf("build record not found: %s/%s", packageName, sourceHash)
		}
		data := tx.Bucket(bucketBuilds).Get(id)
		if data == nil {
			return fmt.Errorf("build record not found: %s/%s", packageName, sourceHash)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) UpdateBuildRecord(record *types.BuildRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBuilds).Put([]byte(record.ID), data); err != nil {
			return err
		}
		key := cacheKey(record.PackageName, record.SourceHash)
		if err := tx.Bucket(bucketBuildByKey).Put(key, []byte(record.ID)); err != nil {
			return err
		}
		if record.Status == types.BuildStatusSucceeded {
			return tx.Bucket(bucketBuildByKeyDone).Put(key, []byte(record.ID))
		}
		return nil
	})
}

func (s *BoltStore) ListBuildRecords() ([]*types.BuildRecord, error) {
	var records []*types.BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var record types.BuildRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) ListBuildRecordsByStatus(status types.BuildStatus) ([]*types.BuildRecord, error) {
	all, err := s.ListBuildRecords()
	if err != nil {
		return nil, err
	}
	var filtered []*types.BuildRecord
	for _, r := range all {
		if r.Status == status {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *BoltStore) GetFileHash(path string) (string, int64, int64, bool, error) {
	var rec fileHashRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFileHashes).Get([]byte(path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return "", 0, 0, false, fmt.Errorf("state: get file hash: %w", err)
	}
	return rec.Hash, rec.Size, rec.ModTime, found, nil
}

func (s *BoltStore) SetFileHash(path string, hash string, size int64, modTime int64) error {
	return s.SetFileHashes([]FileHashEntry{{Path: path, Hash: hash, Size: size, ModTime: modTime}})
}

// SetFileHashes writes a batch of file-hash cache entries in one
// transaction, so a fingerprint pass over a large source tree costs one
// commit instead of one per file.
func (s *BoltStore) SetFileHashes(entries []FileHashEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileHashes)
		for _, e := range entries {
			data, err := json.Marshal(fileHashRecord{Hash: e.Hash, Size: e.Size, ModTime: e.ModTime})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentBuilds returns the most recently started build records, newest
// first, up to limit.
func (s *BoltStore) RecentBuilds(limit int) ([]*types.BuildRecord, error) {
	all, err := s.ListBuildRecords()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Stats summarizes the store's current contents.
func (s *BoltStore) Stats() (Stats, error) {
	stats := Stats{BuildsByStatus: make(map[types.BuildStatus]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var r types.BuildRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			stats.TotalBuilds++
			stats.BuildsByStatus[r.Status]++
			return nil
		}); err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.Lock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if now.Before(l.ExpiresAt) {
				stats.ActiveLocks++
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketFileHashes).ForEach(func(k, v []byte) error {
			stats.CachedFileHashes++
			return nil
		})
	})
	return stats, err
}
