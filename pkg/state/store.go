// Package state implements the State Store: per-node transactional
// storage for build records, locks, and the mtime+size file hash cache,
// backed by BoltDB with one bucket per entity and JSON-marshaled values.
package state

import "github.com/buildnet/buildnet/pkg/types"

// FileHashEntry is one item of a SetFileHashes batch write.
type FileHashEntry struct {
	Path    string
	Hash    string
	Size    int64
	ModTime int64
}

// Stats summarizes the store's current contents.
type Stats struct {
	TotalBuilds      int
	BuildsByStatus   map[types.BuildStatus]int
	ActiveLocks      int
	CachedFileHashes int
}

// Store is the State Store's interface.
type Store interface {
	// AcquireLockAndStartBuild atomically checks for an unexpired lock on
	// the package, and if none is held, creates both the Lock and an
	// initial "running" BuildRecord in one transaction — there is
	// deliberately no separate lock-then-start pair to race between.
	// Returns (false, existingLock, nil) without error if the slot is
	// already held.
	AcquireLockAndStartBuild(record *types.BuildRecord, lock *types.Lock) (acquired bool, existing *types.Lock, err error)

	// ReleaseLock and GetLock address the lock by package name alone;
	// locks are keyed by package, not by package+sourceHash.
	ReleaseLock(packageName string) error
	GetLock(packageName string) (*types.Lock, error)
	ListLocks() ([]*types.Lock, error)

	GetBuildRecord(id string) (*types.BuildRecord, error)
	// GetLatestBuildRecord returns the most recently written record for
	// the key regardless of status; FindCachedBuild returns the most
	// recent succeeded one, which is what cache lookups must use — a
	// failed rebuild at the same key must not shadow an earlier success.
	GetLatestBuildRecord(packageName, sourceHash string) (*types.BuildRecord, error)
	FindCachedBuild(packageName, sourceHash string) (*types.BuildRecord, error)
	UpdateBuildRecord(record *types.BuildRecord) error
	ListBuildRecords() ([]*types.BuildRecord, error)
	ListBuildRecordsByStatus(status types.BuildStatus) ([]*types.BuildRecord, error)

	GetFileHash(path string) (hash string, size int64, modTime int64, ok bool, err error)
	SetFileHash(path string, hash string, size int64, modTime int64) error
	// SetFileHashes writes a batch of cache entries in one transaction,
	// the write path a full-tree fingerprint pass uses.
	SetFileHashes(entries []FileHashEntry) error

	RecentBuilds(limit int) ([]*types.BuildRecord, error)
	Stats() (Stats, error)

	Close() error
}
