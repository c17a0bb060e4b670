package state

import (
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAcquireLockAndStartBuild_FirstCallerWins(t *testing.T) {
	store := newTestStore(t)

	record := &types.BuildRecord{ID: "build-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusRunning, HolderNodeID: "node-a", StartedAt: time.Now()}
	lock := &types.Lock{PackageName: "web", SourceHash: "abc", HolderID: "node-a", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, existing, err := store.AcquireLockAndStartBuild(record, lock)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Nil(t, existing)

	got, err := store.GetBuildRecord("build-1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusRunning, got.Status)

	gotLock, err := store.GetLock("web")
	require.NoError(t, err)
	assert.Equal(t, "node-a", gotLock.HolderID)
}

func TestAcquireLockAndStartBuild_SecondCallerBlocked(t *testing.T) {
	store := newTestStore(t)

	record1 := &types.BuildRecord{ID: "build-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusRunning, HolderNodeID: "node-a"}
	lock1 := &types.Lock{PackageName: "web", SourceHash: "abc", HolderID: "node-a", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, _, err := store.AcquireLockAndStartBuild(record1, lock1)
	require.NoError(t, err)
	require.True(t, acquired)

	record2 := &types.BuildRecord{ID: "build-2", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusRunning, HolderNodeID: "node-b"}
	lock2 := &types.Lock{PackageName: "web", SourceHash: "abc", HolderID: "node-b", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, existing, err := store.AcquireLockAndStartBuild(record2, lock2)
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NotNil(t, existing)
	assert.Equal(t, "node-a", existing.HolderID)

	// The losing caller's build record must never have been written.
	_, err = store.GetBuildRecord("build-2")
	assert.Error(t, err)
}

// A lock is keyed by package alone, so two concurrent callers racing on
// the same package but computing two different source hashes (e.g. a
// stale checkout on one node, a fresh one on another) must still contend
// for a single lock rather than each acquiring their own.
func TestAcquireLockAndStartBuild_DifferentSourceHashesStillContend(t *testing.T) {
	store := newTestStore(t)

	record1 := &types.BuildRecord{ID: "build-1", PackageName: "web", SourceHash: "hashA", Status: types.BuildStatusRunning, HolderNodeID: "node-a"}
	lock1 := &types.Lock{PackageName: "web", SourceHash: "hashA", HolderID: "node-a", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, _, err := store.AcquireLockAndStartBuild(record1, lock1)
	require.NoError(t, err)
	require.True(t, acquired)

	record2 := &types.BuildRecord{ID: "build-2", PackageName: "web", SourceHash: "hashB", Status: types.BuildStatusRunning, HolderNodeID: "node-b"}
	lock2 := &types.Lock{PackageName: "web", SourceHash: "hashB", HolderID: "node-b", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, existing, err := store.AcquireLockAndStartBuild(record2, lock2)
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NotNil(t, existing)
	assert.Equal(t, "node-a", existing.HolderID)
	assert.Equal(t, "hashA", existing.SourceHash)

	// Only one lock exists for package "web", regardless of source hash.
	locks, err := store.ListLocks()
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	_, err = store.GetBuildRecord("build-2")
	assert.Error(t, err)
}

func TestAcquireLockAndStartBuild_ExpiredLockIsReclaimed(t *testing.T) {
	store := newTestStore(t)

	record1 := &types.BuildRecord{ID: "build-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusRunning, HolderNodeID: "node-a"}
	lock1 := &types.Lock{PackageName: "web", SourceHash: "abc", HolderID: "node-a", AcquiredAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}

	acquired, _, err := store.AcquireLockAndStartBuild(record1, lock1)
	require.NoError(t, err)
	require.True(t, acquired)

	record2 := &types.BuildRecord{ID: "build-2", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusRunning, HolderNodeID: "node-b"}
	lock2 := &types.Lock{PackageName: "web", SourceHash: "abc", HolderID: "node-b", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	acquired, existing, err := store.AcquireLockAndStartBuild(record2, lock2)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Nil(t, existing)

	gotLock, err := store.GetLock("web")
	require.NoError(t, err)
	assert.Equal(t, "node-b", gotLock.HolderID)
}

func TestFileHashCache_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, _, _, ok, err := store.GetFileHash("main.go")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetFileHash("main.go", "deadbeef", 128, 42))

	hash, size, modTime, ok, err := store.GetFileHash("main.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", hash)
	assert.Equal(t, int64(128), size)
	assert.Equal(t, int64(42), modTime)
}

func TestSetFileHashes_BatchRoundTrip(t *testing.T) {
	store := newTestStore(t)

	batch := []FileHashEntry{
		{Path: "a.go", Hash: "h1", Size: 10, ModTime: 1},
		{Path: "b.go", Hash: "h2", Size: 20, ModTime: 2},
		{Path: "c.go", Hash: "h3", Size: 30, ModTime: 3},
	}
	require.NoError(t, store.SetFileHashes(batch))

	for _, want := range batch {
		hash, size, modTime, ok, err := store.GetFileHash(want.Path)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.Hash, hash)
		assert.Equal(t, want.Size, size)
		assert.Equal(t, want.ModTime, modTime)
	}
}

func TestRecentBuilds_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "old", PackageName: "a", SourceHash: "x", StartedAt: base.Add(-2 * time.Hour)}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "mid", PackageName: "b", SourceHash: "y", StartedAt: base.Add(-time.Hour)}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "new", PackageName: "c", SourceHash: "z", StartedAt: base}))

	recent, err := store.RecentBuilds(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].ID)
	assert.Equal(t, "mid", recent[1].ID)
}

func TestStats_CountsByStatusAndLiveLocks(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "1", PackageName: "a", SourceHash: "x", Status: types.BuildStatusSucceeded}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "2", PackageName: "b", SourceHash: "y", Status: types.BuildStatusFailed}))

	record := &types.BuildRecord{ID: "3", PackageName: "c", SourceHash: "z", Status: types.BuildStatusRunning}
	lock := &types.Lock{PackageName: "c", SourceHash: "z", HolderID: "node-a", AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	acquired, _, err := store.AcquireLockAndStartBuild(record, lock)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.SetFileHash("main.go", "h", 1, 1))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalBuilds)
	assert.Equal(t, 1, stats.BuildsByStatus[types.BuildStatusSucceeded])
	assert.Equal(t, 1, stats.BuildsByStatus[types.BuildStatusFailed])
	assert.Equal(t, 1, stats.BuildsByStatus[types.BuildStatusRunning])
	assert.Equal(t, 1, stats.ActiveLocks)
	assert.Equal(t, 1, stats.CachedFileHashes)
}

func TestListBuildRecordsByStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "1", PackageName: "a", SourceHash: "x", Status: types.BuildStatusSucceeded}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "2", PackageName: "b", SourceHash: "y", Status: types.BuildStatusFailed}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "3", PackageName: "c", SourceHash: "z", Status: types.BuildStatusSucceeded}))

	succeeded, err := store.ListBuildRecordsByStatus(types.BuildStatusSucceeded)
	require.NoError(t, err)
	assert.Len(t, succeeded, 2)
}

func TestFindCachedBuild_FailedRebuildDoesNotShadowSuccess(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "ok-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusSucceeded, ArtifactHash: "hash-1"}))
	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "bad-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusFailed}))

	// The cache lookup still resolves the succeeded record...
	cached, err := store.FindCachedBuild("web", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ok-1", cached.ID)
	assert.Equal(t, types.BuildStatusSucceeded, cached.Status)

	// ...while the any-status lookup sees the most recent write.
	latest, err := store.GetLatestBuildRecord("web", "abc")
	require.NoError(t, err)
	assert.Equal(t, "bad-1", latest.ID)
}

func TestFindCachedBuild_NoCompletedRecord(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpdateBuildRecord(&types.BuildRecord{ID: "bad-1", PackageName: "web", SourceHash: "abc", Status: types.BuildStatusFailed}))

	_, err := store.FindCachedBuild("web", "abc")
	assert.Error(t, err, "a key with only failed records has no cached build")
}
