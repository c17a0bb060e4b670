package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/archiver"
	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSrcDir(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.bin"), []byte(body), 0o644))
	return dir
}

func TestStoreAndRestore_RoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), DefaultPolicy())
	require.NoError(t, err)
	defer store.Close()

	src := newTestSrcDir(t, "payload")
	rec, err := store.Store("pkg-a", src)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactTierHot, rec.Tier)

	destDir := t.TempDir()
	require.NoError(t, store.Restore(rec.Hash, destDir))

	data, err := os.ReadFile(filepath.Join(destDir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestStore_IdenticalContentsShareHash(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), DefaultPolicy())
	require.NoError(t, err)
	defer store.Close()

	first, err := store.Store("pkg-a", newTestSrcDir(t, "same"))
	require.NoError(t, err)

	second, err := store.Store("pkg-b", newTestSrcDir(t, "same"))
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash, "identical packed contents must resolve to the same content hash")
	assert.Equal(t, int64(2), second.UseCount)
}

func TestStore_DifferentContentsDifferentHash(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), DefaultPolicy())
	require.NoError(t, err)
	defer store.Close()

	a, err := store.Store("pkg-a", newTestSrcDir(t, "one"))
	require.NoError(t, err)
	b, err := store.Store("pkg-a", newTestSrcDir(t, "two"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestGet_UnknownHashIsNotFound(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), DefaultPolicy())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("does-not-exist")
	assert.ErrorIs(t, err, buildnetErrors.ErrNotFound)
	assert.False(t, store.Exists("does-not-exist"))
}

func TestRunTiering_DemotesAndDeletes(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), TieringPolicy{
		HotThreshold:    time.Millisecond,
		WarmThreshold:   2 * time.Millisecond,
		MinAccessToKeep: 3,
	})
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Store("pkg-a", newTestSrcDir(t, "payload"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	stats, err := store.RunTiering()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Greater(t, stats.BytesFreed, int64(0))

	_, err = store.Get(rec.Hash)
	assert.ErrorIs(t, err, buildnetErrors.ErrNotFound)
}

func TestRunTiering_KeepsFrequentlyAccessedCold(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), TieringPolicy{
		HotThreshold:    time.Millisecond,
		WarmThreshold:   time.Millisecond,
		MinAccessToKeep: 3,
	})
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Store("pkg-a", newTestSrcDir(t, "payload"))
	require.NoError(t, err)
	rec.UseCount = 5
	require.NoError(t, store.put(rec))

	time.Sleep(5 * time.Millisecond)
	stats, err := store.RunTiering()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)

	got, err := store.Get(rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactTierCold, got.Tier)
}

func TestOpen_RebuildsMetadataFromDisk(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(dataDir, archiver.New(), DefaultPolicy())
	require.NoError(t, err)

	rec, err := store.Store("pkg-a", newTestSrcDir(t, "payload"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulate a crash: delete the bolt DB but keep blob files on disk.
	require.NoError(t, os.Remove(filepath.Join(dataDir, "artifacts.db")))

	reopened, err := Open(dataDir, archiver.New(), DefaultPolicy())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
}

func TestStore_HotCapacityOverflowGoesToWarm(t *testing.T) {
	store, err := Open(t.TempDir(), archiver.New(), TieringPolicy{HotCapacityBytes: 1})
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Store("pkg-a", newTestSrcDir(t, "payload-bigger-than-one-byte"))
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactTierWarm, rec.Tier)
}
