package ledger

import (
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppend_ChainGrowsInOrder(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	require.NoError(t, s.Append(e0, id.PublicKey))

	e1 := NewEntry(id, 1, e0.Hash, types.EntryTypeBuildSucceeded, []byte("second"))
	require.NoError(t, s.Append(e1, id.PublicKey))

	seq, hash, found, err := s.Head("node-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, e1.Hash, hash)

	entries, err := s.ListSince("node-a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e1.ID, entries[0].ID)
}

func TestAppend_RejectsSkippedSequence(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	require.NoError(t, s.Append(e0, id.PublicKey))

	e2 := NewEntry(id, 2, e0.Hash, types.EntryTypeBuildSucceeded, []byte("skip"))
	err = s.Append(e2, id.PublicKey)
	assert.Error(t, err)
}

func TestAppend_RejectsForkedPrevHash(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	require.NoError(t, s.Append(e0, id.PublicKey))

	forked := NewEntry(id, 1, []byte("not-the-real-prev-hash"), types.EntryTypeBuildSucceeded, []byte("fork"))
	err = s.Append(forked, id.PublicKey)
	assert.Error(t, err)
}

func TestAppend_RejectsTamperedSignature(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	e0.Payload = []byte("tampered")

	err = s.Append(e0, id.PublicKey)
	assert.Error(t, err)
}

func TestPrune_ZeroesPayloadButKeepsChain(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	require.NoError(t, s.Append(e0, id.PublicKey))

	cutoff := time.Now().Add(time.Hour)
	n, err := s.Prune(func(e *types.Entry) bool { return e.Timestamp.Before(cutoff) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.ListFrom("node-a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Payload)
	assert.Equal(t, e0.Hash, entries[0].Hash)
}

func TestRoot_ChangesAsEntriesAreAppended(t *testing.T) {
	s := newTestStore(t)
	id, err := identity.Generate("node-a")
	require.NoError(t, err)

	e0 := NewEntry(id, 0, nil, types.EntryTypeBuildStarted, []byte("first"))
	require.NoError(t, s.Append(e0, id.PublicKey))

	all, err := s.All()
	require.NoError(t, err)
	hashes := make([][]byte, len(all))
	for i, e := range all {
		hashes[i] = e.Hash
	}
	rootBefore := NewTree(hashes).Root()

	e1 := NewEntry(id, 1, e0.Hash, types.EntryTypeBuildSucceeded, []byte("second"))
	require.NoError(t, s.Append(e1, id.PublicKey))

	all, err = s.All()
	require.NoError(t, err)
	hashes = make([][]byte, len(all))
	for i, e := range all {
		hashes[i] = e.Hash
	}
	rootAfter := NewTree(hashes).Root()

	assert.NotEqual(t, rootBefore, rootAfter)
}
