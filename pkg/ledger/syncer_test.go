package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapResolver is a KeyResolver over a fixed map, standing in for the peer
// registry in tests.
type mapResolver map[string]ed25519.PublicKey

func (m mapResolver) PublicKeyFor(nodeID string) (ed25519.PublicKey, bool) {
	pub, ok := m[nodeID]
	return pub, ok
}

func appendN(t *testing.T, s *Store, id *identity.Identity, n int) []*types.Entry {
	t.Helper()
	var entries []*types.Entry
	for i := 0; i < n; i++ {
		seq, prevHash, found, err := s.Head(id.NodeID)
		require.NoError(t, err)
		next := uint64(0)
		if found {
			next = seq + 1
		}
		e := NewEntry(id, next, prevHash, types.EntryTypeBuildSucceeded, []byte{byte(i)})
		require.NoError(t, s.Append(e, id.PublicKey))
		entries = append(entries, e)
	}
	return entries
}

func TestSync_FullChainReachesEmptyPeer(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	appendN(t, a, idA, 5)

	keys := mapResolver{"node-a": idA.PublicKey}

	// B has never seen node-a's chain: its request advertises no head for
	// it, and the response must start from sequence 0 or B can never
	// accept the chain at all.
	req, err := BuildSyncRequest(b)
	require.NoError(t, err)
	assert.Empty(t, req.Heads)

	resp, err := HandleSyncRequest(a, req)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 5)
	assert.Equal(t, uint64(0), resp.Entries[0].Sequence)

	applied, skipped, err := ApplySyncResponse(b, resp, keys)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)
	assert.Zero(t, skipped)

	seq, _, found, err := b.Head("node-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(4), seq)
}

func TestSync_ConvergesToEqualMerkleRoots(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	idB, err := identity.Generate("node-b")
	require.NoError(t, err)
	appendN(t, a, idA, 3)
	appendN(t, b, idB, 4)

	keys := mapResolver{"node-a": idA.PublicKey, "node-b": idB.PublicKey}

	// One round each direction with no new appends must converge.
	reqFromB, err := BuildSyncRequest(b)
	require.NoError(t, err)
	respForB, err := HandleSyncRequest(a, reqFromB)
	require.NoError(t, err)
	_, _, err = ApplySyncResponse(b, respForB, keys)
	require.NoError(t, err)

	reqFromA, err := BuildSyncRequest(a)
	require.NoError(t, err)
	respForA, err := HandleSyncRequest(b, reqFromA)
	require.NoError(t, err)
	_, _, err = ApplySyncResponse(a, respForA, keys)
	require.NoError(t, err)

	rootA, err := a.MerkleRoot()
	require.NoError(t, err)
	rootB, err := b.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)

	// A further round with nothing new is a no-op on both sides.
	req, err := BuildSyncRequest(b)
	require.NoError(t, err)
	resp, err := HandleSyncRequest(a, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Entries)
}

func TestSync_PartialChainResumesFromHead(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	entries := appendN(t, a, idA, 6)

	keys := mapResolver{"node-a": idA.PublicKey}
	for _, e := range entries[:2] {
		require.NoError(t, b.Append(e, idA.PublicKey))
	}

	req, err := BuildSyncRequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.Heads["node-a"])

	resp, err := HandleSyncRequest(a, req)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 4)
	assert.Equal(t, uint64(2), resp.Entries[0].Sequence)

	applied, _, err := ApplySyncResponse(b, resp, keys)
	require.NoError(t, err)
	assert.Equal(t, 4, applied)
}

func TestApplySyncResponse_SkipsUnknownOrigins(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	appendN(t, a, idA, 2)

	resp, err := HandleSyncRequest(a, SyncRequest{})
	require.NoError(t, err)

	// B has no public key for node-a yet: the entries must be skipped,
	// never stored unverified.
	applied, skipped, err := ApplySyncResponse(b, resp, mapResolver{})
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, 2, skipped)

	_, _, found, err := b.Head("node-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplySyncResponse_RejectsTamperedEntry(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	appendN(t, a, idA, 1)

	resp, err := HandleSyncRequest(a, SyncRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	resp.Entries[0].Payload = []byte("tampered in flight")

	_, _, err = ApplySyncResponse(b, resp, mapResolver{"node-a": idA.PublicKey})
	assert.Error(t, err)

	_, _, found, err := b.Head("node-a")
	require.NoError(t, err)
	assert.False(t, found, "a tampered entry must never reach storage")
}

// storeTransport answers sync requests straight from another in-process
// store, standing in for the peer transport.
type storeTransport struct {
	remote *Store
	rounds int
}

func (st *storeTransport) RequestSync(ctx context.Context, peerID string, req SyncRequest) (*SyncResponse, error) {
	st.rounds++
	return HandleSyncRequest(st.remote, req)
}

func TestSyncWithPeer_BatchedRoundsConverge(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	appendN(t, a, idA, 10)

	transport := &storeTransport{remote: a}
	syncer := NewSyncer(b, transport, mapResolver{"node-a": idA.PublicKey}, time.Second)
	syncer.BatchLimit = 3

	applied, err := syncer.SyncWithPeer(context.Background(), "node-a")
	require.NoError(t, err)
	assert.Equal(t, 10, applied)
	assert.Equal(t, 4, transport.rounds, "10 entries at a batch limit of 3 take four rounds")

	rootA, err := a.MerkleRoot()
	require.NoError(t, err)
	rootB, err := b.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)

	states := syncer.PeerStates()
	require.Len(t, states, 1)
	assert.Equal(t, SyncStatusInSync, states[0].Status)
	assert.Equal(t, 10, states[0].EntriesApplied)
	assert.False(t, states[0].LastSyncAt.IsZero())
}

func TestSyncWithPeer_RejectsConcurrentSyncForSamePeer(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	syncer := NewSyncer(b, &storeTransport{remote: a}, mapResolver{}, time.Second)
	require.True(t, syncer.beginSync("node-a"))

	_, err := syncer.SyncWithPeer(context.Background(), "node-a")
	assert.Error(t, err, "a second sync for a peer already marked Syncing is rejected")

	syncer.finishSync("node-a", 0, nil)
	_, err = syncer.SyncWithPeer(context.Background(), "node-a")
	assert.NoError(t, err, "once the first sync finishes, the peer can be synced again")
}

func TestSyncWithPeer_TransportFailureMarksPeerFailed(t *testing.T) {
	b := newTestStore(t)

	syncer := NewSyncer(b, failingTransport{}, mapResolver{}, time.Second)
	_, err := syncer.SyncWithPeer(context.Background(), "node-a")
	require.Error(t, err)

	states := syncer.PeerStates()
	require.Len(t, states, 1)
	assert.Equal(t, SyncStatusFailed, states[0].Status)
	assert.NotEmpty(t, states[0].LastError)
}

type failingTransport struct{}

func (failingTransport) RequestSync(ctx context.Context, peerID string, req SyncRequest) (*SyncResponse, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestApplySyncResponse_DuplicatesAreSkipped(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	idA, err := identity.Generate("node-a")
	require.NoError(t, err)
	appendN(t, a, idA, 3)

	keys := mapResolver{"node-a": idA.PublicKey}
	resp, err := HandleSyncRequest(a, SyncRequest{})
	require.NoError(t, err)

	applied, _, err := ApplySyncResponse(b, resp, keys)
	require.NoError(t, err)
	require.Equal(t, 3, applied)

	// Replaying the identical response (a repeated sync round) applies
	// nothing and errors nothing.
	applied, skipped, err := ApplySyncResponse(b, resp, keys)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, 3, skipped)
}
