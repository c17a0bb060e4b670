package network

import (
	"context"
	"testing"
	"time"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type testNode struct {
	id        *identity.Identity
	registry  *Registry
	transport *Transport
}

func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()
	id, err := identity.Generate(name)
	require.NoError(t, err)

	registry := NewRegistry(id.NodeID)
	node := &testNode{id: id, registry: registry}
	node.transport = NewTransport(id, registry, DefaultTransportConfig("127.0.0.1:0"), func() types.NodeInfo {
		return types.NodeInfo{
			ID:        id.NodeID,
			Address:   node.transport.BoundAddr(),
			PublicKey: id.PublicKey,
		}
	})
	return node
}

func (n *testNode) listen(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, n.transport.Listen(ctx))
	t.Cleanup(func() { n.transport.Close() })
}

// introduce registers b in a's registry (address + public key), the way
// discovery would have.
func introduce(a, b *testNode) {
	a.registry.Upsert(types.NodeInfo{
		ID:        b.id.NodeID,
		Address:   b.transport.BoundAddr(),
		PublicKey: b.id.PublicKey,
	}, DiscoveryBootstrap)
}

func TestTransport_SendDeliversToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.listen(t, ctx)
	b.listen(t, ctx)
	introduce(a, b)
	introduce(b, a)

	received := make(chan []byte, 1)
	b.transport.RegisterHandler(MsgLeave, func(from string, body []byte) ([]byte, bool) {
		received <- body
		return nil, false
	})

	err := a.transport.Send(ctx, b.id.NodeID, b.transport.BoundAddr(), MsgLeave, []byte("goodbye"))
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Equal(t, []byte("goodbye"), body)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTransport_RequestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.listen(t, ctx)
	b.listen(t, ctx)
	introduce(a, b)
	introduce(b, a)

	b.transport.RegisterHandler(MsgBuildRequest, func(from string, body []byte) ([]byte, bool) {
		return append([]byte("echo:"), body...), true
	})

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	reply, err := a.transport.Request(reqCtx, b.id.NodeID, b.transport.BoundAddr(), MsgBuildRequest, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:payload"), reply.Body)
}

func TestTransport_RequestTimesOutWithoutReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.listen(t, ctx)
	b.listen(t, ctx)
	introduce(a, b)
	introduce(b, a)

	// No handler registered on b for this kind: the request must fail by
	// deadline, not hang.
	reqCtx, reqCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer reqCancel()
	_, err := a.transport.Request(reqCtx, b.id.NodeID, b.transport.BoundAddr(), MsgBuildRequest, []byte("x"))
	assert.Error(t, err)
}

// TestTransport_LedgerSyncOverWire exercises the same wiring pkg/network's
// Network installs: a MsgLedgerSyncRequest handler backed by
// ledger.HandleSyncRequest on one side, Transport.RequestSync on the other.
func TestTransport_LedgerSyncOverWire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.listen(t, ctx)
	b.listen(t, ctx)
	introduce(a, b)
	introduce(b, a)

	ledgerB, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ledgerB.Close() })

	entry := ledger.NewEntry(b.id, 0, nil, types.EntryTypeBuildSucceeded, []byte("done"))
	require.NoError(t, ledgerB.Append(entry, b.id.PublicKey))

	b.transport.RegisterHandler(MsgLedgerSyncRequest, func(from string, body []byte) ([]byte, bool) {
		var req ledger.SyncRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			return nil, false
		}
		resp, err := ledger.HandleSyncRequest(ledgerB, req)
		if err != nil {
			return nil, false
		}
		out, err := msgpack.Marshal(resp)
		if err != nil {
			return nil, false
		}
		return out, true
	})

	ledgerA, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ledgerA.Close() })

	syncer := ledger.NewSyncer(ledgerA, a.transport, a.registry, time.Second)
	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	applied, err := syncer.SyncWithPeer(reqCtx, b.id.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rootA, err := ledgerA.MerkleRoot()
	require.NoError(t, err)
	rootB, err := ledgerB.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)
}

func TestTransport_ConnectionsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.listen(t, ctx)
	b.listen(t, ctx)
	introduce(a, b)

	require.NoError(t, a.transport.Dial(ctx, b.id.NodeID, b.transport.BoundAddr()))

	conns := a.transport.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, b.id.NodeID, conns[0].PeerID)
	assert.Equal(t, types.TransportStateConnected, conns[0].State)
}
