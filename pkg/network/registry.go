package network

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/buildnet/buildnet/pkg/types"
)

// DiscoveryMethod records how a peer was first discovered.
type DiscoveryMethod string

const (
	DiscoveryLocalBroadcast  DiscoveryMethod = "local_broadcast"
	DiscoveryBootstrap       DiscoveryMethod = "bootstrap"
	DiscoveryCentralRegistry DiscoveryMethod = "central_registry"
)

// PeerRecord is the registry's view of one cluster peer: its advertised
// NodeInfo, how it was found, and liveness bookkeeping. The registry never
// holds a live Connection itself — only the peer's NodeID, which callers
// use to look the Connection up from the Transport.
type PeerRecord struct {
	Info            types.NodeInfo
	Method          DiscoveryMethod
	DiscoveredAt    time.Time
	LastSeen        time.Time
	ConnectionCount int
}

// Registry is the node registry: a mapping from node ID to what this
// node knows about the peer, guarded by a single mutex, plus the
// distinguished current-leader pointer this node observes (which may
// legitimately differ from another node's view during a partition).
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*PeerRecord
	leader string // node ID, "" if none observed
	selfID string
}

// NewRegistry returns an empty registry for the local node selfID (which
// is never itself inserted as a peer).
func NewRegistry(selfID string) *Registry {
	return &Registry{
		peers:  make(map[string]*PeerRecord),
		selfID: selfID,
	}
}

// Upsert adds a newly discovered peer or refreshes an already-known one's
// NodeInfo and LastSeen. It is a no-op for the local node's own ID.
func (r *Registry) Upsert(info types.NodeInfo, method DiscoveryMethod) {
	if info.ID == r.selfID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.peers[info.ID]; ok {
		existing.Info = info
		existing.LastSeen = now
		return
	}
	r.peers[info.ID] = &PeerRecord{
		Info:         info,
		Method:       method,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	metrics.PeersTotal.Set(float64(len(r.peers)))
}

// Touch updates LastSeen for id without altering its NodeInfo (used on any
// successful inbound message, not just Announce).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// Get returns the peer record for id, if known.
func (r *Registry) Get(id string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// List returns a snapshot of every known peer. Callers that need to send
// to peers should call List, release any lock they hold, then send — the
// election module in particular must never hold the registry lock across
// I/O.
func (r *Registry) List() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// PublicKeyFor implements pkg/ledger's KeyResolver: it maps a node ID to
// the Ed25519 public key it advertised in its NodeInfo, so the ledger's
// Syncer can verify entries before trusting them.
func (r *Registry) PublicKeyFor(nodeID string) (ed25519.PublicKey, bool) {
	if p, ok := r.Get(nodeID); ok {
		return ed25519.PublicKey(p.Info.PublicKey), true
	}
	return nil, false
}

// RemoveStale drops every peer whose LastSeen is older than timeout and
// returns their IDs.
func (r *Registry) RemoveStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var removed []string
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			removed = append(removed, id)
			delete(r.peers, id)
		}
	}
	if len(removed) > 0 {
		metrics.PeersTotal.Set(float64(len(r.peers)))
	}
	return removed
}

// SetLeader records the node ID this node currently believes is the
// cluster's Bully-elected coordinator.
func (r *Registry) SetLeader(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = id
	if id == r.selfID {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
}

// Leader returns the node ID this node currently believes is the leader,
// and whether any leader has been observed at all. This is this node's
// own view and may diverge from another node's during a partition.
func (r *Registry) Leader() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader, r.leader != ""
}

// IsSelfLeader reports whether this node currently believes itself to be
// the coordinator.
func (r *Registry) IsSelfLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader == r.selfID
}

// SelfID returns the local node's own ID.
func (r *Registry) SelfID() string {
	return r.selfID
}
