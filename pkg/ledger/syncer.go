package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
)

// SyncRequest advertises, for each origin chain the requester knows about,
// the highest sequence number it already holds. The responder uses this to
// compute the entries the requester is missing. A non-zero Limit caps how
// many entries one response may carry; the requester keeps issuing rounds
// while responses report HasMore.
type SyncRequest struct {
	Heads map[string]uint64 `msgpack:"heads"`
	Limit int               `msgpack:"limit,omitempty"`
}

// SyncResponse carries the entries a peer was missing, grouped by origin
// only implicitly (each entry carries its own OriginNode). HasMore is set
// when Limit truncated the batch and another round is needed.
type SyncResponse struct {
	Entries []*types.Entry `msgpack:"entries"`
	HasMore bool           `msgpack:"has_more,omitempty"`
}

// BuildSyncRequest gathers the local store's current heads into a request
// to send to a peer.
func BuildSyncRequest(store *Store) (SyncRequest, error) {
	origins, err := store.KnownOrigins()
	if err != nil {
		return SyncRequest{}, err
	}
	heads := make(map[string]uint64, len(origins))
	for _, origin := range origins {
		seq, _, found, err := store.Head(origin)
		if err != nil {
			return SyncRequest{}, err
		}
		if found {
			heads[origin] = seq
		}
	}
	return SyncRequest{Heads: heads}, nil
}

// HandleSyncRequest answers a peer's SyncRequest with every entry the local
// store has that the peer's Heads say it is missing, across all origins the
// local store knows about. An origin absent from the request means the peer
// has never seen that chain and gets it from sequence 0.
func HandleSyncRequest(store *Store, req SyncRequest) (*SyncResponse, error) {
	origins, err := store.KnownOrigins()
	if err != nil {
		return nil, err
	}
	resp := &SyncResponse{}
	for _, origin := range origins {
		var missing []*types.Entry
		var err error
		if after, known := req.Heads[origin]; known {
			missing, err = store.ListSince(origin, after)
		} else {
			missing, err = store.ListFrom(origin, 0)
		}
		if err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, missing...)
	}
	if req.Limit > 0 && len(resp.Entries) > req.Limit {
		// Entries are appended origin-by-origin in ascending sequence, so a
		// prefix cut keeps every origin's chain contiguous from the
		// requester's head.
		resp.Entries = resp.Entries[:req.Limit]
		resp.HasMore = true
	}
	return resp, nil
}

// KeyResolver maps a node ID to the Ed25519 public key it signs its ledger
// entries with, so ApplySyncResponse can verify entries before trusting
// them. pkg/network's peer registry implements this.
type KeyResolver interface {
	PublicKeyFor(nodeID string) (ed25519.PublicKey, bool)
}

// ApplySyncResponse appends every entry in resp to store, skipping (and
// counting) entries from origins whose public key is not yet known and
// entries that are already present. A new entry that fails verification or
// chain continuity is not stored: the call stops there and returns an
// error, with the counts of what was applied and skipped before it. It processes
// entries in the order they arrived; a peer answering HandleSyncRequest
// produces them origin-by-origin and in ascending sequence within each
// origin, which is the order Store.Append requires.
func ApplySyncResponse(store *Store, resp *SyncResponse, keys KeyResolver) (applied int, skipped int, err error) {
	for _, entry := range resp.Entries {
		pub, ok := keys.PublicKeyFor(entry.OriginNode)
		if !ok {
			skipped++
			continue
		}
		if appendErr := store.Append(entry, pub); appendErr != nil {
			seq, _, found, headErr := store.Head(entry.OriginNode)
			if headErr == nil && found && seq >= entry.Sequence {
				// Already have this entry (or a later one) from another sync
				// round; not an error.
				skipped++
				continue
			}
			return applied, skipped, fmt.Errorf("ledger: apply sync entry %s: %w", entry.ID, appendErr)
		}
		applied++
	}
	return applied, skipped, nil
}

// SyncTransport is the narrow interface Syncer needs from pkg/network to
// exchange SyncRequest/SyncResponse with a peer.
type SyncTransport interface {
	RequestSync(ctx context.Context, peerID string, req SyncRequest) (*SyncResponse, error)
}

// SyncStatus is the requester's view of where one peer's sync stands.
type SyncStatus string

const (
	SyncStatusUnknown SyncStatus = "unknown"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusInSync  SyncStatus = "in_sync"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncState is the per-peer sync bookkeeping the Syncer maintains.
type SyncState struct {
	PeerID         string
	Status         SyncStatus
	LastSyncAt     time.Time
	EntriesApplied int
	LastError      string
}

// Syncer periodically runs anti-entropy gossip against a node's known
// peers, pulling any ledger entries it is missing. At most one sync per
// peer runs at a time; a second SyncWithPeer for a peer already marked
// Syncing is rejected.
type Syncer struct {
	store     *Store
	transport SyncTransport
	keys      KeyResolver
	interval  time.Duration

	// BatchLimit caps how many entries one sync round requests; the
	// convergence loop keeps issuing rounds while the peer reports more.
	BatchLimit int

	mu     sync.Mutex
	states map[string]*SyncState
}

const defaultSyncBatchLimit = 256

// NewSyncer constructs a Syncer. interval controls how often Run fans out a
// sync round to all peers.
func NewSyncer(store *Store, transport SyncTransport, keys KeyResolver, interval time.Duration) *Syncer {
	return &Syncer{
		store:      store,
		transport:  transport,
		keys:       keys,
		interval:   interval,
		BatchLimit: defaultSyncBatchLimit,
		states:     make(map[string]*SyncState),
	}
}

// PeerStates returns a snapshot of every peer's sync state.
func (s *Syncer) PeerStates() []SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	return out
}

// beginSync marks peerID as Syncing, or reports that a sync for it is
// already in flight.
func (s *Syncer) beginSync(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[peerID]
	if !ok {
		st = &SyncState{PeerID: peerID, Status: SyncStatusUnknown}
		s.states[peerID] = st
	}
	if st.Status == SyncStatusSyncing {
		return false
	}
	st.Status = SyncStatusSyncing
	return true
}

func (s *Syncer) finishSync(peerID string, applied int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[peerID]
	st.LastSyncAt = time.Now()
	st.EntriesApplied += applied
	if err != nil {
		st.Status = SyncStatusFailed
		st.LastError = err.Error()
		return
	}
	st.Status = SyncStatusInSync
	st.LastError = ""
}

// SyncWithPeer runs anti-entropy against a single peer until the peer
// reports nothing more to send, and returns how many entries were newly
// applied across all rounds.
func (s *Syncer) SyncWithPeer(ctx context.Context, peerID string) (int, error) {
	if !s.beginSync(peerID) {
		return 0, fmt.Errorf("ledger: sync with %s already in progress", peerID)
	}

	totalApplied := 0
	var syncErr error
	for {
		req, err := BuildSyncRequest(s.store)
		if err != nil {
			syncErr = err
			break
		}
		req.Limit = s.BatchLimit

		resp, err := s.transport.RequestSync(ctx, peerID, req)
		if err != nil {
			syncErr = fmt.Errorf("ledger: request sync from %s: %w", peerID, err)
			break
		}

		applied, skipped, err := ApplySyncResponse(s.store, resp, s.keys)
		totalApplied += applied
		if err != nil {
			syncErr = err
			break
		}
		if applied > 0 || skipped > 0 {
			log.Logger.Debug().
				Str("peer_id", peerID).
				Int("applied", applied).
				Int("skipped", skipped).
				Bool("has_more", resp.HasMore).
				Msg("ledger: anti-entropy sync round complete")
		}
		if !resp.HasMore {
			break
		}
		if applied == 0 {
			// The peer claims more but nothing new landed (all entries
			// skipped, e.g. unknown origin keys): stop rather than spin on
			// the same batch.
			break
		}
	}

	s.finishSync(peerID, totalApplied, syncErr)
	return totalApplied, syncErr
}

// Run loops until ctx is cancelled, running a sync round against every peer
// returned by peers() on each tick.
func (s *Syncer) Run(ctx context.Context, peers func() []string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peerID := range peers() {
				if _, err := s.SyncWithPeer(ctx, peerID); err != nil {
					log.Logger.Warn().Err(err).Str("peer_id", peerID).Msg("ledger: sync round failed")
				}
			}
		}
	}
}
