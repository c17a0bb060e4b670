package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// Config bundles every knob Network needs. A nil discovery config disables
// that mechanism; any combination of the three may run simultaneously.
type Config struct {
	Transport TransportConfig
	Election  ElectionConfig

	LocalBroadcast  *LocalBroadcastConfig
	Bootstrap       []string
	CentralRegistry *CentralRegistryConfig

	// PeerTimeout is how long a peer may go unseen before RemoveStale
	// drops it.
	PeerTimeout time.Duration
	// SyncInterval controls how often the ledger anti-entropy Syncer
	// fans out to known peers.
	SyncInterval time.Duration
	// ElectionSettle is how long Start waits for discovery to surface
	// peers before running the node's first election.
	ElectionSettle time.Duration

	// Name, Version and Capabilities populate the matching NodeInfo
	// fields this node advertises to peers. Name defaults to the node's
	// identity ID when empty.
	Name         string
	Version      string
	Capabilities []string
}

// DefaultConfig returns a Config with every interval set to a sane
// default and every discovery mechanism disabled; callers enable the
// ones they need.
func DefaultConfig(listenAddr string) Config {
	return Config{
		Transport:      DefaultTransportConfig(listenAddr),
		Election:       DefaultElectionConfig(),
		PeerTimeout:    45 * time.Second,
		SyncInterval:   10 * time.Second,
		ElectionSettle: 3 * time.Second,
	}
}

// Network wires the Registry, the signed transport, the three discovery
// mechanisms, Bully election, and the ledger's anti-entropy Syncer into
// one component a daemon starts and stops. The scheduler forwards build
// requests to whichever node this component reports as leader.
type Network struct {
	id      *identity.Identity
	address string
	cfg     Config

	Registry  *Registry
	Transport *Transport
	Election  *Election

	ledgerStore *ledger.Store
	syncer      *ledger.Syncer

	localBroadcast *LocalBroadcastDiscoverer

	mu       sync.Mutex
	joinedAt time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// New constructs a Network for the local identity id, listening/
// advertising at address, backed by ledgerStore for anti-entropy sync.
func New(id *identity.Identity, address string, ledgerStore *ledger.Store, cfg Config) *Network {
	n := &Network{id: id, address: address, cfg: cfg, ledgerStore: ledgerStore}

	n.Registry = NewRegistry(id.NodeID)
	n.Transport = NewTransport(id, n.Registry, cfg.Transport, n.selfNodeInfo)
	n.Transport.OnAnnounce(func(info types.NodeInfo) { n.Registry.Upsert(info, DiscoveryBootstrap) })
	n.Transport.RegisterHandler(MsgLedgerSyncRequest, n.handleLedgerSyncRequest)

	n.Election = NewElection(n.selfNodeInfo, n.Registry, n.Transport, DefaultPriority, cfg.Election)
	n.Election.RegisterHandlers()

	n.syncer = ledger.NewSyncer(ledgerStore, n.Transport, n.Registry, cfg.SyncInterval)

	return n
}

// selfNodeInfo builds the NodeInfo this node currently advertises to
// peers; its Role reflects the Election module's live state.
func (n *Network) selfNodeInfo() types.NodeInfo {
	role := types.NodeRoleFollower
	if n.Election != nil && n.Election.State() == StateCoordinator {
		role = types.NodeRoleCoordinator
	}
	n.mu.Lock()
	joined := n.joinedAt
	n.mu.Unlock()

	name := n.cfg.Name
	if name == "" {
		name = n.id.NodeID
	}

	return types.NodeInfo{
		ID:           n.id.NodeID,
		Name:         name,
		Address:      n.address,
		Port:         portOf(n.address),
		Version:      n.cfg.Version,
		Capabilities: n.cfg.Capabilities,
		PublicKey:    n.id.PublicKey,
		Role:         role,
		Status:       types.NodeStatusOnline,
		LastSeen:     time.Now(),
		JoinedAt:     joined,
	}
}

// portOf extracts the numeric port from a "host:port" address, returning 0
// if addr isn't in that form.
func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}

func (n *Network) handleLedgerSyncRequest(from string, body []byte) ([]byte, bool) {
	var req ledger.SyncRequest
	if err := msgpack.Unmarshal(body, &req); err != nil {
		return nil, false
	}
	resp, err := ledger.HandleSyncRequest(n.ledgerStore, req)
	if err != nil {
		log.Logger.Warn().Err(err).Str("peer_id", from).Msg("network: handling ledger sync request failed")
		return nil, false
	}
	out, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Start brings the network online: binds the transport listener, starts
// whichever discoverers cfg enables, and starts the background peer
// reaper, anti-entropy syncer, and initial leader election. It returns
// once the transport is listening; everything else runs in the
// background until Stop is called.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	n.joinedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	n.ctx = ctx
	n.cancel = cancel
	n.mu.Unlock()

	if err := n.Transport.Listen(ctx); err != nil {
		return err
	}

	if n.cfg.LocalBroadcast != nil {
		n.localBroadcast = NewLocalBroadcastDiscoverer(*n.cfg.LocalBroadcast, n.selfNodeInfo)
		go func() {
			if err := n.localBroadcast.Run(ctx, n.handleDiscover); err != nil {
				log.Logger.Warn().Err(err).Msg("network: local broadcast discovery stopped")
			}
		}()
	}

	if len(n.cfg.Bootstrap) > 0 {
		bd := NewBootstrapDiscoverer(n.cfg.Bootstrap, n.Transport.FetchNodeInfo)
		go bd.Run(ctx, n.cfg.SyncInterval, n.handleDiscover)
	}

	if n.cfg.CentralRegistry != nil {
		cr := NewCentralRegistryDiscoverer(*n.cfg.CentralRegistry, n.selfNodeInfo)
		go cr.Run(ctx, n.handleDiscover)
	}

	go n.syncer.Run(ctx, n.peerIDs)
	go n.reapStalePeers(ctx)
	go n.monitorLeader(ctx)

	settle := n.cfg.ElectionSettle
	if settle <= 0 {
		settle = 3 * time.Second
	}
	time.AfterFunc(settle, func() {
		if _, ok := n.Registry.Leader(); !ok {
			n.Election.StartElection()
		}
	})

	return nil
}

// Stop tears down the transport and every background goroutine Start
// launched.
func (n *Network) Stop() error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if n.localBroadcast != nil {
		_ = n.localBroadcast.Close()
	}
	return n.Transport.Close()
}

// handleDiscover upserts a newly or previously discovered peer and
// eagerly dials it so its connection (and thus heartbeats) starts right
// away rather than waiting for the first outbound message.
func (n *Network) handleDiscover(info types.NodeInfo, method DiscoveryMethod) {
	n.Registry.Upsert(info, method)
	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := n.Transport.Dial(ctx, info.ID, info.Address); err != nil {
			log.Logger.Debug().Err(err).Str("peer_id", info.ID).Msg("network: eager dial after discovery failed")
		}
	}()
}

func (n *Network) peerIDs() []string {
	peers := n.Registry.List()
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.Info.ID)
	}
	return ids
}

// reapStalePeers periodically drops peers RemoveStale deems gone.
func (n *Network) reapStalePeers(ctx context.Context) {
	timeout := n.cfg.PeerTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.Registry.RemoveStale(timeout) {
				log.Logger.Info().Str("peer_id", id).Msg("network: peer timed out, removed from registry")
				if leader, ok := n.Registry.Leader(); ok && leader == id {
					n.Election.CoordinatorLost()
				}
			}
		}
	}
}

// monitorLeader periodically checks whether the peer this node believes
// is the coordinator has gone stale in the registry, triggering a new
// election if so.
func (n *Network) monitorLeader(ctx context.Context) {
	interval := n.cfg.Transport.HeartbeatInterval * time.Duration(n.cfg.Transport.MissedPongThreshold+1)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leader, ok := n.Registry.Leader()
			if !ok || leader == n.id.NodeID {
				continue
			}
			peer, ok := n.Registry.Get(leader)
			if !ok || time.Since(peer.LastSeen) > n.cfg.PeerTimeout {
				log.Logger.Warn().Str("coordinator_id", leader).Msg("network: coordinator appears unreachable, starting election")
				n.Election.CoordinatorLost()
			}
		}
	}
}
