package network

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/buildnet/buildnet/pkg/buildnetErrors"
	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	maxFrameSize      = 32 * 1024 * 1024
	outboundQueueSize = 256
)

// Handler processes an inbound envelope's body and optionally returns a
// reply body to send back correlated to the same CorrelationID.
type Handler func(from string, body []byte) (reply []byte, hasReply bool)

// TransportConfig controls heartbeat and reconnection behavior.
type TransportConfig struct {
	ListenAddr           string
	HeartbeatInterval    time.Duration
	MissedPongThreshold  int
	MaxReconnectAttempts int
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig(listenAddr string) TransportConfig {
	return TransportConfig{
		ListenAddr:           listenAddr,
		HeartbeatInterval:    5 * time.Second,
		MissedPongThreshold:  3,
		MaxReconnectAttempts: 6,
	}
}

// connState is the sole owner of one peer connection's live socket,
// outbound queue, and stats. The Registry never sees this type; callers
// that need a connection pass a PeerID to the Transport.
type connState struct {
	peerID string
	mu     sync.Mutex
	conn   net.Conn
	state  types.TransportState

	outbound chan *Envelope
	cancel   context.CancelFunc

	inboundCount  int64
	outboundCount int64
	errorCount    int64
	lastActivity  time.Time
	missedPongs   int
}

// Transport is the signed, duplex, msgpack-over-TCP peer transport. It
// owns every live Connection; pkg/network's Registry and Election modules
// reference peers only by ID and call into Transport to send.
type Transport struct {
	id       *identity.Identity
	registry *Registry
	cfg      TransportConfig
	selfInfo func() types.NodeInfo

	mu          sync.Mutex
	connections map[string]*connState

	handlers map[MessageKind]Handler

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope

	onAnnounce func(types.NodeInfo)

	listener net.Listener
	stopCh   chan struct{}
}

// OnAnnounce installs the callback invoked whenever the transport receives
// an Announce envelope over a connection (handshake or otherwise),
// normally Registry.Upsert for DiscoveryBootstrap.
func (t *Transport) OnAnnounce(fn func(types.NodeInfo)) {
	t.onAnnounce = fn
}

// NewTransport constructs a Transport for the local identity id, wired to
// registry for public-key lookups on verification. selfInfo returns the
// NodeInfo this node advertises to peers that don't know it yet
// (bootstrap/central-registry handshakes).
func NewTransport(id *identity.Identity, registry *Registry, cfg TransportConfig, selfInfo func() types.NodeInfo) *Transport {
	return &Transport{
		id:          id,
		registry:    registry,
		cfg:         cfg,
		selfInfo:    selfInfo,
		connections: make(map[string]*connState),
		handlers:    make(map[MessageKind]Handler),
		pending:     make(map[string]chan *Envelope),
		stopCh:      make(chan struct{}),
	}
}

// RegisterHandler installs the handler invoked for inbound envelopes of
// kind that are not themselves replies to an outstanding RequestResponse
// call.
func (t *Transport) RegisterHandler(kind MessageKind, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = h
}

// Listen starts accepting inbound connections on cfg.ListenAddr. It
// returns once the listener is bound; connections are served in the
// background until ctx is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go t.serveInbound(ctx, conn)
		}
	}()
	return nil
}

// BoundAddr returns the address the listener actually bound, useful when
// cfg.ListenAddr requested an ephemeral port.
func (t *Transport) BoundAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close shuts down the listener and every outbound connection.
func (t *Transport) Close() error {
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cs := range t.connections {
		cs.mu.Lock()
		if cs.cancel != nil {
			cs.cancel()
		}
		if cs.conn != nil {
			cs.conn.Close()
		}
		cs.mu.Unlock()
	}
	return nil
}

// Dial establishes (or returns the existing) outbound connection to
// peerID at addr and starts its read/heartbeat pumps.
func (t *Transport) Dial(ctx context.Context, peerID, addr string) error {
	t.mu.Lock()
	if cs, ok := t.connections[peerID]; ok {
		cs.mu.Lock()
		state := cs.state
		cs.mu.Unlock()
		t.mu.Unlock()
		if state == types.TransportStateConnected {
			return nil
		}
	} else {
		t.mu.Unlock()
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("network: dial %s: %w", addr, err)
	}
	t.adopt(ctx, peerID, conn)
	return nil
}

func (t *Transport) adopt(ctx context.Context, peerID string, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	cs := &connState{
		peerID:       peerID,
		conn:         conn,
		state:        types.TransportStateConnected,
		outbound:     make(chan *Envelope, outboundQueueSize),
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	t.mu.Lock()
	if old, ok := t.connections[peerID]; ok {
		old.mu.Lock()
		if old.cancel != nil {
			old.cancel()
		}
		if old.conn != nil {
			old.conn.Close()
		}
		old.mu.Unlock()
	}
	t.connections[peerID] = cs
	t.mu.Unlock()

	go t.writePump(connCtx, cs)
	go t.readPump(connCtx, cs)
	go t.heartbeatLoop(connCtx, cs)
}

// serveInbound handles a freshly accepted connection: the first frame must
// be a signed envelope naming its sender, after which the connection is
// adopted under that peer ID.
func (t *Transport) serveInbound(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	env, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return
	}
	peerID := env.From

	if env.Kind == MsgAnnounce {
		var info types.NodeInfo
		if err := msgpack.Unmarshal(env.Body, &info); err == nil && t.onAnnounce != nil {
			t.onAnnounce(info)
		}
		if reply, err := buildAnnounce(t.id, t.SelfInfo()); err == nil {
			if frame, err := encodeFrame(reply); err == nil {
				_, _ = conn.Write(frame)
			}
		}
		t.adopt(ctx, peerID, conn)
		return
	}

	t.adopt(ctx, peerID, conn)
	t.dispatch(peerID, env)
}

func readFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := getUint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("network: invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var e Envelope
	if err := msgpack.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("network: decode frame: %w", err)
	}
	return &e, nil
}

func (t *Transport) writePump(ctx context.Context, cs *connState) {
	w := bufio.NewWriter(cs.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-cs.outbound:
			if !ok {
				return
			}
			frame, err := encodeFrame(env)
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil || w.Flush() != nil {
				t.markFailed(cs, err)
				return
			}
			cs.mu.Lock()
			cs.outboundCount++
			cs.lastActivity = time.Now()
			cs.mu.Unlock()
		}
	}
}

func (t *Transport) readPump(ctx context.Context, cs *connState) {
	reader := bufio.NewReader(cs.conn)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := readFrame(reader)
		if err != nil {
			t.markFailed(cs, err)
			return
		}
		cs.mu.Lock()
		cs.inboundCount++
		cs.lastActivity = time.Now()
		if cs.state != types.TransportStateConnected {
			cs.state = types.TransportStateConnected
		}
		cs.missedPongs = 0
		cs.mu.Unlock()

		t.registry.Touch(cs.peerID)
		t.dispatch(cs.peerID, env)
	}
}

func (t *Transport) markFailed(cs *connState, err error) {
	cs.mu.Lock()
	cs.state = types.TransportStateDisconnected
	cs.errorCount++
	cs.mu.Unlock()
	if err != nil && err != io.EOF {
		log.Logger.Debug().Err(err).Str("peer_id", cs.peerID).Msg("network: connection failed")
	}
	go t.reconnect(cs)
}

// reconnect attempts capped-exponential-backoff redial using the peer's
// last known address from the registry. If the peer's address
// cannot be resolved, or every attempt fails, the connection is left
// Disconnected for the caller to observe.
func (t *Transport) reconnect(cs *connState) {
	peer, ok := t.registry.Get(cs.peerID)
	if !ok {
		return
	}

	cs.mu.Lock()
	cs.state = types.TransportStateReconnecting
	cs.mu.Unlock()

	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < t.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-t.stopCh:
			return
		case <-time.After(backoff):
		}

		conn, err := net.DialTimeout("tcp", peer.Info.Address, 5*time.Second)
		if err == nil {
			t.adopt(context.Background(), cs.peerID, conn)
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	cs.mu.Lock()
	cs.state = types.TransportStateDisconnected
	cs.mu.Unlock()
	log.Logger.Warn().Str("peer_id", cs.peerID).Msg("network: reconnect attempts exhausted")
}

func (t *Transport) heartbeatLoop(ctx context.Context, cs *connState) {
	interval := t.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := uint64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.mu.Lock()
			cs.missedPongs++
			missed := cs.missedPongs
			cs.mu.Unlock()

			threshold := t.cfg.MissedPongThreshold
			if threshold <= 0 {
				threshold = 3
			}
			if missed > threshold {
				t.markFailed(cs, fmt.Errorf("missed %d heartbeat pongs", missed))
				return
			}

			seq++
			body, _ := msgpack.Marshal(&pingBody{Sequence: seq})
			_ = t.enqueue(cs, NewEnvelope(t.id.NodeID, cs.peerID, MsgPing, body, 1))
		}
	}
}

type pingBody struct {
	Sequence uint64 `msgpack:"sequence"`
}

// enqueue signs env and places it on cs's bounded outbound queue, failing
// fast rather than blocking if the queue is full, so one slow peer never
// stalls sends to the others.
func (t *Transport) enqueue(cs *connState, env *Envelope) error {
	if err := Sign(env, t.id.PrivateKey); err != nil {
		return err
	}
	select {
	case cs.outbound <- env:
		return nil
	default:
		cs.mu.Lock()
		cs.errorCount++
		cs.mu.Unlock()
		return fmt.Errorf("network: outbound queue full for %s: %w", cs.peerID, buildnetErrors.ErrNetwork)
	}
}

// Send delivers kind/body to peerID's connection, dialing it first if
// necessary via addr.
func (t *Transport) Send(ctx context.Context, peerID, addr string, kind MessageKind, body []byte) error {
	if err := t.Dial(ctx, peerID, addr); err != nil {
		return err
	}
	t.mu.Lock()
	cs, ok := t.connections[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("network: no connection to %s: %w", peerID, buildnetErrors.ErrNetwork)
	}
	return t.enqueue(cs, NewEnvelope(t.id.NodeID, peerID, kind, body, 8))
}

func (t *Transport) dispatch(peerID string, env *Envelope) {
	pub, ok := t.registry.PublicKeyFor(peerID)
	if ok {
		if err := VerifyEnvelope(env, pub); err != nil {
			log.Logger.Warn().Err(err).Str("peer_id", peerID).Msg("network: rejecting envelope with bad signature")
			return
		}
	}

	if env.CorrelationID != "" {
		t.pendingMu.Lock()
		ch, waiting := t.pending[env.CorrelationID]
		t.pendingMu.Unlock()
		if waiting {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	if env.Kind == MsgAnnounce {
		var info types.NodeInfo
		if err := msgpack.Unmarshal(env.Body, &info); err == nil && t.onAnnounce != nil {
			t.onAnnounce(info)
		}
		return
	}
	if env.Kind == MsgPing {
		var p pingBody
		_ = msgpack.Unmarshal(env.Body, &p)
		t.mu.Lock()
		cs := t.connections[peerID]
		t.mu.Unlock()
		if cs != nil {
			pongBody, _ := msgpack.Marshal(&p)
			_ = t.enqueue(cs, NewEnvelope(t.id.NodeID, peerID, MsgPong, pongBody, 1))
		}
		return
	}
	if env.Kind == MsgPong {
		t.mu.Lock()
		cs := t.connections[peerID]
		t.mu.Unlock()
		if cs != nil {
			cs.mu.Lock()
			cs.missedPongs = 0
			cs.mu.Unlock()
		}
		return
	}

	t.mu.Lock()
	h, ok := t.handlers[env.Kind]
	t.mu.Unlock()
	if !ok {
		return
	}
	reply, hasReply := h(peerID, env.Body)
	if hasReply {
		t.mu.Lock()
		cs := t.connections[peerID]
		t.mu.Unlock()
		if cs != nil {
			out := NewEnvelope(t.id.NodeID, peerID, env.Kind, reply, 8)
			out.CorrelationID = env.CorrelationID
			_ = t.enqueue(cs, out)
		}
	}
}

// requestResponse sends kind/body to peerID and blocks for a correlated
// reply or ctx's deadline, whichever comes first.
func (t *Transport) requestResponse(ctx context.Context, peerID, addr string, kind MessageKind, body []byte) (*Envelope, error) {
	if err := t.Dial(ctx, peerID, addr); err != nil {
		return nil, err
	}
	t.mu.Lock()
	cs, ok := t.connections[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("network: no connection to %s: %w", peerID, buildnetErrors.ErrNetwork)
	}

	env := NewEnvelope(t.id.NodeID, peerID, kind, body, 8)
	env.CorrelationID = env.ID

	replyCh := make(chan *Envelope, 1)
	t.pendingMu.Lock()
	t.pending[env.CorrelationID] = replyCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, env.CorrelationID)
		t.pendingMu.Unlock()
	}()

	if err := t.enqueue(cs, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("network: request to %s: %w", peerID, ctx.Err())
	}
}

// Request sends kind/body to peerID and blocks for a correlated reply,
// the exported form of requestResponse used by collaborators outside
// this package that need a generic request/response round trip over the
// signed transport (e.g. pkg/scheduler forwarding a build to the leader).
func (t *Transport) Request(ctx context.Context, peerID, addr string, kind MessageKind, body []byte) (*Envelope, error) {
	return t.requestResponse(ctx, peerID, addr, kind, body)
}

// AddressOf returns peerID's advertised address, if known to the registry.
func (t *Transport) AddressOf(peerID string) (string, bool) {
	p, ok := t.registry.Get(peerID)
	if !ok {
		return "", false
	}
	return p.Info.Address, true
}

// RequestSync implements pkg/ledger's SyncTransport: it round-trips a
// ledger.SyncRequest/SyncResponse pair with peerID over the signed
// transport.
func (t *Transport) RequestSync(ctx context.Context, peerID string, req ledger.SyncRequest) (*ledger.SyncResponse, error) {
	addr, ok := t.AddressOf(peerID)
	if !ok {
		return nil, fmt.Errorf("network: unknown peer %s: %w", peerID, buildnetErrors.ErrNetwork)
	}
	body, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, err
	}
	reply, err := t.requestResponse(ctx, peerID, addr, MsgLedgerSyncRequest, body)
	if err != nil {
		return nil, err
	}
	var resp ledger.SyncResponse
	if err := msgpack.Unmarshal(reply.Body, &resp); err != nil {
		return nil, fmt.Errorf("network: decode sync response from %s: %w", peerID, err)
	}
	return &resp, nil
}

// FetchNodeInfo dials addr directly (bypassing the registry, since the
// peer is not yet known) and exchanges Announce envelopes, returning the
// remote's NodeInfo. Used by BootstrapDiscoverer.
func (t *Transport) FetchNodeInfo(ctx context.Context, addr string) (types.NodeInfo, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return types.NodeInfo{}, fmt.Errorf("network: dial %s: %w", addr, err)
	}
	defer conn.Close()

	self := t.SelfInfo()
	env, err := buildAnnounce(t.id, self)
	if err != nil {
		return types.NodeInfo{}, err
	}
	frame, err := encodeFrame(env)
	if err != nil {
		return types.NodeInfo{}, err
	}
	if _, err := conn.Write(frame); err != nil {
		return types.NodeInfo{}, fmt.Errorf("network: write to %s: %w", addr, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return types.NodeInfo{}, fmt.Errorf("network: read from %s: %w", addr, err)
	}
	var info types.NodeInfo
	if err := msgpack.Unmarshal(reply.Body, &info); err != nil {
		return types.NodeInfo{}, fmt.Errorf("network: decode node info from %s: %w", addr, err)
	}
	return info, nil
}

// SelfInfo returns the locally-advertised NodeInfo, used for the
// bootstrap/central-registry handshakes.
func (t *Transport) SelfInfo() types.NodeInfo {
	if t.selfInfo != nil {
		return t.selfInfo()
	}
	return types.NodeInfo{ID: t.id.NodeID, PublicKey: ed25519.PublicKey(t.id.PublicKey)}
}

// ConnectionSnapshot is the read-only view of a connection's state exposed
// outside the package.
type ConnectionSnapshot struct {
	PeerID        string
	State         types.TransportState
	InboundCount  int64
	OutboundCount int64
	ErrorCount    int64
	LastActivity  time.Time
}

// Connections returns a snapshot of every connection the transport
// currently owns.
func (t *Transport) Connections() []ConnectionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectionSnapshot, 0, len(t.connections))
	for _, cs := range t.connections {
		cs.mu.Lock()
		out = append(out, ConnectionSnapshot{
			PeerID:        cs.peerID,
			State:         cs.state,
			InboundCount:  cs.inboundCount,
			OutboundCount: cs.outboundCount,
			ErrorCount:    cs.errorCount,
			LastActivity:  cs.lastActivity,
		})
		cs.mu.Unlock()
	}
	return out
}
