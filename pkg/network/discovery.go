package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/buildnet/buildnet/pkg/identity"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// OnDiscover is called whenever a discovery mechanism learns of a peer's
// NodeInfo, whatever the mechanism.
type OnDiscover func(info types.NodeInfo, method DiscoveryMethod)

// datagramKind distinguishes the two local-broadcast packet types.
type datagramKind uint8

const (
	datagramQuery datagramKind = iota
	datagramAnnounce
)

// datagram is the wire shape of a LocalBroadcast UDP packet.
type datagram struct {
	Kind    datagramKind    `msgpack:"msg_type"`
	Info    *types.NodeInfo `msgpack:"node_info,omitempty"`
	Version uint8           `msgpack:"version"`
}

const datagramVersion = 1

// LocalBroadcastConfig configures UDP subnet discovery.
type LocalBroadcastConfig struct {
	// Port both the broadcast socket and listener bind to.
	Port int
	// Interval between outbound Announce broadcasts.
	Interval time.Duration
}

// LocalBroadcastDiscoverer discovers peers on the local subnet: a UDP
// socket that periodically broadcasts an Announce carrying this node's
// NodeInfo, and answers any inbound Query by broadcasting the same. The
// datagrams are plain msgpack: they carry no signature, and received
// Announces are not verified.
type LocalBroadcastDiscoverer struct {
	cfg  LocalBroadcastConfig
	self func() types.NodeInfo
	conn *net.UDPConn
}

// NewLocalBroadcastDiscoverer constructs a discoverer that broadcasts
// self()'s current NodeInfo — a function rather than a fixed value since
// NodeInfo.Status/LastSeen legitimately change over the node's lifetime.
func NewLocalBroadcastDiscoverer(cfg LocalBroadcastConfig, self func() types.NodeInfo) *LocalBroadcastDiscoverer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &LocalBroadcastDiscoverer{cfg: cfg, self: self}
}

// Run binds the broadcast socket and blocks, broadcasting on cfg.Interval
// and invoking onDiscover for every Announce received (repeats included),
// until ctx is cancelled.
func (d *LocalBroadcastDiscoverer) Run(ctx context.Context, onDiscover OnDiscover) error {
	addr := &net.UDPAddr{Port: d.cfg.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("network: local broadcast listen: %w", err)
	}
	d.conn = conn
	defer conn.Close()

	go d.listen(ctx, onDiscover)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.broadcast(datagramAnnounce)
		}
	}
}

func (d *LocalBroadcastDiscoverer) broadcast(kind datagramKind) {
	info := d.self()
	dgram := datagram{Kind: kind, Info: &info, Version: datagramVersion}
	data, err := msgpack.Marshal(&dgram)
	if err != nil {
		return
	}
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: d.cfg.Port}
	_, _ = d.conn.WriteToUDP(data, dest)
}

func (d *LocalBroadcastDiscoverer) listen(ctx context.Context, onDiscover OnDiscover) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var dgram datagram
		if err := msgpack.Unmarshal(buf[:n], &dgram); err != nil {
			continue
		}
		switch dgram.Kind {
		case datagramAnnounce:
			if dgram.Info != nil {
				onDiscover(*dgram.Info, DiscoveryLocalBroadcast)
			}
		case datagramQuery:
			d.broadcast(datagramAnnounce)
		}
	}
}

// Close releases the broadcast socket, if bound.
func (d *LocalBroadcastDiscoverer) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// BootstrapDiscoverer discovers peers from a fixed address list: for
// each configured address it dials the peer's transport control channel
// and requests its NodeInfo via a signed Announce exchange.
type BootstrapDiscoverer struct {
	addresses []string
	dialer    func(ctx context.Context, addr string) (types.NodeInfo, error)
}

// NewBootstrapDiscoverer constructs a discoverer over a fixed address
// list. dialer is normally Transport.FetchNodeInfo.
func NewBootstrapDiscoverer(addresses []string, dialer func(ctx context.Context, addr string) (types.NodeInfo, error)) *BootstrapDiscoverer {
	return &BootstrapDiscoverer{addresses: addresses, dialer: dialer}
}

// Run polls every configured address once per interval, invoking
// onDiscover for each NodeInfo it manages to fetch, until ctx is
// cancelled.
func (d *BootstrapDiscoverer) Run(ctx context.Context, interval time.Duration, onDiscover OnDiscover) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d.pollOnce(ctx, onDiscover)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx, onDiscover)
		}
	}
}

func (d *BootstrapDiscoverer) pollOnce(ctx context.Context, onDiscover OnDiscover) {
	for _, addr := range d.addresses {
		info, err := d.dialer(ctx, addr)
		if err != nil {
			log.Logger.Debug().Err(err).Str("address", addr).Msg("network: bootstrap dial failed")
			continue
		}
		onDiscover(info, DiscoveryBootstrap)
	}
}

// CentralRegistryConfig configures the central-registry discovery
// mechanism.
type CentralRegistryConfig struct {
	URL      string
	Interval time.Duration
}

// CentralRegistryDiscoverer POSTs this node's NodeInfo to a shared HTTP
// registry and polls its roster of other nodes.
type CentralRegistryDiscoverer struct {
	cfg    CentralRegistryConfig
	self   func() types.NodeInfo
	client *http.Client
}

// NewCentralRegistryDiscoverer constructs a discoverer against the given
// central registry endpoint.
func NewCentralRegistryDiscoverer(cfg CentralRegistryConfig, self func() types.NodeInfo) *CentralRegistryDiscoverer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &CentralRegistryDiscoverer{cfg: cfg, self: self, client: &http.Client{Timeout: 5 * time.Second}}
}

// Run registers this node and polls the roster on cfg.Interval until ctx
// is cancelled.
func (d *CentralRegistryDiscoverer) Run(ctx context.Context, onDiscover OnDiscover) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.register(ctx)
	d.pollRoster(ctx, onDiscover)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.register(ctx)
			d.pollRoster(ctx, onDiscover)
		}
	}
}

func (d *CentralRegistryDiscoverer) register(ctx context.Context) {
	info := d.self()
	body, err := json.Marshal(info)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("network: central registry register failed")
		return
	}
	resp.Body.Close()
}

func (d *CentralRegistryDiscoverer) pollRoster(ctx context.Context, onDiscover OnDiscover) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("network: central registry poll failed")
		return
	}
	defer resp.Body.Close()

	var roster []types.NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return
	}
	for _, info := range roster {
		onDiscover(info, DiscoveryCentralRegistry)
	}
}

// buildAnnounce signs a NodeInfo-carrying envelope, used by the transport
// handshake that backs BootstrapDiscoverer's dialer.
func buildAnnounce(id *identity.Identity, info types.NodeInfo) (*Envelope, error) {
	body, err := msgpack.Marshal(&info)
	if err != nil {
		return nil, err
	}
	env := NewEnvelope(id.NodeID, "", MsgAnnounce, body, 1)
	if err := Sign(env, id.PrivateKey); err != nil {
		return nil, err
	}
	return env, nil
}
