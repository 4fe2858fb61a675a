package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const transportEventBuffer = 256

var errDialSelf = errors.New("refusing to dial self")

// Transport owns the libp2p host: identity, listeners, and the noise + yamux
// (TCP) or QUIC session upgrade. It reports session lifecycle changes on a
// channel drained by the swarm loop; it never mutates swarm state itself.
type Transport struct {
	config  Config
	logger  Logger
	host    host.Host
	gater   *ConnectionGater
	clock   clock.Clock
	events  chan TransportEvent
	addrSub event.Subscription
	quic    bool
}

// NewTransport creates the host with no listeners bound yet; call Listen next.
func NewTransport(ctx context.Context, logger Logger, config Config, clk clock.Clock) (*Transport, error) {
	if clk == nil {
		clk = clock.New()
	}

	pk, err := loadIdentity(ctx, config.PrivateKey)
	if err != nil {
		return nil, &TransportError{Op: "identity", Err: err}
	}

	t := &Transport{
		config: config,
		logger: logger,
		clock:  clk,
		events: make(chan TransportEvent, transportEventBuffer),
		// QUIC has no pre-shared key support, so private networks are TCP only.
		quic: config.EnableQUIC && config.SharedKey == "",
	}

	maxConns := 0
	if config.EnableConnGater {
		maxConns = config.MaxConnsPerPeer
	}

	t.gater = NewConnectionGater(logger, maxConns)

	for _, cidr := range config.BlockedSubnets {
		if err := t.gater.BlockSubnet(cidr); err != nil {
			return nil, &TransportError{Op: "block subnet", Addr: cidr, Err: err}
		}
	}

	t.gater.onSecured = func(dir network.Direction, p peer.ID) {
		t.emit(TransportEvent{kind: transportSecured, Peer: p, Direction: dir})
	}

	opts, err := t.hostOptions(pk)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, &TransportError{Op: "create host", Err: err}
	}

	t.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			t.emit(TransportEvent{kind: transportConnected, Peer: conn.RemotePeer(), Direction: conn.Stat().Direction})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			t.gater.release(conn.RemotePeer())
			t.emit(TransportEvent{kind: transportDisconnected, Peer: conn.RemotePeer(), Direction: conn.Stat().Direction})
		},
	})

	t.addrSub, err = h.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		_ = h.Close()
		return nil, &TransportError{Op: "subscribe address updates", Err: err}
	}

	go t.forwardAddressUpdates()

	logger.Infof("[Transport] peer ID: %s", h.ID())

	return t, nil
}

func (t *Transport) hostOptions(pk crypto.PrivKey) ([]libp2p.Option, error) {
	opts := []libp2p.Option{
		libp2p.Identity(pk),
		libp2p.NoListenAddrs,
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.ConnectionGater(t.gater),
	}

	if t.quic {
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport))
	}

	if t.config.SharedKey != "" {
		psk, err := decodeSharedKey(t.config.SharedKey)
		if err != nil {
			return nil, &TransportError{Op: "decode shared key", Err: err}
		}

		opts = append(opts, libp2p.PrivateNetwork(psk))
	}

	if t.config.EnableConnManager {
		cm, err := connmgr.NewConnManager(
			t.config.ConnLowWater,
			t.config.ConnHighWater,
			connmgr.WithGracePeriod(t.config.ConnGracePeriod),
		)
		if err != nil {
			return nil, &TransportError{Op: "create connection manager", Err: err}
		}

		opts = append(opts, libp2p.ConnectionManager(cm))
	}

	if advertised := buildAdvertiseMultiAddrs(t.logger, t.config.AdvertiseAddresses, t.config.Port); len(advertised) > 0 {
		opts = append(opts, libp2p.AddrsFactory(func(_ []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return advertised
		}))
	} else if t.config.PublicAddrsOnly {
		opts = append(opts, libp2p.AddrsFactory(publicAddrs))
	}

	return opts, nil
}

// publicAddrs drops private addresses, keeping the full list when nothing public is bound.
func publicAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	var public []multiaddr.Multiaddr

	for _, addr := range addrs {
		if !isPrivateIP(addr) {
			public = append(public, addr)
		}
	}

	if len(public) == 0 {
		return addrs
	}

	return public
}

// decodeSharedKey builds a v1 PSK from a 64 character hex string.
func decodeSharedKey(sharedKey string) (pnet.PSK, error) {
	s := ""
	s += fmt.Sprintln("/key/swarm/psk/1.0.0/")
	s += fmt.Sprintln("/base16/")
	s += sharedKey

	return pnet.DecodeV1PSK(bytes.NewBufferString(s))
}

// Host exposes the underlying libp2p host for the gossip router and discovery.
func (t *Transport) Host() host.Host {
	return t.host
}

// ID returns the local peer identity.
func (t *Transport) ID() peer.ID {
	return t.host.ID()
}

// Events is the lifecycle feed consumed by the swarm loop.
func (t *Transport) Events() <-chan TransportEvent {
	return t.events
}

// Listen binds TCP (and QUIC when enabled) listeners on every IP and returns the
// concrete bound addresses, with unspecified IPs resolved to interface addresses.
// Failing to bind any listener is the one fatal transport condition.
func (t *Transport) Listen(ips []string, port int) ([]multiaddr.Multiaddr, error) {
	addrs, err := buildListenMultiAddrs(ips, port, t.quic)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	if err := t.host.Network().Listen(addrs...); err != nil {
		return nil, &TransportError{Op: "listen", Addr: fmt.Sprint(addrs), Err: err}
	}

	bound := t.boundAddrs()
	if len(bound) == 0 {
		return nil, &TransportError{Op: "listen", Addr: fmt.Sprint(addrs), Err: fmt.Errorf("no listener bound")}
	}

	for _, a := range bound {
		t.logger.Infof("[Transport] listening on %s/p2p/%s", a, t.host.ID())
	}

	t.emit(TransportEvent{kind: transportListenAddrs, Addrs: bound})

	return bound, nil
}

func (t *Transport) boundAddrs() []multiaddr.Multiaddr {
	listen := t.host.Network().ListenAddresses()

	ifaceAddrs, err := manet.InterfaceMultiaddrs()
	if err != nil {
		t.logger.Debugf("[Transport] could not list interface addresses: %v", err)
		return listen
	}

	resolved, err := manet.ResolveUnspecifiedAddresses(listen, ifaceAddrs)
	if err != nil {
		t.logger.Debugf("[Transport] could not resolve unspecified addresses: %v", err)
		return listen
	}

	return resolved
}

// Dial opens an authenticated, multiplexed session to info. Dialing a peer that
// is already connected returns immediately.
func (t *Transport) Dial(ctx context.Context, info peer.AddrInfo) error {
	if info.ID == t.host.ID() {
		return &TransportError{Op: "dial", Addr: info.String(), Err: errDialSelf}
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	if err := t.host.Connect(ctx, info); err != nil {
		return &TransportError{Op: "dial", Addr: info.String(), Err: err}
	}

	return nil
}

// CloseConn closes one connection by its libp2p connection id.
func (t *Transport) CloseConn(connID string) error {
	for _, c := range t.host.Network().Conns() {
		if c.ID() == connID {
			return c.Close()
		}
	}

	return nil
}

// Close shuts the host down and releases its listeners.
func (t *Transport) Close() error {
	if t.addrSub != nil {
		_ = t.addrSub.Close()
	}

	return t.host.Close()
}

func (t *Transport) forwardAddressUpdates() {
	for ev := range t.addrSub.Out() {
		upd, ok := ev.(event.EvtLocalAddressesUpdated)
		if !ok {
			continue
		}

		addrs := make([]multiaddr.Multiaddr, 0, len(upd.Current))
		for _, a := range upd.Current {
			addrs = append(addrs, a.Address)
		}

		if len(addrs) > 0 {
			t.emit(TransportEvent{kind: transportListenAddrs, Addrs: addrs})
		}
	}
}

// emit never blocks a libp2p callback. A dropped event is recovered by the
// swarm's idle sweep, which rebuilds the connection table from the live
// connection set; gater counts are released by the notifiee itself.
func (t *Transport) emit(ev TransportEvent) {
	if ev.At.IsZero() {
		ev.At = t.clock.Now()
	}

	select {
	case t.events <- ev:
	default:
		t.logger.Warnf("[Transport] event buffer full, dropping %s event for %s", ev.kind, ev.Peer)
	}
}

// conns reports every live connection with its open stream count.
func (t *Transport) conns() []connSample {
	live := t.host.Network().Conns()
	out := make([]connSample, 0, len(live))

	for _, c := range live {
		out = append(out, connSample{
			id:      c.ID(),
			peer:    c.RemotePeer(),
			dir:     c.Stat().Direction,
			streams: len(c.GetStreams()),
			opened:  c.Stat().Opened,
		})
	}

	return out
}

type connSample struct {
	id      string
	peer    peer.ID
	dir     network.Direction
	streams int
	opened  time.Time
}
