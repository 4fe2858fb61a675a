package p2p

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"
)

const (
	dialResultBuffer = 16
	discoveredBuffer = 64
	minIdleSweep     = 100 * time.Millisecond
)

type dialResult struct {
	req        dialRequest
	err        error
	discovered bool
}

// Swarm is the event loop that owns every connection record, the dedup cache
// (through the overlay) and the bridge's producer side. Everything that mutates
// that state runs on the goroutine executing Run.
type Swarm struct {
	config    Config
	logger    Logger
	transport *Transport
	overlay   GossipOverlay
	bridge    *Bridge
	metrics   *Metrics
	clock     clock.Clock

	conns       *connTable
	idle        *idleTracker
	tasks       *taskRegistry
	dialLimiter *rate.Limiter
	dialResults chan dialResult
	discovered  chan peer.AddrInfo
	snapshots   chan chan []Connection
	done        chan struct{}
}

// NewSwarm wires the loop to its collaborators. Nothing runs until Run is called.
func NewSwarm(logger Logger, config Config, transport *Transport, overlay GossipOverlay, bridge *Bridge, metrics *Metrics, clk clock.Clock) *Swarm {
	if clk == nil {
		clk = clock.New()
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Swarm{
		config:      config,
		logger:      logger,
		transport:   transport,
		overlay:     overlay,
		bridge:      bridge,
		metrics:     metrics,
		clock:       clk,
		conns:       newConnTable(),
		idle:        newIdleTracker(),
		tasks:       newTaskRegistry(),
		dialLimiter: rate.NewLimiter(rate.Limit(config.DiscoveryDialRate), config.DiscoveryDialBurst),
		dialResults: make(chan dialResult, dialResultBuffer),
		discovered:  make(chan peer.AddrInfo, discoveredBuffer),
		snapshots:   make(chan chan []Connection),
		done:        make(chan struct{}),
	}
}

// Run drives the loop until ctx is cancelled. Failures inside the loop are
// logged and surfaced through the bridge; none of them stop it.
func (s *Swarm) Run(ctx context.Context) error {
	heartbeat := s.clock.Ticker(s.config.HeartbeatInterval)
	idleSweep := s.clock.Ticker(s.idleSweepInterval())

	defer func() {
		heartbeat.Stop()
		idleSweep.Stop()
		s.tasks.cancelAll()
		close(s.done)
	}()

	s.logger.Infof("[Swarm] event loop started for %s", s.transport.ID())

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[Swarm] shutting down with %d pending dials", s.tasks.pending())
			return nil
		case ev := <-s.transport.Events():
			s.handleTransportEvent(ctx, ev)
		case m := <-s.overlay.Inbound():
			s.handleInbound(ctx, m)
		case ev := <-s.overlay.PeerEvents():
			s.handleTopicPeerEvent(ev)
		case req := <-s.bridge.outbound:
			s.handleOutbound(ctx, req)
		case req := <-s.bridge.dials:
			s.startDial(ctx, req, false)
		case id := <-s.bridge.cancels:
			s.cancelDial(id)
		case info := <-s.discovered:
			s.handleDiscovered(ctx, info)
		case res := <-s.dialResults:
			s.handleDialResult(ctx, res)
		case reply := <-s.snapshots:
			reply <- s.conns.snapshot()
		case <-heartbeat.C:
			s.overlay.Heartbeat()
		case <-idleSweep.C:
			s.sweepIdle(ctx)
		}
	}
}

// Done is closed once Run has returned and all dial tasks have finished.
func (s *Swarm) Done() <-chan struct{} {
	return s.done
}

// Connections returns a snapshot of the connection table taken on the loop.
func (s *Swarm) Connections(ctx context.Context) ([]Connection, error) {
	reply := make(chan []Connection, 1)

	select {
	case s.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrNodeStopped
	}

	select {
	case conns := <-reply:
		return conns, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// peerFound queues a discovered peer for dialing without blocking the caller.
func (s *Swarm) peerFound(info peer.AddrInfo) {
	select {
	case s.discovered <- info:
	default:
		s.logger.Debugf("[Swarm] discovery queue full, dropping %s", info.ID)
	}
}

func (s *Swarm) handleTransportEvent(ctx context.Context, ev TransportEvent) {
	switch ev.kind {
	case transportListenAddrs:
		s.onListenAddrs(ctx, ev.Addrs)
	case transportSecured:
		c := s.conns.ensure(ev.Peer, ConnHandshaking, ev.Direction)
		c.advance(ConnHandshaking)
	case transportConnected:
		s.establish(ctx, ev.Peer, ev.Direction, ev.At)
	case transportDisconnected:
		if s.transport.host.Network().Connectedness(ev.Peer) == network.Connected {
			return
		}

		c, ok := s.conns.get(ev.Peer)
		wasEstablished := ok && c.State >= ConnEstablished

		s.conns.close(ev.Peer)
		s.metrics.Connections.Set(float64(s.conns.established()))
		s.logger.Debugf("[Swarm] peer disconnected: %s", ev.Peer)

		if wasEstablished {
			s.bridge.emit(ctx, PeerDisconnected{Peer: ev.Peer})
		}
	}
}

// establish marks p's session established. A session that replaces one still
// closing is not reported again, since the shell never saw the old one go.
func (s *Swarm) establish(ctx context.Context, p peer.ID, dir network.Direction, at time.Time) {
	prev, had := s.conns.get(p)
	resumed := had && prev.State == ConnClosing

	c := s.conns.ensure(p, ConnHandshaking, dir)
	if !c.advance(ConnEstablished) {
		return
	}

	c.Opened = at
	s.metrics.Connections.Set(float64(s.conns.established()))

	if resumed {
		s.logger.Debugf("[Swarm] new session to %s replaced a closing one", p)
		return
	}

	s.logger.Infof("[Swarm] peer connected: %s (%s)", p, dir)
	s.bridge.emit(ctx, PeerConnected{Peer: p})
}

// onListenAddrs publishes the first usable bound address and ignores later ones.
func (s *Swarm) onListenAddrs(ctx context.Context, addrs []multiaddr.Multiaddr) {
	if _, err := s.bridge.LocalAddress(); err == nil {
		return
	}

	addr, ok := selectAdvertisedAddress(addrs)
	if !ok {
		return
	}

	canonical, err := CanonicalAddress(addr, s.transport.ID())
	if err != nil {
		s.logger.Warnf("[Swarm] cannot render local address %s: %v", addr, err)
		return
	}

	if s.bridge.publishLocalAddress(canonical) {
		s.logger.Infof("[Swarm] connect to me on: %s", canonical)
		s.bridge.emit(ctx, LocalAddressReady{Address: canonical})
	}
}

func (s *Swarm) handleInbound(ctx context.Context, m *pubsub.Message) {
	msg, ok := s.overlay.OnReceive(m)
	if !ok {
		return
	}

	s.logger.Debugf("[Swarm] got message %q with id %s from %s via %s", trimForLog(msg.Payload), msg.ID, msg.From, msg.Via)
	s.bridge.emit(ctx, MessageReceived{ID: msg.ID, Text: string(msg.Payload), Sender: msg.From})
}

func (s *Swarm) handleTopicPeerEvent(ev TopicPeerEvent) {
	if ev.Joined {
		s.logger.Debugf("[Swarm] peer %s subscribed to %s", ev.Peer, ev.Topic)
	} else {
		s.logger.Debugf("[Swarm] peer %s left %s", ev.Peer, ev.Topic)
	}
}

func (s *Swarm) handleOutbound(ctx context.Context, req outboundRequest) {
	id, err := s.overlay.Publish(ctx, s.config.Topic, req.payload)
	if err != nil {
		s.logger.Warnf("[Swarm] publish error for request %s: %v", req.id, err)
		s.bridge.emit(ctx, PublishFailed{Request: req.id, Err: err})

		return
	}

	s.logger.Debugf("[Swarm] published request %s as %s", req.id, id)
}

func (s *Swarm) startDial(ctx context.Context, req dialRequest, discovered bool) {
	p := req.info.ID

	if p == s.transport.ID() {
		s.failDial(ctx, req, discovered, &TransportError{Op: "dial", Addr: req.address, Err: errDialSelf})
		return
	}

	if s.transport.host.Network().Connectedness(p) == network.Connected {
		s.logger.Debugf("[Swarm] already connected to %s", p)
		return
	}

	c := s.conns.ensure(p, ConnDialing, network.DirOutbound)
	c.Request = req.id

	s.metrics.Dials.Inc()
	s.logger.Infof("[Swarm] dialing %s", req.address)

	started := s.tasks.start(ctx, req.id, func(taskCtx context.Context) {
		err := s.transport.Dial(taskCtx, req.info)

		// A cancelled dial still reports its result; only shutdown drops it.
		select {
		case s.dialResults <- dialResult{req: req, err: err, discovered: discovered}:
		case <-ctx.Done():
		}
	})
	if !started {
		s.logger.Debugf("[Swarm] dial request %s already in flight", req.id)
	}
}

// cancelDial aborts a pending dial. Its failure is reported through the normal
// dial result path.
func (s *Swarm) cancelDial(id RequestID) {
	if s.tasks.cancel(id) {
		s.logger.Infof("[Swarm] cancelled dial request %s", id)
		return
	}

	s.logger.Debugf("[Swarm] dial request %s is not pending", id)
}

func (s *Swarm) handleDialResult(ctx context.Context, res dialResult) {
	if res.err == nil {
		s.logger.Debugf("[Swarm] dial to %s succeeded", res.req.address)
		return
	}

	if c, ok := s.conns.get(res.req.info.ID); ok && c.State < ConnEstablished {
		s.conns.close(res.req.info.ID)
	}

	s.failDial(ctx, res.req, res.discovered, res.err)
}

func (s *Swarm) failDial(ctx context.Context, req dialRequest, discovered bool, err error) {
	s.metrics.DialFailures.Inc()

	if discovered {
		s.logger.Debugf("[Swarm] failed to dial discovered peer %s: %v", req.address, err)
		return
	}

	s.logger.Warnf("[Swarm] failed to dial %s: %v", req.address, err)
	s.bridge.emit(ctx, DialFailed{Request: req.id, Address: req.address, Err: err})
}

func (s *Swarm) handleDiscovered(ctx context.Context, info peer.AddrInfo) {
	if info.ID == s.transport.ID() || len(info.Addrs) == 0 {
		return
	}

	if s.transport.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}

	if c, ok := s.conns.get(info.ID); ok && c.State == ConnDialing {
		return
	}

	if !s.dialLimiter.Allow() {
		s.logger.Debugf("[Swarm] dial rate exceeded, skipping discovered peer %s", info.ID)
		return
	}

	s.startDial(ctx, dialRequest{id: newRequestID(), address: info.String(), info: info}, true)
}

// sweepIdle closes connections that carried no streams for IdleConnTimeout and
// rebuilds the connection table and gater counts from the live connection set,
// which recovers any transport event that was dropped.
func (s *Swarm) sweepIdle(ctx context.Context) {
	now := s.clock.Now()
	samples := s.transport.conns()

	live := make(map[string]struct{}, len(samples))
	liveConns := make(map[peer.ID]int, len(samples))
	liveDir := make(map[peer.ID]network.Direction, len(samples))
	peerOf := make(map[string]peer.ID, len(samples))

	for _, sample := range samples {
		live[sample.id] = struct{}{}
		liveConns[sample.peer]++
		liveDir[sample.peer] = sample.dir
		peerOf[sample.id] = sample.peer
		s.idle.observe(sample.id, sample.streams, now)
	}

	s.idle.retain(live)
	s.transport.gater.reconcile(liveConns)

	expired := s.idle.expired(now, s.config.IdleConnTimeout)
	closing := make(map[peer.ID]int, len(expired))

	for _, connID := range expired {
		closing[peerOf[connID]]++
	}

	for _, connID := range expired {
		p := peerOf[connID]

		// Only the last session makes the peer itself closing.
		if c, ok := s.conns.get(p); ok && closing[p] == liveConns[p] {
			c.advance(ConnClosing)
		}

		s.logger.Infof("[Swarm] closing idle connection %s to %s", connID, p)

		if err := s.transport.CloseConn(connID); err != nil {
			s.logger.Debugf("[Swarm] error closing idle connection %s: %v", connID, err)
		}
	}

	for p, dir := range liveDir {
		if closing[p] == liveConns[p] {
			continue
		}

		if c, ok := s.conns.get(p); ok && c.State >= ConnEstablished {
			continue
		}

		s.establish(ctx, p, dir, now)
	}

	for _, c := range s.conns.snapshot() {
		if c.State < ConnEstablished {
			continue
		}

		if _, ok := liveConns[c.Peer]; ok {
			continue
		}

		s.conns.close(c.Peer)
		s.logger.Debugf("[Swarm] peer disconnected: %s", c.Peer)
		s.bridge.emit(ctx, PeerDisconnected{Peer: c.Peer})
	}

	s.metrics.Connections.Set(float64(s.conns.established()))

	if _, err := s.bridge.LocalAddress(); err != nil {
		s.onListenAddrs(ctx, s.transport.boundAddrs())
	}
}

func (s *Swarm) idleSweepInterval() time.Duration {
	interval := s.config.IdleConnTimeout / 4
	if interval < minIdleSweep {
		interval = minIdleSweep
	}

	return interval
}
