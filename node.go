package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const snapshotTimeout = 2 * time.Second

// Node wires the transport, gossip engine, swarm loop and bridge together. The
// shell talks to the engine only through Bridge; the accessors here are
// read-only views for diagnostics.
type Node struct {
	config    Config
	logger    Logger
	clock     clock.Clock
	registry  *prometheus.Registry
	metrics   *Metrics
	transport *Transport
	gossip    *GossipEngine
	bridge    *Bridge
	swarm     *Swarm
	discovery *Discovery
	startTime time.Time

	started atomic.Bool
	stop    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ NodeI = (*Node)(nil)

// NewNode creates a node with its host and router but binds no listener yet.
func NewNode(ctx context.Context, logger Logger, config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clk := clock.New()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	transport, err := NewTransport(ctx, logger, config, clk)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating transport: %w", err)
	}

	gossip, err := NewGossipEngine(ctx, transport.Host(), logger, config, clk, metrics)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("[Node] error creating gossip engine: %w", err)
	}

	bridge := NewBridge(config.EventBufferSize)
	swarm := NewSwarm(logger, config, transport, gossip, bridge, metrics, clk)

	return &Node{
		config:    config,
		logger:    logger,
		clock:     clk,
		registry:  registry,
		metrics:   metrics,
		transport: transport,
		gossip:    gossip,
		bridge:    bridge,
		swarm:     swarm,
		discovery: NewDiscovery(logger, config, transport, clk, swarm.peerFound),
	}, nil
}

// Start binds the listeners, joins the topic and starts the event loop. A bind
// failure is fatal; everything after that is handled inside the loop.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("[Node] already started")
	}

	n.startTime = n.clock.Now()

	n.logger.Infof("[Node] starting %s", n.config.ProcessName)

	if _, err := n.transport.Listen(n.config.ListenAddresses, n.config.Port); err != nil {
		return fmt.Errorf("[Node] error binding listeners: %w", err)
	}

	if err := n.gossip.Subscribe(ctx, n.config.Topic); err != nil {
		return fmt.Errorf("[Node] error subscribing to %s: %w", n.config.Topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		if err := n.swarm.Run(runCtx); err != nil {
			n.logger.Errorf("[Node] event loop stopped: %v", err)
		}
	}()

	if n.discovery.Enabled() {
		n.wg.Add(1)

		go func() {
			defer n.wg.Done()

			if err := n.discovery.Run(runCtx); err != nil {
				n.logger.Errorf("[Node] discovery stopped: %v", err)
			}
		}()
	}

	return nil
}

// Stop cancels pending dials, stops the loop and closes the host. It is safe
// to call more than once.
func (n *Node) Stop(ctx context.Context) error {
	var err error

	n.stop.Do(func() {
		n.logger.Infof("[Node] stopping")

		n.bridge.shutdown()

		if n.cancel != nil {
			n.cancel()
		}

		done := make(chan struct{})

		go func() {
			n.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("[Node] timed out waiting for the event loop: %w", ctx.Err()))
		}

		err = multierr.Append(err, n.discovery.Close())
		err = multierr.Append(err, n.gossip.Close())

		if cerr := n.transport.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("[Node] error closing host: %w", cerr))
		}
	})

	return err
}

// Bridge returns the shell-facing request and event surface.
func (n *Node) Bridge() *Bridge {
	return n.bridge
}

// HostID returns the host ID of the node.
func (n *Node) HostID() peer.ID {
	return n.transport.ID()
}

// GetProcessName returns the configured process name.
func (n *Node) GetProcessName() string {
	return n.config.ProcessName
}

// Uptime is the time since Start.
func (n *Node) Uptime() time.Duration {
	if !n.started.Load() {
		return 0
	}

	return n.clock.Since(n.startTime)
}

// Connections returns the swarm's view of every known peer session.
func (n *Node) Connections() []PeerInfo {
	if !n.started.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	conns, err := n.swarm.Connections(ctx)
	if err != nil {
		n.logger.Debugf("[Node] connection snapshot unavailable: %v", err)
		return nil
	}

	infos := make([]PeerInfo, 0, len(conns))

	for _, c := range conns {
		info := PeerInfo{ID: c.Peer, State: c.State}

		for _, live := range n.transport.Host().Network().ConnsToPeer(c.Peer) {
			info.Addrs = append(info.Addrs, live.RemoteMultiaddr())
		}

		if c.State >= ConnEstablished && !c.Opened.IsZero() {
			opened := c.Opened
			info.ConnTime = &opened
		}

		infos = append(infos, info)
	}

	return infos
}

// BlockPeer refuses sessions with p for duration and closes any it has now.
func (n *Node) BlockPeer(p peer.ID, duration time.Duration) error {
	n.transport.gater.BlockPeer(p, duration)
	n.logger.Infof("[Node] blocked peer %s for %s", p, duration)

	if err := n.transport.Host().Network().ClosePeer(p); err != nil {
		return fmt.Errorf("[Node] error closing sessions to %s: %w", p, err)
	}

	return nil
}

// UnblockPeer lifts a block set by BlockPeer.
func (n *Node) UnblockPeer(p peer.ID) {
	n.transport.gater.UnblockPeer(p)
	n.logger.Infof("[Node] unblocked peer %s", p)
}

// TopicPeers lists connected peers subscribed to the broadcast topic.
func (n *Node) TopicPeers() []peer.ID {
	return n.gossip.TopicPeers(n.config.Topic)
}

// Registry exposes the node's metrics for scraping.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// LocalAddress is a shorthand for Bridge().LocalAddress().
func (n *Node) LocalAddress() (multiaddr.Multiaddr, error) {
	return n.bridge.LocalAddress()
}
