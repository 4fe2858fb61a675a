package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	dRouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dUtil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	staticRetryDelay     = 5 * time.Second
	staticRecheckDelay   = 30 * time.Second
	dhtDiscoveryInterval = 5 * time.Second
)

// Discovery finds peers through static configuration, mDNS and a private DHT
// and hands them to the swarm, which applies the dial rate limit and records
// every attempt in its connection table. The one exception is the bootstrap
// set: the DHT cannot start without those sessions, so initPrivateDHT dials
// them itself and the swarm only learns of them from transport events.
type Discovery struct {
	config    Config
	logger    Logger
	transport *Transport
	clock     clock.Clock
	found     func(peer.AddrInfo)

	dht  *dht.IpfsDHT
	mdns mdns.Service
}

// NewDiscovery prepares the configured discovery sources; Run starts them.
func NewDiscovery(logger Logger, config Config, transport *Transport, clk clock.Clock, found func(peer.AddrInfo)) *Discovery {
	if clk == nil {
		clk = clock.New()
	}

	return &Discovery{
		config:    config,
		logger:    logger,
		transport: transport,
		clock:     clk,
		found:     found,
	}
}

// Enabled reports whether any discovery source is configured.
func (d *Discovery) Enabled() bool {
	return len(d.config.StaticPeers) > 0 || d.config.EnableMDNS || len(d.config.BootstrapAddresses) > 0
}

// Run blocks until ctx is cancelled. Close must be called after Run returns.
func (d *Discovery) Run(ctx context.Context) error {
	if d.config.EnableMDNS {
		d.mdns = mdns.NewMdnsService(d.transport.Host(), d.config.MDNSServiceName, d)
		if err := d.mdns.Start(); err != nil {
			return fmt.Errorf("[Discovery] error starting mDNS: %w", err)
		}

		d.logger.Infof("[Discovery] mDNS started with service name %s", d.config.MDNSServiceName)
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(d.config.StaticPeers) > 0 {
		g.Go(func() error {
			d.connectStaticPeers(gctx)
			return nil
		})
	} else {
		d.logger.Infof("[Discovery] no static peers to connect to - skipping connection attempt")
	}

	if len(d.config.BootstrapAddresses) > 0 {
		g.Go(func() error {
			return d.discoverPeers(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// HandlePeerFound is the mDNS notifee callback.
func (d *Discovery) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.transport.ID() {
		return
	}

	d.logger.Debugf("[Discovery] mDNS found peer %s", info.ID)
	d.found(info)
}

// Close stops mDNS and the DHT.
func (d *Discovery) Close() error {
	var err error

	if d.mdns != nil {
		if cerr := d.mdns.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("[Discovery] error closing mDNS: %w", cerr))
		}
	}

	if d.dht != nil {
		if cerr := d.dht.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("[Discovery] error closing DHT: %w", cerr))
		}
	}

	return err
}

// connectStaticPeers keeps offering unconnected static peers to the swarm,
// rechecking quickly while some are missing and slowly once all are up.
func (d *Discovery) connectStaticPeers(ctx context.Context) {
	logged := false
	delay := time.Duration(0)

	for {
		timer := d.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		if d.offerStaticPeers(ctx) {
			if !logged {
				d.logger.Infof("[Discovery] all static peers connected")
			}

			logged = true
			delay = staticRecheckDelay
		} else {
			logged = false
			delay = staticRetryDelay
		}
	}
}

// offerStaticPeers reports whether every static peer is already connected.
func (d *Discovery) offerStaticPeers(ctx context.Context) bool {
	remaining := len(d.config.StaticPeers)

	for _, addr := range d.config.StaticPeers {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		info, err := ParseAddress(addr)
		if err != nil {
			d.logger.Errorf("[Discovery] invalid static peer address %s: %v", addr, err)
			continue
		}

		if d.transport.Host().Network().Connectedness(info.ID) == network.Connected {
			remaining--
			continue
		}

		d.found(info)
	}

	return remaining == 0
}

// discoverPeers joins the private DHT, optionally advertises the topic and then
// periodically looks up other advertisers.
func (d *Discovery) discoverPeers(ctx context.Context) error {
	kademliaDHT, err := d.initPrivateDHT(ctx)
	if err != nil {
		d.logger.Errorf("[Discovery] %v", err)
		return nil
	}

	d.dht = kademliaDHT

	routingDiscovery := dRouting.NewRoutingDiscovery(kademliaDHT)

	if d.config.Advertise {
		d.logger.Infof("[Discovery] advertising topic: %s", d.config.Topic)
		dUtil.Advertise(ctx, routingDiscovery, d.config.Topic)
	}

	for {
		start := d.clock.Now()

		if err := d.findPeers(ctx, routingDiscovery); err != nil && ctx.Err() == nil {
			d.logger.Warnf("[Discovery] error finding peers: %v", err)
		}

		d.logger.Debugf("[Discovery] completed discovery round in %v", d.clock.Since(start))

		timer := d.clock.Timer(dhtDiscoveryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (d *Discovery) findPeers(ctx context.Context, routingDiscovery *dRouting.RoutingDiscovery) error {
	addrChan, err := routingDiscovery.FindPeers(ctx, d.config.Topic)
	if err != nil {
		return err
	}

	for info := range addrChan {
		if d.shouldSkipPeer(info) {
			continue
		}

		d.found(info)
	}

	return ctx.Err()
}

func (d *Discovery) shouldSkipPeer(info peer.AddrInfo) bool {
	if info.ID == d.transport.ID() || len(info.Addrs) == 0 {
		return true
	}

	return d.transport.Host().Network().Connectedness(info.ID) == network.Connected
}

func (d *Discovery) initPrivateDHT(ctx context.Context) (*dht.IpfsDHT, error) {
	d.logger.Infof("[Discovery] bootstrapAddresses: %v", d.config.BootstrapAddresses)

	connectedToBootstrap := false

	for _, ba := range d.config.BootstrapAddresses {
		info, err := ParseAddress(ba)
		if err != nil {
			d.logger.Warnf("[Discovery] invalid bootstrap address %s: %v", ba, err)
			continue
		}

		if len(info.Addrs) > 0 {
			ip, err := getIPFromMultiaddr(info.Addrs[0])
			if err != nil {
				d.logger.Warnf("[Discovery] failed to get IP from multiaddress %s: %v", ba, err)
			} else {
				d.logger.Infof("[Discovery] bootstrap address %s has IP %s", ba, ip)
			}
		}

		if err := d.transport.Dial(ctx, info); err != nil {
			d.logger.Warnf("[Discovery] failed to connect to bootstrap address %s: %v", ba, err)
			continue
		}

		connectedToBootstrap = true

		d.logger.Infof("[Discovery] successfully connected to bootstrap address %s", ba)
	}

	if !connectedToBootstrap {
		return nil, fmt.Errorf("[Discovery] failed to connect to any bootstrap addresses")
	}

	kademliaDHT, err := dht.New(ctx, d.transport.Host(),
		dht.ProtocolPrefix(protocol.ID(d.config.DHTProtocolID)),
		dht.Mode(dht.ModeAuto),
	)
	if err != nil {
		return nil, fmt.Errorf("[Discovery] error creating DHT: %w", err)
	}

	if err := kademliaDHT.Bootstrap(ctx); err != nil {
		_ = kademliaDHT.Close()
		return nil, fmt.Errorf("[Discovery] error bootstrapping DHT: %w", err)
	}

	return kademliaDHT, nil
}
