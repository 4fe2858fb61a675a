package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ConnectionGater admits or refuses sessions and reports handshake completion
// to the transport so the swarm can track the Handshaking stage.
type ConnectionGater struct {
	mu              sync.Mutex
	blockedPeers    map[peer.ID]time.Time
	blockedSubnets  []*net.IPNet
	maxConnsPerPeer int
	peerConns       map[peer.ID]int
	logger          Logger
	onSecured       func(network.Direction, peer.ID)
	now             func() time.Time
}

// NewConnectionGater creates a gater; maxConnsPerPeer of 0 disables the per-peer limit.
func NewConnectionGater(logger Logger, maxConnsPerPeer int) *ConnectionGater {
	return &ConnectionGater{
		blockedPeers:    make(map[peer.ID]time.Time),
		maxConnsPerPeer: maxConnsPerPeer,
		peerConns:       make(map[peer.ID]int),
		logger:          logger,
		now:             time.Now,
	}
}

// BlockPeer blocks a specific peer for a duration
func (cg *ConnectionGater) BlockPeer(p peer.ID, duration time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedPeers[p] = cg.now().Add(duration)
}

// UnblockPeer removes a peer from the blocklist
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	delete(cg.blockedPeers, p)
}

// BlockSubnet blocks connections from and to a CIDR range.
func (cg *ConnectionGater) BlockSubnet(cidr string) error {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.blockedSubnets = append(cg.blockedSubnets, subnet)

	return nil
}

// release forgets one session to p. The transport calls it from its network
// notifiee, so it does not depend on the swarm draining events.
func (cg *ConnectionGater) release(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if n := cg.peerConns[p]; n > 1 {
		cg.peerConns[p] = n - 1
	} else {
		delete(cg.peerConns, p)
	}
}

// reconcile lowers each peer's session count to the number of live connections.
// Sessions refused after the security handshake never report a disconnect.
func (cg *ConnectionGater) reconcile(live map[peer.ID]int) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	for p, n := range cg.peerConns {
		switch l := live[p]; {
		case l == 0:
			delete(cg.peerConns, p)
		case l < n:
			cg.peerConns[p] = l
		}
	}
}

func (cg *ConnectionGater) isPeerBlocked(p peer.ID) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	expiry, exists := cg.blockedPeers[p]
	if !exists {
		return false
	}

	if cg.now().Before(expiry) {
		return true
	}

	delete(cg.blockedPeers, p)

	return false
}

func (cg *ConnectionGater) isAddrBlocked(addr multiaddr.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	for _, subnet := range cg.blockedSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}

	return false
}

// InterceptPeerDial is called before dialing a peer
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) (allow bool) {
	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] Blocked dial to peer: %s", p)
		return false
	}

	return true
}

// InterceptAddrDial is called before dialing an address
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] Blocked dial to address %s for peer: %s", addr, p)
		return false
	}

	if cg.isAddrBlocked(addr) {
		cg.logger.Debugf("[ConnectionGater] Blocked dial to subnet: %s", addr)
		return false
	}

	return true
}

// InterceptAccept is called before accepting a connection
func (cg *ConnectionGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	remoteAddr := connAddr.RemoteMultiaddr()
	if cg.isAddrBlocked(remoteAddr) {
		cg.logger.Debugf("[ConnectionGater] Blocked accept from subnet: %s", remoteAddr)
		return false
	}

	return true
}

// InterceptSecured is called after the security handshake, before muxer negotiation.
func (cg *ConnectionGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	if cg.isPeerBlocked(p) {
		cg.logger.Debugf("[ConnectionGater] Blocked secured connection from peer: %s", p)
		return false
	}

	if cg.maxConnsPerPeer > 0 {
		cg.mu.Lock()
		if cg.peerConns[p] >= cg.maxConnsPerPeer {
			cg.mu.Unlock()
			cg.logger.Debugf("[ConnectionGater] Peer %s exceeded max connections (%d)", p, cg.maxConnsPerPeer)

			return false
		}
		cg.peerConns[p]++
		cg.mu.Unlock()
	}

	if cg.onSecured != nil {
		cg.onSecured(dir, p)
	}

	return true
}

// InterceptUpgraded is called after protocol negotiation
func (cg *ConnectionGater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
