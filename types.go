package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Logger defines the interface for logging within the broadcast node.
// *logrus.Logger and *zap.SugaredLogger both satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// RequestID correlates a bridge request with the events it eventually produces.
type RequestID string

// transportEventKind enumerates what the transport reports to the swarm loop.
type transportEventKind int

const (
	transportSecured transportEventKind = iota
	transportConnected
	transportDisconnected
	transportListenAddrs
)

func (k transportEventKind) String() string {
	switch k {
	case transportSecured:
		return "secured"
	case transportConnected:
		return "connected"
	case transportDisconnected:
		return "disconnected"
	case transportListenAddrs:
		return "listen-addrs"
	default:
		return "unknown"
	}
}

// TransportEvent is a session lifecycle or listener notification produced by the
// transport and consumed only by the swarm loop.
type TransportEvent struct {
	kind      transportEventKind
	Peer      peer.ID
	Direction network.Direction
	Addrs     []multiaddr.Multiaddr
	At        time.Time
}

// PeerInfo contains information about a connected peer.
type PeerInfo struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	State    ConnState
	ConnTime *time.Time // nil until the session is established
}
