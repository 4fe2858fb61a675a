package p2p

import (
	"context"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
)

// Overlay is the broadcast capability the swarm drives: join a topic, publish to
// it, and turn a router-validated message into an application delivery.
type Overlay interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) (MessageID, error)
	// OnReceive returns the message to deliver, or false when it must be dropped
	// (duplicate within the dedup window, or structurally invalid).
	OnReceive(msg *pubsub.Message) (GossipMessage, bool)
}

// GossipOverlay is an Overlay plus the event feeds and periodic maintenance the
// swarm loop multiplexes.
type GossipOverlay interface {
	Overlay
	Inbound() <-chan *pubsub.Message
	PeerEvents() <-chan TopicPeerEvent
	Heartbeat() int
}

// NodeI defines the interface for a broadcast node. Shells depend on this rather
// than on *Node so they can be tested against a mock.
type NodeI interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Bridge() *Bridge
	HostID() peer.ID
	GetProcessName() string
	Uptime() time.Duration
	Connections() []PeerInfo
	BlockPeer(p peer.ID, duration time.Duration) error
	UnblockPeer(p peer.ID)
	TopicPeers() []peer.ID
	Registry() *prometheus.Registry
}
