package mocks

import (
	"context"

	p2p "github.com/commlink/go-p2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/stretchr/testify/mock"
)

// MockOverlay is a mock implementation of the GossipOverlay interface. The
// inbound and peer event feeds are real channels so tests can drive the swarm.
type MockOverlay struct {
	mock.Mock

	InboundCh    chan *pubsub.Message
	PeerEventsCh chan p2p.TopicPeerEvent
}

var _ p2p.GossipOverlay = (*MockOverlay)(nil)

// NewMockOverlay creates a mock overlay with buffered feeds
func NewMockOverlay() *MockOverlay {
	return &MockOverlay{
		InboundCh:    make(chan *pubsub.Message, 16),
		PeerEventsCh: make(chan p2p.TopicPeerEvent, 16),
	}
}

// Subscribe mocks the Subscribe method
func (m *MockOverlay) Subscribe(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)
	return args.Error(0)
}

// Publish mocks the Publish method
func (m *MockOverlay) Publish(ctx context.Context, topic string, payload []byte) (p2p.MessageID, error) {
	args := m.Called(ctx, topic, payload)
	return args.Get(0).(p2p.MessageID), args.Error(1)
}

// OnReceive mocks the OnReceive method
func (m *MockOverlay) OnReceive(msg *pubsub.Message) (p2p.GossipMessage, bool) {
	args := m.Called(msg)
	return args.Get(0).(p2p.GossipMessage), args.Bool(1)
}

// Inbound returns the test-controlled inbound feed
func (m *MockOverlay) Inbound() <-chan *pubsub.Message {
	return m.InboundCh
}

// PeerEvents returns the test-controlled peer event feed
func (m *MockOverlay) PeerEvents() <-chan p2p.TopicPeerEvent {
	return m.PeerEventsCh
}

// Heartbeat mocks the Heartbeat method
func (m *MockOverlay) Heartbeat() int {
	args := m.Called()
	return args.Int(0)
}
