// Package mocks provides mock implementations of the broadcast node interfaces used in testing.
package mocks

import (
	"context"
	"time"

	p2p "github.com/commlink/go-p2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
)

// MockNode is a mock implementation of the NodeI interface
type MockNode struct {
	mock.Mock
}

var _ p2p.NodeI = (*MockNode)(nil)

// NewMockNode creates a new mock node instance
func NewMockNode() *MockNode {
	return &MockNode{}
}

// Start mocks the Start method
func (m *MockNode) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockNode) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Bridge mocks the Bridge method
func (m *MockNode) Bridge() *p2p.Bridge {
	args := m.Called()
	if b := args.Get(0); b != nil {
		return b.(*p2p.Bridge)
	}

	return nil
}

// HostID mocks the HostID method
func (m *MockNode) HostID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// GetProcessName mocks the GetProcessName method
func (m *MockNode) GetProcessName() string {
	args := m.Called()
	return args.String(0)
}

// Uptime mocks the Uptime method
func (m *MockNode) Uptime() time.Duration {
	args := m.Called()
	return args.Get(0).(time.Duration)
}

// BlockPeer mocks the BlockPeer method
func (m *MockNode) BlockPeer(p peer.ID, duration time.Duration) error {
	args := m.Called(p, duration)
	return args.Error(0)
}

// UnblockPeer mocks the UnblockPeer method
func (m *MockNode) UnblockPeer(p peer.ID) {
	m.Called(p)
}

// Connections mocks the Connections method
func (m *MockNode) Connections() []p2p.PeerInfo {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]p2p.PeerInfo)
	}

	return nil
}

// TopicPeers mocks the TopicPeers method
func (m *MockNode) TopicPeers() []peer.ID {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]peer.ID)
	}

	return nil
}

// Registry mocks the Registry method
func (m *MockNode) Registry() *prometheus.Registry {
	args := m.Called()
	if reg := args.Get(0); reg != nil {
		return reg.(*prometheus.Registry)
	}

	return nil
}
