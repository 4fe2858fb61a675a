package p2p

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Common test constants
const testLocalhost = "127.0.0.1"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t *testing.T
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// createTestContext creates a context with timeout for testing
func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// createTestLogger creates a mock logger for testing
func createTestLogger(t *testing.T) *MockLogger {
	return &MockLogger{t: t}
}

// createBasicConfig creates a loopback-only test configuration
func createBasicConfig(processName string) Config {
	config := DefaultConfig()
	config.ProcessName = processName
	config.ListenAddresses = []string{testLocalhost}
	config.EnableQUIC = false
	config.HeartbeatInterval = 100 * time.Millisecond
	config.DialTimeout = 5 * time.Second

	return config
}

// createQuietLogger is used for real nodes whose goroutines may log after the test returns
func createQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return logger
}

// startTestNode creates and starts a node and stops it when the test ends
func startTestNode(ctx context.Context, t *testing.T, config Config) *Node {
	t.Helper()

	node, err := NewNode(ctx, createQuietLogger(), config)
	require.NoError(t, err)

	setupNodeCleanup(t, node, config.ProcessName)

	require.NoError(t, node.Start(ctx))

	return node
}

// setupNodeCleanup sets up proper cleanup for a test node
func setupNodeCleanup(t testing.TB, node *Node, nodeName string) {
	t.Helper()

	t.Cleanup(func() {
		ctx, cancel := createTestContext(10 * time.Second)
		defer cancel()

		if err := node.Stop(ctx); err != nil {
			t.Logf("Failed to stop %s in cleanup: %v", nodeName, err)
		}
	})
}

// localAddress waits for the node to report its connectable address
func localAddress(ctx context.Context, t *testing.T, node *Node) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addr, err := node.Bridge().WaitLocalAddress(ctx)
	require.NoError(t, err)

	return addr.String()
}

// newTestPeerID returns the identity of a freshly generated Ed25519 key
func newTestPeerID(t testing.TB) peer.ID {
	t.Helper()

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	return id
}
