package p2p

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultTopic, config.Topic)
	assert.Equal(t, []string{"0.0.0.0", "::"}, config.ListenAddresses)
	assert.Equal(t, 0, config.Port)
	assert.Equal(t, 5*time.Second, config.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, config.IdleConnTimeout)
	assert.Equal(t, RouterGossipSub, config.Router)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "floodsub router", mutate: func(c *Config) { c.Router = RouterFloodSub }},
		{name: "missing process name", mutate: func(c *Config) { c.ProcessName = "" }, wantErr: "ProcessName"},
		{name: "no listen addresses", mutate: func(c *Config) { c.ListenAddresses = nil }, wantErr: "ListenAddresses"},
		{name: "listen address is not an ip", mutate: func(c *Config) { c.ListenAddresses = []string{"localhost"} }, wantErr: "ListenAddresses[0]"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "Port"},
		{name: "unknown router", mutate: func(c *Config) { c.Router = "meshsub" }, wantErr: "Router"},
		{name: "zero dedup window", mutate: func(c *Config) { c.DedupWindow = 0 }, wantErr: "DedupWindow"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.HeartbeatInterval = 0 }, wantErr: "HeartbeatInterval"},
		{name: "short shared key", mutate: func(c *Config) { c.SharedKey = "abcd" }, wantErr: "SharedKey"},
		{name: "valid shared key", mutate: func(c *Config) { c.SharedKey = strings.Repeat("ab", 32) }},
		{name: "mdns without service name", mutate: func(c *Config) { c.EnableMDNS = true; c.MDNSServiceName = "" }, wantErr: "MDNSServiceName"},
		{name: "bootstrap without protocol id", mutate: func(c *Config) { c.BootstrapAddresses = []string{"/ip4/1.2.3.4/tcp/1"} }, wantErr: "DHTProtocolID"},
		{name: "high water below low water", mutate: func(c *Config) { c.ConnLowWater = 10; c.ConnHighWater = 5 }, wantErr: "ConnHighWater"},
		{name: "bad metrics address", mutate: func(c *Config) { c.MetricsAddress = "nope" }, wantErr: "MetricsAddress"},
		{name: "metrics address", mutate: func(c *Config) { c.MetricsAddress = "127.0.0.1:9100" }},
		{name: "blocked subnets", mutate: func(c *Config) { c.BlockedSubnets = []string{"10.0.0.0/8", "fd00::/8"} }},
		{name: "blocked subnet without mask", mutate: func(c *Config) { c.BlockedSubnets = []string{"10.0.0.1"} }, wantErr: "BlockedSubnets[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(dir, "node.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
process_name: yaml-node
listen_addresses: ["127.0.0.1"]
port: 4001
router: floodsub
dedup_window: 2m
static_peers:
  - /ip4/127.0.0.1/tcp/4002/p2p/12D3KooWLRPJAA5o6Z6X8r7Jm3Wqj8tGJ5fNXJcY9iHYJW4RjMxA
`), 0o600))

		config, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, "yaml-node", config.ProcessName)
		assert.Equal(t, []string{"127.0.0.1"}, config.ListenAddresses)
		assert.Equal(t, 4001, config.Port)
		assert.Equal(t, RouterFloodSub, config.Router)
		assert.Equal(t, 2*time.Minute, config.DedupWindow)
		assert.Len(t, config.StaticPeers, 1)
		assert.Equal(t, DefaultTopic, config.Topic, "unset fields keep their defaults")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("dedup_window: 0s\n"), 0o600))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DedupWindow")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: [\n"), 0o600))

		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}
