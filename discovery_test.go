package p2p

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscovery(t *testing.T, config Config) (*Discovery, *[]peer.AddrInfo) {
	t.Helper()

	transport, err := NewTransport(context.Background(), createQuietLogger(), config, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = transport.Close() })

	var found []peer.AddrInfo

	d := NewDiscovery(createQuietLogger(), config, transport, nil, func(info peer.AddrInfo) {
		found = append(found, info)
	})

	return d, &found
}

func TestDiscovery_Enabled(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   bool
	}{
		{name: "nothing configured", modify: func(*Config) {}, want: false},
		{name: "static peers", modify: func(c *Config) { c.StaticPeers = []string{"x"} }, want: true},
		{name: "mdns", modify: func(c *Config) { c.EnableMDNS = true }, want: true},
		{name: "bootstrap", modify: func(c *Config) { c.BootstrapAddresses = []string{"x"} }, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := createBasicConfig("discovery")
			tt.modify(&config)

			d := NewDiscovery(createQuietLogger(), config, nil, nil, nil)
			assert.Equal(t, tt.want, d.Enabled())
		})
	}
}

func TestDiscovery_HandlePeerFound(t *testing.T) {
	d, found := newTestDiscovery(t, createBasicConfig("mdns"))

	d.HandlePeerFound(peer.AddrInfo{ID: d.transport.ID()})
	assert.Empty(t, *found, "self is ignored")

	other := peer.AddrInfo{ID: newTestPeerID(t)}
	d.HandlePeerFound(other)
	require.Len(t, *found, 1)
	assert.Equal(t, other.ID, (*found)[0].ID)
}

func TestDiscovery_OfferStaticPeers(t *testing.T) {
	id := newTestPeerID(t)

	config := createBasicConfig("static")
	config.StaticPeers = []string{
		"not an address",
		fmt.Sprintf("/ip4/127.0.0.1/tcp/4001/p2p/%s", id),
	}

	d, found := newTestDiscovery(t, config)

	assert.False(t, d.offerStaticPeers(context.Background()))
	require.Len(t, *found, 1)
	assert.Equal(t, id, (*found)[0].ID)
}

func TestDiscovery_PrivateDHTNeedsBootstrap(t *testing.T) {
	config := createBasicConfig("dht")
	config.DialTimeout = 2 * time.Second
	config.BootstrapAddresses = []string{
		"garbage",
		fmt.Sprintf("/ip4/127.0.0.1/tcp/1/p2p/%s", newTestPeerID(t)),
	}
	config.DHTProtocolID = "/commlink-test"

	d, _ := newTestDiscovery(t, config)

	kad, err := d.initPrivateDHT(context.Background())
	require.Error(t, err)
	assert.Nil(t, kad)
	assert.Contains(t, err.Error(), "bootstrap")

	require.NoError(t, d.Close())
}
