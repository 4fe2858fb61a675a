package p2p

import (
	"fmt"
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	id := newTestPeerID(t)

	tests := []struct {
		name       string
		input      string
		wantErr    bool
		wantNoPeer bool
		wantAddr   string
	}{
		{
			name:     "ipv4 tcp with identity",
			input:    fmt.Sprintf("/ip4/10.0.0.2/tcp/4001/p2p/%s", id),
			wantAddr: "/ip4/10.0.0.2/tcp/4001",
		},
		{
			name:     "surrounding whitespace is ignored",
			input:    fmt.Sprintf("  /ip6/::1/tcp/4001/p2p/%s \n", id),
			wantAddr: "/ip6/::1/tcp/4001",
		},
		{
			name:     "quic address",
			input:    fmt.Sprintf("/ip4/127.0.0.1/udp/4001/quic-v1/p2p/%s", id),
			wantAddr: "/ip4/127.0.0.1/udp/4001/quic-v1",
		},
		{
			name:       "missing identity",
			input:      "/ip4/10.0.0.2/tcp/4001",
			wantErr:    true,
			wantNoPeer: true,
		},
		{
			name:    "garbage",
			input:   "not a multiaddr",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "identity only",
			input:   fmt.Sprintf("/p2p/%s", id),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseAddress(tt.input)

			if tt.wantErr {
				require.Error(t, err)

				var parseErr *AddressParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, tt.input, parseErr.Input)

				if tt.wantNoPeer {
					assert.ErrorIs(t, err, ErrMissingPeerIdentity)
				}

				return
			}

			require.NoError(t, err)
			assert.Equal(t, id, info.ID)
			require.Len(t, info.Addrs, 1)
			assert.Equal(t, tt.wantAddr, info.Addrs[0].String())
		})
	}
}

func TestCanonicalAddress(t *testing.T) {
	id := newTestPeerID(t)
	base := multiaddr.StringCast("/ip4/192.168.1.5/tcp/4001")

	canonical, err := CanonicalAddress(base, id)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("/ip4/192.168.1.5/tcp/4001/p2p/%s", id), canonical.String())

	t.Run("already canonical is unchanged", func(t *testing.T) {
		again, err := CanonicalAddress(canonical, id)
		require.NoError(t, err)
		assert.True(t, canonical.Equal(again))
	})

	t.Run("round trips through ParseAddress", func(t *testing.T) {
		info, err := ParseAddress(canonical.String())
		require.NoError(t, err)
		assert.Equal(t, id, info.ID)
		assert.True(t, base.Equal(info.Addrs[0]))
	})
}

func TestSelectAdvertisedAddress(t *testing.T) {
	loop4 := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")
	lan4 := multiaddr.StringCast("/ip4/192.168.1.5/tcp/4001")
	lan6 := multiaddr.StringCast("/ip6/fd00::5/tcp/4001")
	quic4 := multiaddr.StringCast("/ip4/192.168.1.5/udp/4001/quic-v1")

	tests := []struct {
		name  string
		addrs []multiaddr.Multiaddr
		want  multiaddr.Multiaddr
		ok    bool
	}{
		{name: "none", addrs: nil, ok: false},
		{name: "prefers non-loopback ipv4 tcp", addrs: []multiaddr.Multiaddr{quic4, loop4, lan6, lan4}, want: lan4, ok: true},
		{name: "falls back to any tcp", addrs: []multiaddr.Multiaddr{quic4, loop4}, want: loop4, ok: true},
		{name: "falls back to first", addrs: []multiaddr.Multiaddr{quic4}, want: quic4, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := selectAdvertisedAddress(tt.addrs)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			}
		})
	}
}

func TestBuildListenMultiAddrs(t *testing.T) {
	t.Run("dual stack with quic", func(t *testing.T) {
		addrs, err := buildListenMultiAddrs([]string{"0.0.0.0", "::"}, 4001, true)
		require.NoError(t, err)

		got := make([]string, 0, len(addrs))
		for _, a := range addrs {
			got = append(got, a.String())
		}

		assert.Equal(t, []string{
			"/ip4/0.0.0.0/tcp/4001",
			"/ip4/0.0.0.0/udp/4001/quic-v1",
			"/ip6/::/tcp/4001",
			"/ip6/::/udp/4001/quic-v1",
		}, got)
	})

	t.Run("tcp only", func(t *testing.T) {
		addrs, err := buildListenMultiAddrs([]string{testLocalhost}, 0, false)
		require.NoError(t, err)
		require.Len(t, addrs, 1)
		assert.Equal(t, "/ip4/127.0.0.1/tcp/0", addrs[0].String())
	})

	t.Run("invalid ip", func(t *testing.T) {
		_, err := buildListenMultiAddrs([]string{"localhost"}, 0, false)
		assert.Error(t, err)
	})
}
