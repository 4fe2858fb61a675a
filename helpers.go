package p2p

import (
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

const (
	multiAddrIP4Template = "/ip4/%s/tcp/%d"
	multiAddrIP6Template = "/ip6/%s/tcp/%d"
	quicIP4Template      = "/ip4/%s/udp/%d/quic-v1"
	quicIP6Template      = "/ip6/%s/udp/%d/quic-v1"
)

// getIPFromMultiaddr returns the DNS name or IP carried by the address.
func getIPFromMultiaddr(addr multiaddr.Multiaddr) (string, error) {
	for _, code := range []int{multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_IP4, multiaddr.P_IP6} {
		if value, err := addr.ValueForProtocol(code); err == nil {
			return value, nil
		}
	}

	return "", fmt.Errorf("no IP or DNS component found in multiaddr")
}

func extractIPFromMultiaddr(addr multiaddr.Multiaddr) string {
	parts := strings.Split(addr.String(), "/")
	for i, part := range parts {
		if part == "ip4" || part == "ip6" {
			if i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}

	return ""
}

// isPrivateIP checks if an IP address is private according to RFC 1918 and RFC 3927
func isPrivateIP(addr multiaddr.Multiaddr) bool {
	ipStr := extractIPFromMultiaddr(addr)
	if ipStr == "" {
		return false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func isLoopback(addr multiaddr.Multiaddr) bool {
	ip := net.ParseIP(extractIPFromMultiaddr(addr))
	return ip != nil && ip.IsLoopback()
}

func hasProtocol(addr multiaddr.Multiaddr, code int) bool {
	_, err := addr.ValueForProtocol(code)
	return err == nil
}

// trimForLog keeps debug lines short for large payloads.
func trimForLog(b []byte) string {
	const limit = 64

	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}

	return s
}
