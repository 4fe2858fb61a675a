package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ParseAddress turns a textual multiaddress such as
// /ip4/10.0.0.2/tcp/4001/p2p/12D3KooW... into dialable peer info.
// The peer identity suffix is mandatory: sessions are mutually authenticated, so
// a dial must know which identity it expects on the other side.
func ParseAddress(s string) (peer.AddrInfo, error) {
	input := strings.TrimSpace(s)
	if input == "" {
		return peer.AddrInfo{}, &AddressParseError{Input: s, Err: fmt.Errorf("empty address")}
	}

	maddr, err := multiaddr.NewMultiaddr(input)
	if err != nil {
		return peer.AddrInfo{}, &AddressParseError{Input: s, Err: err}
	}

	if !hasProtocol(maddr, multiaddr.P_P2P) {
		return peer.AddrInfo{}, &AddressParseError{Input: s, Err: ErrMissingPeerIdentity}
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, &AddressParseError{Input: s, Err: err}
	}

	if len(info.Addrs) == 0 {
		return peer.AddrInfo{}, &AddressParseError{Input: s, Err: fmt.Errorf("no transport address before /p2p")}
	}

	return *info, nil
}

// CanonicalAddress renders addr with the /p2p/<id> suffix, adding it only if missing.
func CanonicalAddress(addr multiaddr.Multiaddr, id peer.ID) (multiaddr.Multiaddr, error) {
	if hasProtocol(addr, multiaddr.P_P2P) {
		return addr, nil
	}

	suffix, err := multiaddr.NewMultiaddr("/p2p/" + id.String())
	if err != nil {
		return nil, err
	}

	return addr.Encapsulate(suffix), nil
}

// selectAdvertisedAddress picks the one address reported to the shell: the first
// non-loopback IPv4 TCP address, then any TCP address, then whatever comes first.
func selectAdvertisedAddress(addrs []multiaddr.Multiaddr) (multiaddr.Multiaddr, bool) {
	if len(addrs) == 0 {
		return nil, false
	}

	for _, a := range addrs {
		if hasProtocol(a, multiaddr.P_IP4) && hasProtocol(a, multiaddr.P_TCP) && !isLoopback(a) {
			return a, true
		}
	}

	for _, a := range addrs {
		if hasProtocol(a, multiaddr.P_TCP) {
			return a, true
		}
	}

	return addrs[0], true
}

// buildListenMultiAddrs expands listen IPs into TCP and optionally QUIC multiaddrs.
func buildListenMultiAddrs(ips []string, port int, quic bool) ([]multiaddr.Multiaddr, error) {
	result := make([]multiaddr.Multiaddr, 0, len(ips)*2)

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid listen IP %q", ipStr)
		}

		tcpTemplate, quicTemplate := multiAddrIP4Template, quicIP4Template
		if ip.To4() == nil {
			tcpTemplate, quicTemplate = multiAddrIP6Template, quicIP6Template
		}

		tcpAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf(tcpTemplate, ip.String(), port))
		if err != nil {
			return nil, err
		}

		result = append(result, tcpAddr)

		if !quic {
			continue
		}

		quicAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf(quicTemplate, ip.String(), port))
		if err != nil {
			return nil, err
		}

		result = append(result, quicAddr)
	}

	return result, nil
}

// buildAdvertiseMultiAddrs constructs multiaddrs from host strings with optional ports.
// Invalid entries are logged and skipped.
func buildAdvertiseMultiAddrs(log Logger, addrs []string, defaultPort int) []multiaddr.Multiaddr {
	result := make([]multiaddr.Multiaddr, 0, len(addrs))

	for _, addr := range addrs {
		hostStr := addr
		portNum := defaultPort

		if h, p, err := net.SplitHostPort(addr); err == nil {
			hostStr = h

			pi, err := strconv.Atoi(p)
			if err != nil {
				log.Debugf("[Transport] invalid port in advertise address: %s, error: %v", addr, err)
				continue
			}

			portNum = pi
		}

		var (
			maddr multiaddr.Multiaddr
			err   error
		)

		if ip := net.ParseIP(hostStr); ip != nil {
			template := multiAddrIP4Template
			if ip.To4() == nil {
				template = multiAddrIP6Template
			}

			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf(template, hostStr, portNum))
		} else {
			if strings.Contains(hostStr, ":") {
				log.Debugf("[Transport] invalid DNS name in advertise address: %s", addr)
				continue
			}

			maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/dns4/%s/tcp/%d", hostStr, portNum))
		}

		if err != nil {
			log.Debugf("[Transport] invalid advertise address: %s, error: %v", addr, err)
			continue
		}

		result = append(result, maddr)
	}

	return result
}
