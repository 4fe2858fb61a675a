package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	p2p "github.com/commlink/go-p2p"
	"github.com/libp2p/go-libp2p/core/peer"
)

const defaultBlockDuration = time.Hour

var errQuit = errors.New("quit")

// shell reads commands from in and prints engine events to out. Lines starting
// with a slash are commands; any other non-empty line is broadcast.
type shell struct {
	node p2p.NodeI
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newShell(node p2p.NodeI, in io.Reader, out io.Writer) *shell {
	return &shell{node: node, in: in, out: out}
}

func (s *shell) run(ctx context.Context) error {
	bridge := s.node.Bridge()

	go s.printEvents(ctx, bridge.Events())

	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := s.handleLine(line); err != nil {
				return err
			}
		}
	}
}

func (s *shell) handleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	bridge := s.node.Bridge()

	switch {
	case line == "/quit":
		return errQuit
	case line == "/addr":
		if addr := bridge.CurrentLocalAddress(); addr != "" {
			s.printf("%s\n", addr)
		} else {
			s.printf("local address not yet available\n")
		}
	case line == "/peers":
		peers := s.node.Connections()
		if len(peers) == 0 {
			s.printf("no peers\n")
		}

		for _, p := range peers {
			s.printf("%s %s\n", p.ID, p.State)
		}
	case line == "/status":
		s.printf("%s %s up %s, %d peers\n", s.node.GetProcessName(), s.node.HostID(), s.node.Uptime().Round(time.Second), len(s.node.Connections()))
	case strings.HasPrefix(line, "/cancel"):
		id := p2p.RequestID(strings.TrimSpace(strings.TrimPrefix(line, "/cancel")))
		if err := bridge.CancelDial(id); err != nil {
			s.printf("cancel rejected: %v\n", err)
		}
	case strings.HasPrefix(line, "/block"):
		s.block(strings.Fields(strings.TrimPrefix(line, "/block")))
	case strings.HasPrefix(line, "/unblock"):
		p, err := peer.Decode(strings.TrimSpace(strings.TrimPrefix(line, "/unblock")))
		if err != nil {
			s.printf("invalid peer id: %v\n", err)
			return nil
		}

		s.node.UnblockPeer(p)
		s.printf("unblocked %s\n", p)
	case strings.HasPrefix(line, "/dial"):
		addr := strings.TrimSpace(strings.TrimPrefix(line, "/dial"))

		id, err := bridge.Dial(addr)
		if err != nil {
			s.printf("dial rejected: %v\n", err)
			return nil
		}

		s.printf("dialing %s (%s)\n", addr, id)
	default:
		if _, err := bridge.Broadcast(line); err != nil {
			if errors.Is(err, p2p.ErrBackpressure) {
				s.printf("busy, message dropped\n")
				return nil
			}

			s.printf("message not sent: %v\n", err)
		}
	}

	return nil
}

// block handles "/block <peer-id> [duration]".
func (s *shell) block(args []string) {
	if len(args) == 0 || len(args) > 2 {
		s.printf("usage: /block <peer-id> [duration]\n")
		return
	}

	p, err := peer.Decode(args[0])
	if err != nil {
		s.printf("invalid peer id: %v\n", err)
		return
	}

	duration := defaultBlockDuration

	if len(args) == 2 {
		if duration, err = time.ParseDuration(args[1]); err != nil || duration <= 0 {
			s.printf("invalid duration %q\n", args[1])
			return
		}
	}

	if err := s.node.BlockPeer(p, duration); err != nil {
		s.printf("block failed: %v\n", err)
		return
	}

	s.printf("blocked %s for %s\n", p, duration)
}

func (s *shell) printEvents(ctx context.Context, events <-chan p2p.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.printEvent(ev)
		}
	}
}

func (s *shell) printEvent(ev p2p.Event) {
	switch e := ev.(type) {
	case p2p.MessageReceived:
		s.printf("%s: %s\n", e.Sender, e.Text)
	case p2p.LocalAddressReady:
		s.printf("Connect to me on: %s\n", e.Address)
	case p2p.DialFailed:
		s.printf("dial %s failed: %v\n", e.Address, e.Err)
	case p2p.PublishFailed:
		s.printf("message not sent: %v\n", e.Err)
	case p2p.PeerConnected:
		s.printf("peer %s connected\n", e.Peer)
	case p2p.PeerDisconnected:
		s.printf("peer %s disconnected\n", e.Peer)
	}
}

func (s *shell) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = fmt.Fprintf(s.out, format, args...)
}
