package p2p

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnState is the lifecycle of a session to one remote identity.
type ConnState int

const (
	ConnDialing ConnState = iota
	ConnHandshaking
	ConnEstablished
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnDialing:
		return "dialing"
	case ConnHandshaking:
		return "handshaking"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the swarm's record of a session with a remote peer.
type Connection struct {
	Peer      peer.ID
	Direction network.Direction
	State     ConnState
	Opened    time.Time
	Request   RequestID // set for dials requested through the bridge
}

// advance moves the connection forward in its lifecycle. Backward moves and
// moves out of Closed are refused.
func (c *Connection) advance(to ConnState) bool {
	if c.State == ConnClosed || to <= c.State {
		return false
	}

	c.State = to

	return true
}

// connTable holds every known connection. It is only touched from the swarm loop.
type connTable struct {
	conns map[peer.ID]*Connection
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[peer.ID]*Connection)}
}

// ensure returns the live record for p, creating it in the given initial state.
// A record that is closing belongs to the old session and is replaced.
func (t *connTable) ensure(p peer.ID, initial ConnState, dir network.Direction) *Connection {
	if c, ok := t.conns[p]; ok && c.State < ConnClosing {
		return c
	}

	c := &Connection{Peer: p, Direction: dir, State: initial}
	t.conns[p] = c

	return c
}

func (t *connTable) get(p peer.ID) (*Connection, bool) {
	c, ok := t.conns[p]
	return c, ok
}

// close marks p closed and forgets it.
func (t *connTable) close(p peer.ID) {
	if c, ok := t.conns[p]; ok {
		c.advance(ConnClosed)
		delete(t.conns, p)
	}
}

func (t *connTable) established() int {
	n := 0

	for _, c := range t.conns {
		if c.State == ConnEstablished {
			n++
		}
	}

	return n
}

func (t *connTable) snapshot() []Connection {
	out := make([]Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })

	return out
}

// idleTracker remembers since when each connection has had no open streams.
type idleTracker struct {
	since map[string]time.Time
}

func newIdleTracker() *idleTracker {
	return &idleTracker{since: make(map[string]time.Time)}
}

// observe records the stream count of a connection at time now.
func (it *idleTracker) observe(connID string, streams int, now time.Time) {
	if streams > 0 {
		delete(it.since, connID)
		return
	}

	if _, ok := it.since[connID]; !ok {
		it.since[connID] = now
	}
}

// expired returns the connections idle for at least timeout and stops tracking them.
func (it *idleTracker) expired(now time.Time, timeout time.Duration) []string {
	var out []string

	for id, since := range it.since {
		if now.Sub(since) >= timeout {
			out = append(out, id)
			delete(it.since, id)
		}
	}

	sort.Strings(out)

	return out
}

// retain drops tracking for connections that no longer exist.
func (it *idleTracker) retain(live map[string]struct{}) {
	for id := range it.since {
		if _, ok := live[id]; !ok {
			delete(it.since, id)
		}
	}
}
