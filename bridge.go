package p2p

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const dialQueueCapacity = 16

// Event is something the engine tells the shell.
type Event interface {
	isEvent()
}

// MessageReceived is emitted once per distinct message id within the dedup window.
type MessageReceived struct {
	ID     MessageID
	Text   string
	Sender peer.ID
}

// LocalAddressReady is emitted exactly once, when the first listener is bound.
type LocalAddressReady struct {
	Address multiaddr.Multiaddr
}

// DialFailed reports an abandoned dial request.
type DialFailed struct {
	Request RequestID
	Address string
	Err     error
}

// PublishFailed reports a broadcast the overlay could not publish.
type PublishFailed struct {
	Request RequestID
	Err     error
}

// PeerConnected reports a newly established session.
type PeerConnected struct {
	Peer peer.ID
}

// PeerDisconnected reports that the last session to a peer closed.
type PeerDisconnected struct {
	Peer peer.ID
}

func (MessageReceived) isEvent()   {}
func (LocalAddressReady) isEvent() {}
func (DialFailed) isEvent()        {}
func (PublishFailed) isEvent()     {}
func (PeerConnected) isEvent()     {}
func (PeerDisconnected) isEvent()  {}

type outboundRequest struct {
	id      RequestID
	payload []byte
}

type dialRequest struct {
	id      RequestID
	address string
	info    peer.AddrInfo
}

// addressCell is written at most once and read without locking afterwards.
type addressCell struct {
	once  sync.Once
	ready chan struct{}
	addr  multiaddr.Multiaddr
}

func newAddressCell() *addressCell {
	return &addressCell{ready: make(chan struct{})}
}

// set stores addr if the cell is empty and reports whether it did.
func (c *addressCell) set(addr multiaddr.Multiaddr) bool {
	stored := false

	c.once.Do(func() {
		c.addr = addr
		stored = true
		close(c.ready)
	})

	return stored
}

func (c *addressCell) get() (multiaddr.Multiaddr, bool) {
	select {
	case <-c.ready:
		return c.addr, true
	default:
		return nil, false
	}
}

// Bridge is the only surface shared between the shell and the engine. It is
// created once and handed to both; the shell produces requests and consumes
// events, the swarm loop does the opposite.
type Bridge struct {
	outbound chan outboundRequest
	dials    chan dialRequest
	cancels  chan RequestID
	events   chan Event
	local    *addressCell
	closed   chan struct{}
	close    sync.Once
}

// NewBridge creates a bridge whose event channel holds eventBuffer items.
func NewBridge(eventBuffer int) *Bridge {
	if eventBuffer <= 0 {
		eventBuffer = 1
	}

	return &Bridge{
		outbound: make(chan outboundRequest, OutboundQueueCapacity),
		dials:    make(chan dialRequest, dialQueueCapacity),
		cancels:  make(chan RequestID, dialQueueCapacity),
		events:   make(chan Event, eventBuffer),
		local:    newAddressCell(),
		closed:   make(chan struct{}),
	}
}

// Dial asks the engine to connect to address. A malformed address is rejected
// here with an *AddressParseError and never reaches the transport; otherwise
// the outcome arrives later as PeerConnected or DialFailed.
func (b *Bridge) Dial(address string) (RequestID, error) {
	if b.isClosed() {
		return "", ErrNodeStopped
	}

	info, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	req := dialRequest{id: newRequestID(), address: address, info: info}

	select {
	case b.dials <- req:
		return req.id, nil
	default:
		return "", ErrBackpressure
	}
}

// CancelDial asks the engine to abandon a pending dial. A cancelled dial is
// reported as DialFailed; cancelling one that already finished does nothing.
func (b *Bridge) CancelDial(id RequestID) error {
	if b.isClosed() {
		return ErrNodeStopped
	}

	select {
	case b.cancels <- id:
		return nil
	default:
		return ErrBackpressure
	}
}

// Broadcast queues text for publication. The queue holds a single item, so a
// second call before the engine drains the first returns ErrBackpressure.
func (b *Bridge) Broadcast(text string) (RequestID, error) {
	if b.isClosed() {
		return "", ErrNodeStopped
	}

	req := outboundRequest{id: newRequestID(), payload: []byte(text)}

	select {
	case b.outbound <- req:
		return req.id, nil
	default:
		return "", ErrBackpressure
	}
}

// LocalAddress returns the connectable address of this node, or
// ErrAddressUnavailable until the first listener is bound. Once set it never changes.
func (b *Bridge) LocalAddress() (multiaddr.Multiaddr, error) {
	addr, ok := b.local.get()
	if !ok {
		return nil, ErrAddressUnavailable
	}

	return addr, nil
}

// CurrentLocalAddress is LocalAddress rendered as text, empty when unavailable.
func (b *Bridge) CurrentLocalAddress() string {
	addr, ok := b.local.get()
	if !ok {
		return ""
	}

	return addr.String()
}

// WaitLocalAddress blocks until the local address is known or ctx is done.
func (b *Bridge) WaitLocalAddress(ctx context.Context) (multiaddr.Multiaddr, error) {
	select {
	case <-b.local.ready:
		return b.local.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events is the notification stream for the shell. It must be drained: a full
// buffer holds the swarm loop back.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// publishLocalAddress stores addr on first use and reports whether it did.
func (b *Bridge) publishLocalAddress(addr multiaddr.Multiaddr) bool {
	return b.local.set(addr)
}

// emit delivers ev to the shell, waiting while the buffer is full.
func (b *Bridge) emit(ctx context.Context, ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) shutdown() {
	b.close.Do(func() { close(b.closed) })
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func newRequestID() RequestID {
	return RequestID(uuid.NewString())
}
