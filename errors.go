package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned when the bounded outbound queue is full.
	// The caller must retry later or drop the request.
	ErrBackpressure = errors.New("outbound queue full")
	// ErrAddressUnavailable is returned until the node has bound its first listener.
	ErrAddressUnavailable = errors.New("local address not yet available")
	// ErrNotSubscribed is returned when publishing to a topic the node has not joined.
	ErrNotSubscribed = errors.New("topic not subscribed")
	// ErrNoTopicPeers is returned when a publish finds no connected peer interested in the topic.
	ErrNoTopicPeers = errors.New("no peers subscribed to topic")
	// ErrMissingPeerIdentity is returned for addresses without a /p2p/<id> suffix.
	ErrMissingPeerIdentity = errors.New("address has no peer identity")
	// ErrNodeStopped is returned for requests made after the node was stopped.
	ErrNodeStopped = errors.New("node stopped")
)

// TransportError reports a bind, dial or handshake failure. It is never fatal
// to the engine: the operation is abandoned and the error is logged.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolValidationError describes why an inbound gossip frame was rejected.
type ProtocolValidationError struct {
	Reason string
	Err    error
}

func (e *ProtocolValidationError) Error() string {
	if e.Err == nil {
		return "invalid gossip message: " + e.Reason
	}

	return fmt.Sprintf("invalid gossip message: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolValidationError) Unwrap() error { return e.Err }

// AddressParseError rejects a single dial request whose address string is malformed.
type AddressParseError struct {
	Input string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("invalid address %q: %v", e.Input, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }
