// Package p2p provides a brokerless broadcast messaging engine built on libp2p.
// Nodes establish encrypted, multiplexed sessions with each other, join a shared
// topic, and flood text messages to every interested peer with signature
// validation and a time-windowed deduplication cache.
//
// The engine is driven by a single swarm event loop that owns all connection
// state. Callers talk to it through a Bridge: they request dials and broadcasts,
// and receive MessageReceived and LocalAddressReady events back.
package p2p
