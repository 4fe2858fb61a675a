package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// rpcOverhead leaves room for the envelope, signature and protobuf framing on
// top of the configured body limit.
const rpcOverhead = 4 << 10

// TopicPeerEvent reports a remote peer joining or leaving a topic.
type TopicPeerEvent struct {
	Topic  string
	Peer   peer.ID
	Joined bool
}

type topicState struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
}

// GossipEngine implements GossipOverlay on top of a libp2p pubsub router.
// The router does signing, signature checks, the wire-level seen cache and
// forwarding to every subscribed neighbour except the one a message came from.
// The engine adds the envelope format, a strict topic validator, the
// application dedup window and delivery filtering.
type GossipEngine struct {
	config  Config
	logger  Logger
	self    peer.ID
	ps      *pubsub.PubSub
	clock   clock.Clock
	metrics *Metrics
	dedup   *DedupCache

	mu     sync.RWMutex
	topics map[string]*topicState

	lastSentAt atomic.Int64
	inbound    chan *pubsub.Message
	peerEvents chan TopicPeerEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ GossipOverlay = (*GossipEngine)(nil)

// NewGossipEngine starts the configured router on h.
func NewGossipEngine(ctx context.Context, h host.Host, logger Logger, config Config, clk clock.Clock, metrics *Metrics) (*GossipEngine, error) {
	if clk == nil {
		clk = clock.New()
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	dedup, err := NewDedupCache(config.DedupCacheSize, config.DedupWindow)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	e := &GossipEngine{
		config:     config,
		logger:     logger,
		self:       h.ID(),
		clock:      clk,
		metrics:    metrics,
		dedup:      dedup,
		topics:     make(map[string]*topicState),
		inbound:    make(chan *pubsub.Message, config.EventBufferSize),
		peerEvents: make(chan TopicPeerEvent, config.EventBufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	opts := []pubsub.Option{
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(messageIDFn),
		pubsub.WithSeenMessagesTTL(config.DedupWindow),
		pubsub.WithMaxMessageSize(config.MaxMessageSize + rpcOverhead),
	}

	var ps *pubsub.PubSub

	switch config.Router {
	case RouterFloodSub:
		ps, err = pubsub.NewFloodSub(ctx, h, opts...)
	default:
		params := pubsub.DefaultGossipSubParams()
		params.HeartbeatInterval = config.HeartbeatInterval

		opts = append(opts,
			pubsub.WithGossipSubParams(params),
			pubsub.WithFloodPublish(true),
		)
		ps, err = pubsub.NewGossipSub(ctx, h, opts...)
	}

	if err != nil {
		cancel()
		return nil, fmt.Errorf("[Gossip] error creating %s router: %w", config.Router, err)
	}

	e.ps = ps

	return e, nil
}

// Subscribe joins topicName and starts feeding its messages and membership
// changes to the swarm. Subscribing twice is a no-op.
func (e *GossipEngine) Subscribe(_ context.Context, topicName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.topics[topicName]; ok {
		return nil
	}

	if err := e.ps.RegisterTopicValidator(topicName, e.validate); err != nil {
		return fmt.Errorf("[Gossip] error registering validator for %s: %w", topicName, err)
	}

	topic, err := e.ps.Join(topicName)
	if err != nil {
		_ = e.ps.UnregisterTopicValidator(topicName)
		return fmt.Errorf("[Gossip] error joining topic %s: %w", topicName, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("[Gossip] error subscribing to %s: %w", topicName, err)
	}

	events, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()

		return fmt.Errorf("[Gossip] error watching peers of %s: %w", topicName, err)
	}

	e.topics[topicName] = &topicState{topic: topic, sub: sub, events: events}

	e.wg.Add(2)

	go e.readMessages(topicName, sub)
	go e.readPeerEvents(topicName, events)

	e.logger.Infof("[Gossip] subscribed to topic: %s (dedup window %s)", topicName, e.dedup.Window())

	return nil
}

// Publish wraps payload in a timestamped envelope, signs it and floods it to
// every connected peer subscribed to topicName.
func (e *GossipEngine) Publish(ctx context.Context, topicName string, payload []byte) (MessageID, error) {
	e.mu.RLock()
	st, ok := e.topics[topicName]
	e.mu.RUnlock()

	if !ok {
		e.metrics.PublishFailures.Inc()
		return "", fmt.Errorf("[Gossip][Publish] %s: %w", topicName, ErrNotSubscribed)
	}

	if len(payload) > e.config.MaxMessageSize {
		e.metrics.PublishFailures.Inc()
		return "", fmt.Errorf("[Gossip][Publish] payload of %d bytes exceeds %d", len(payload), e.config.MaxMessageSize)
	}

	if len(st.topic.ListPeers()) == 0 {
		e.metrics.PublishFailures.Inc()
		return "", fmt.Errorf("[Gossip][Publish] %s: %w", topicName, ErrNoTopicPeers)
	}

	sentAt := e.nextTimestamp()

	data, err := encodeEnvelope(payload, sentAt)
	if err != nil {
		e.metrics.PublishFailures.Inc()
		return "", fmt.Errorf("[Gossip][Publish] encode error: %w", err)
	}

	if err := st.topic.Publish(ctx, data); err != nil {
		e.metrics.PublishFailures.Inc()
		return "", fmt.Errorf("[Gossip][Publish] publish error: %w", err)
	}

	id := NewMessageID(payload, sentAt)
	e.dedup.CheckAndInsert(id)
	e.metrics.Published.Inc()

	e.logger.Debugf("[Gossip][Publish] topic: %s - id: %s - message: %s", topicName, id, trimForLog(payload))

	return id, nil
}

// OnReceive applies the dedup window to a router-validated message.
func (e *GossipEngine) OnReceive(msg *pubsub.Message) (GossipMessage, bool) {
	env, ok := msg.ValidatorData.(*Envelope)
	if !ok {
		var err error

		env, err = decodeEnvelope(msg.GetData(), e.config.MaxMessageSize)
		if err != nil {
			e.metrics.Rejected.WithLabelValues("invalid_envelope").Inc()
			e.logger.Debugf("[Gossip] dropping message from %s: %v", msg.ReceivedFrom, err)

			return GossipMessage{}, false
		}
	}

	id := MessageID(msg.ID)
	if id == "" {
		id = NewMessageID(env.Body, env.SentAt)
	}

	if e.dedup.CheckAndInsert(id) {
		e.metrics.Duplicates.Inc()
		e.logger.Debugf("[Gossip] duplicate %s via %s suppressed", id, msg.ReceivedFrom)

		return GossipMessage{}, false
	}

	e.metrics.Delivered.Inc()

	return GossipMessage{
		ID:      id,
		From:    msg.GetFrom(),
		Via:     msg.ReceivedFrom,
		SentAt:  env.SentAt,
		Payload: env.Body,
	}, true
}

// validate is the strict topic validator. Rejected messages are neither
// delivered nor forwarded by the router.
func (e *GossipEngine) validate(_ context.Context, from peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if len(msg.GetSignature()) == 0 || msg.GetFrom() == "" {
		e.metrics.Rejected.WithLabelValues("unsigned").Inc()
		e.logger.Debugf("[Gossip] rejecting unsigned message via %s", from)

		return pubsub.ValidationReject
	}

	env, err := decodeEnvelope(msg.GetData(), e.config.MaxMessageSize)
	if err != nil {
		e.metrics.Rejected.WithLabelValues("invalid_envelope").Inc()
		e.logger.Debugf("[Gossip] rejecting message via %s: %v", from, err)

		return pubsub.ValidationReject
	}

	msg.ValidatorData = env

	return pubsub.ValidationAccept
}

// Inbound carries validated messages from remote peers to the swarm loop.
func (e *GossipEngine) Inbound() <-chan *pubsub.Message {
	return e.inbound
}

// PeerEvents carries topic membership changes to the swarm loop.
func (e *GossipEngine) PeerEvents() <-chan TopicPeerEvent {
	return e.peerEvents
}

// Heartbeat samples topic membership; the router runs its own mesh heartbeat
// at the same interval. It returns the number of distinct topic peers.
func (e *GossipEngine) Heartbeat() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	distinct := make(map[peer.ID]struct{})

	for name, st := range e.topics {
		peers := st.topic.ListPeers()
		for _, p := range peers {
			distinct[p] = struct{}{}
		}

		e.logger.Debugf("[Gossip] heartbeat: topic %s has %d peers", name, len(peers))
	}

	e.metrics.TopicPeers.Set(float64(len(distinct)))

	return len(distinct)
}

// TopicPeers lists connected peers subscribed to topicName.
func (e *GossipEngine) TopicPeers(topicName string) []peer.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.topics[topicName]
	if !ok {
		return nil
	}

	return st.topic.ListPeers()
}

// Close cancels subscriptions and stops the router.
func (e *GossipEngine) Close() error {
	e.mu.Lock()
	for name, st := range e.topics {
		st.sub.Cancel()
		st.events.Cancel()

		if err := st.topic.Close(); err != nil {
			e.logger.Debugf("[Gossip] error closing topic %s: %v", name, err)
		}

		delete(e.topics, name)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	return nil
}

// nextTimestamp returns the current time in nanoseconds, bumped so that it is
// strictly increasing across calls even on coarse clocks.
func (e *GossipEngine) nextTimestamp() int64 {
	for {
		last := e.lastSentAt.Load()

		now := e.clock.Now().UnixNano()
		if now <= last {
			now = last + 1
		}

		if e.lastSentAt.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (e *GossipEngine) readMessages(topicName string, sub *pubsub.Subscription) {
	defer e.wg.Done()

	for {
		m, err := sub.Next(e.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				e.logger.Errorf("[Gossip] error reading from %s topic: %v", topicName, err)
			}

			return
		}

		// The router hands our own publications back to local subscribers.
		if m.ReceivedFrom == e.self {
			continue
		}

		select {
		case e.inbound <- m:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *GossipEngine) readPeerEvents(topicName string, h *pubsub.TopicEventHandler) {
	defer e.wg.Done()

	for {
		ev, err := h.NextPeerEvent(e.ctx)
		if err != nil {
			return
		}

		select {
		case e.peerEvents <- TopicPeerEvent{Topic: topicName, Peer: ev.Peer, Joined: ev.Type == pubsub.PeerJoin}:
		case <-e.ctx.Done():
			return
		}
	}
}
