package p2p

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
)

const envelopeVersion = 1

// MessageID identifies one publish event across the whole network.
type MessageID string

// Envelope is the payload carried inside a signed pubsub message. The send
// timestamp travels with the body so every node derives the same MessageID.
type Envelope struct {
	Version uint8  `cbor:"1,keyasint"`
	SentAt  int64  `cbor:"2,keyasint"` // unix nanoseconds at the publisher
	Body    []byte `cbor:"3,keyasint"`
}

// GossipMessage is a validated message as handed to the application.
type GossipMessage struct {
	ID      MessageID
	From    peer.ID // originator, authenticated by the message signature
	Via     peer.ID // neighbour that forwarded it to us
	SentAt  int64
	Payload []byte
}

var envelopeDecMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return dm
}

// NewMessageID hashes the body together with its send timestamp. Two publishes
// of identical text at different instants get different ids.
func NewMessageID(body []byte, sentAt int64) MessageID {
	var ts [8]byte

	binary.BigEndian.PutUint64(ts[:], uint64(sentAt))

	d := xxhash.New()
	_, _ = d.Write(body)
	_, _ = d.Write(ts[:])

	return MessageID(strconv.FormatUint(d.Sum64(), 16))
}

func encodeEnvelope(body []byte, sentAt int64) ([]byte, error) {
	return cbor.Marshal(Envelope{Version: envelopeVersion, SentAt: sentAt, Body: body})
}

// decodeEnvelope parses and structurally checks a wire payload.
func decodeEnvelope(data []byte, maxBody int) (*Envelope, error) {
	if len(data) == 0 {
		return nil, &ProtocolValidationError{Reason: "empty payload"}
	}

	var env Envelope
	if err := envelopeDecMode.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolValidationError{Reason: "malformed envelope", Err: err}
	}

	if env.Version != envelopeVersion {
		return nil, &ProtocolValidationError{Reason: fmt.Sprintf("unsupported version %d", env.Version)}
	}

	if env.SentAt <= 0 {
		return nil, &ProtocolValidationError{Reason: "missing timestamp"}
	}

	if maxBody > 0 && len(env.Body) > maxBody {
		return nil, &ProtocolValidationError{Reason: fmt.Sprintf("body of %d bytes exceeds %d", len(env.Body), maxBody)}
	}

	return &env, nil
}

// messageIDFn is installed into the pubsub router. Payloads that are not valid
// envelopes fall back to the default from+seqno id; the validator rejects them anyway.
func messageIDFn(pmsg *pb.Message) string {
	env, err := decodeEnvelope(pmsg.GetData(), 0)
	if err != nil {
		return pubsub.DefaultMsgIdFn(pmsg)
	}

	return string(NewMessageID(env.Body, env.SentAt))
}
