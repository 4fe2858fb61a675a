package p2p

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageID(t *testing.T) {
	body := []byte("hello")
	now := time.Now().UnixNano()

	t.Run("same body and timestamp give the same id", func(t *testing.T) {
		assert.Equal(t, NewMessageID(body, now), NewMessageID(body, now))
	})

	t.Run("same body at different instants gives different ids", func(t *testing.T) {
		assert.NotEqual(t, NewMessageID(body, now), NewMessageID(body, now+1))
	})

	t.Run("different bodies give different ids", func(t *testing.T) {
		assert.NotEqual(t, NewMessageID([]byte("hello"), now), NewMessageID([]byte("world"), now))
	})

	t.Run("empty body is valid", func(t *testing.T) {
		assert.NotEmpty(t, NewMessageID(nil, now))
	})
}

func TestEnvelopeCodec(t *testing.T) {
	sentAt := time.Now().UnixNano()

	data, err := encodeEnvelope([]byte("hello"), sentAt)
	require.NoError(t, err)

	env, err := decodeEnvelope(data, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint8(envelopeVersion), env.Version)
	assert.Equal(t, sentAt, env.SentAt)
	assert.Equal(t, []byte("hello"), env.Body)
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	valid := func(body []byte, sentAt int64) []byte {
		data, err := encodeEnvelope(body, sentAt)
		require.NoError(t, err)

		return data
	}

	unknownField, err := cbor.Marshal(map[int]interface{}{1: envelopeVersion, 2: int64(1), 3: []byte("x"), 9: "extra"})
	require.NoError(t, err)

	badVersion, err := cbor.Marshal(Envelope{Version: 7, SentAt: 1, Body: []byte("x")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{name: "empty", data: nil, reason: "empty payload"},
		{name: "not cbor", data: []byte("plain text"), reason: "malformed envelope"},
		{name: "unknown field", data: unknownField, reason: "malformed envelope"},
		{name: "unsupported version", data: badVersion, reason: "unsupported version 7"},
		{name: "missing timestamp", data: valid([]byte("x"), 0), reason: "missing timestamp"},
		{name: "body too large", data: valid(make([]byte, 33), 1), reason: "body of 33 bytes exceeds 32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope(tt.data, 32)
			require.Error(t, err)
			assert.Nil(t, env)

			var pve *ProtocolValidationError
			require.ErrorAs(t, err, &pve)
			assert.Equal(t, tt.reason, pve.Reason)
		})
	}
}

func TestMessageIDFn(t *testing.T) {
	sentAt := time.Now().UnixNano()

	data, err := encodeEnvelope([]byte("hello"), sentAt)
	require.NoError(t, err)

	t.Run("envelope ids ignore the sender", func(t *testing.T) {
		a := &pb.Message{Data: data, From: []byte("peer-a"), Seqno: []byte{1}}
		b := &pb.Message{Data: data, From: []byte("peer-b"), Seqno: []byte{2}}

		assert.Equal(t, string(NewMessageID([]byte("hello"), sentAt)), messageIDFn(a))
		assert.Equal(t, messageIDFn(a), messageIDFn(b))
	})

	t.Run("invalid payloads fall back to from and seqno", func(t *testing.T) {
		a := &pb.Message{Data: []byte("junk"), From: []byte("peer-a"), Seqno: []byte{1}}
		b := &pb.Message{Data: []byte("junk"), From: []byte("peer-a"), Seqno: []byte{2}}

		assert.NotEqual(t, messageIDFn(a), messageIDFn(b))
	})
}

func BenchmarkNewMessageID(b *testing.B) {
	body := make([]byte, 1024)
	sentAt := time.Now().UnixNano()

	b.SetBytes(int64(len(body)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = NewMessageID(body, sentAt+int64(i))
	}
}

func BenchmarkDecodeEnvelope(b *testing.B) {
	data, err := encodeEnvelope(make([]byte, 1024), time.Now().UnixNano())
	require.NoError(b, err)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = decodeEnvelope(data, 1<<20)
	}
}
