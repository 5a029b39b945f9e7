package kafka

import (
	"context"
	"errors"
	"testing"

	"omnirelay/internal/domain/outbox"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestGatewayDeliverKeysByConversation(t *testing.T) {
	w := &recordingWriter{}
	gw := &Gateway{writer: w, topic: "channel-outbound"}

	err := gw.Deliver(context.Background(), outbox.Delivery{
		OutboxID:       "telegram:9:out",
		Channel:        "telegram",
		Gateway:        "tg",
		ConversationID: "conv-9",
		Payload:        []byte(`{"text":"hi"}`),
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "conv-9", string(msg.Key))
	assert.Equal(t, `{"text":"hi"}`, string(msg.Value))
	assert.Equal(t, "telegram:9:out", header(msg, "idempotency-key"))
	assert.Equal(t, "tg", header(msg, "gateway"))
}

func TestGatewayDeliverFallsBackToOutboxKey(t *testing.T) {
	w := &recordingWriter{}
	gw := &Gateway{writer: w, topic: "t"}

	require.NoError(t, gw.Deliver(context.Background(), outbox.Delivery{OutboxID: "sms:1:out"}))
	assert.Equal(t, "sms:1:out", string(w.msgs[0].Key))
}

func TestGatewayDeliverError(t *testing.T) {
	gw := &Gateway{writer: &recordingWriter{err: errors.New("leader not available")}, topic: "t"}

	err := gw.Deliver(context.Background(), outbox.Delivery{OutboxID: "sms:1:out"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}
