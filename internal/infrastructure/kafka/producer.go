package kafka

import (
	"context"
	"fmt"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Gateway delivers outbox envelopes by publishing them to the channel adapters' topic.
// Messages are keyed by conversation so one conversation stays on one partition.
type Gateway struct {
	writer messageWriter
	topic  string
}

func NewGateway(cfg Config) *Gateway {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Gateway{writer: w, topic: cfg.Topic}
}

var _ outbox.Gateway = (*Gateway)(nil)

func (g *Gateway) Deliver(ctx context.Context, d outbox.Delivery) error {
	key := d.ConversationID
	if key == "" {
		key = d.OutboxID
	}

	err := g.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: d.Payload,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(d.OutboxID)},
			{Key: "channel", Value: []byte(d.Channel)},
			{Key: "gateway", Value: []byte(d.Gateway)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to %s: %w", g.topic, err)
	}
	return nil
}

func (g *Gateway) Topic() string {
	return g.topic
}

func (g *Gateway) Close() error {
	return g.writer.Close()
}
