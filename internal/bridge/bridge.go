// Package bridge moves records from a Kafka topic into the messages stream. A record's
// offset is committed only once the record is in the stream or in the dead-letter store,
// and the next record is not fetched before that happens.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var bridgeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_bridge_records_total",
	Help: "Kafka records handled by the ingest bridge, by result",
}, []string{"result"})

// Source is a Kafka reader with explicit commits.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Ingester interface {
	ExecuteRaw(ctx context.Context, raw []byte) (string, error)
}

type DeadLetters interface {
	Put(ctx context.Context, dl *outbox.DeadLetter) error
}

type Config struct {
	MessagesStream string
	// MaxRetries is the number of ingest retries before a record is dead-lettered.
	MaxRetries int
	// Backoff is the first retry delay; it doubles on every attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type Bridge struct {
	cfg         Config
	source      Source
	ingester    Ingester
	deadLetters DeadLetters
	logger      *slog.Logger
}

func New(cfg Config, source Source, ingester Ingester, deadLetters DeadLetters, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Bridge{
		cfg:         cfg,
		source:      source,
		ingester:    ingester,
		deadLetters: deadLetters,
		logger:      logger.With("component", "bridge"),
	}
}

// Run fetches and settles records until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		msg, err := b.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("failed to fetch message", "error", err)
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if !b.settle(ctx, msg) {
			b.logger.Info("stopping with record unsettled, offset left uncommitted", "position", position(msg))
			return nil
		}
		if err := b.source.CommitMessages(ctx, msg); err != nil {
			b.logger.Error("failed to commit kafka message", "position", position(msg), "error", err)
		}
	}
}

// settle reports true once msg is in the stream, dropped as undecodable, or parked in
// the dead-letter store. It keeps working on msg until one of those happens and returns
// false only when ctx is cancelled.
func (b *Bridge) settle(ctx context.Context, msg kafka.Message) bool {
	for {
		lastErr := b.ingest(ctx, msg)
		if lastErr == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		err := b.deadLetters.Put(ctx, &outbox.DeadLetter{
			Stream:     b.cfg.MessagesStream,
			EntryID:    position(msg),
			Reason:     lastErr.Error(),
			Deliveries: int64(b.cfg.MaxRetries + 1),
			Fields:     map[string]string{envelope.FieldPayload: string(msg.Value)},
			FailedAt:   time.Now().UTC(),
		})
		if err == nil {
			bridgeRecords.WithLabelValues("dead_lettered").Inc()
			b.logger.Warn("record dead-lettered", "position", position(msg), "reason", lastErr)
			return true
		}

		b.logger.Error("failed to dead-letter record, retrying it", "position", position(msg), "error", err)
		if !sleep(ctx, b.backoff(b.cfg.MaxRetries+1)) {
			return false
		}
	}
}

// ingest appends msg with retries. It returns nil when the record needs no further work.
func (b *Bridge) ingest(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.backoff(attempt)
			b.logger.Info("retry attempt", "attempt", attempt, "max", b.cfg.MaxRetries, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
		}

		id, err := b.ingester.ExecuteRaw(ctx, msg.Value)
		if err == nil {
			bridgeRecords.WithLabelValues("ingested").Inc()
			b.logger.Debug("record ingested", "position", position(msg), "entry_id", id)
			return nil
		}
		if errors.Is(err, envelope.ErrInvalidEnvelope) {
			bridgeRecords.WithLabelValues("poison").Inc()
			b.logger.Error("dropping undecodable record", "position", position(msg), "error", err)
			return nil
		}

		lastErr = err
		b.logger.Error("ingest failed", "position", position(msg), "error", err)
	}
	return lastErr
}

func (b *Bridge) backoff(attempt int) time.Duration {
	d := b.cfg.Backoff
	for i := 1; i < attempt && d < b.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, b.cfg.MaxBackoff)
}

func position(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
