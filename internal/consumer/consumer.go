// Package consumer drains the inbound messages stream into the outbox stream.
//
// Every inbound entry is published to the outbox at most once per idempotency key: the
// dedupe guard is written first and the outbox append only happens when that write
// created the key. With the Redis guard both steps run as one script. The inbound entry is acknowledged only after the append, or after the
// guard reported a duplicate, so a crash in between leaves the entry pending for reclaim.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_inbound_entries_total",
		Help: "Inbound entries handled by the consumer, by result",
	}, []string{"result"})
	entriesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_inbound_reclaimed_total",
		Help: "Inbound entries reclaimed from idle consumers",
	})
)

const (
	resultPublished    = "published"
	resultDuplicate    = "duplicate"
	resultPoison       = "poison"
	resultDeadLettered = "dead_lettered"
)

type Config struct {
	MessagesStream string
	OutboxStream   string
	Group          string
	Consumer       string
	BatchSize      int64
	ReadBlock      time.Duration
	MinIdle        time.Duration
	MaxDeliveries  int64
	DedupeTTL      time.Duration
	// Routes maps a channel to the gateway that delivers it.
	Routes map[string]string
}

type Consumer struct {
	cfg         Config
	log         stream.Log
	guard       outbox.DedupeGuard
	once        outbox.OnceAppender
	deadLetters outbox.DeadLetterStore
	reclaimer   *stream.Reclaimer
	logger      *slog.Logger
}

// New builds a consumer. deadLetters may be nil, in which case exhausted entries keep
// being retried. A guard that also implements outbox.OnceAppender must share storage
// with log; it then publishes with one atomic call.
func New(cfg Config, log stream.Log, guard outbox.DedupeGuard, deadLetters outbox.DeadLetterStore, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	logger = logger.With("component", "consumer", "consumer", cfg.Consumer)

	once, _ := guard.(outbox.OnceAppender)

	return &Consumer{
		cfg:         cfg,
		log:         log,
		guard:       guard,
		once:        once,
		deadLetters: deadLetters,
		logger:      logger,
		reclaimer: &stream.Reclaimer{
			Log:      log,
			Stream:   cfg.MessagesStream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			MinIdle:  cfg.MinIdle,
			Count:    cfg.BatchSize,
			Logger:   logger,
		},
	}
}

func (c *Consumer) Init(ctx context.Context) error {
	return c.log.EnsureGroup(ctx, c.cfg.MessagesStream, c.cfg.Group)
}

// RunOnce runs a reclaim pass and then processes one batch of new entries.
// It returns the number of entries it handled.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := c.reclaimer.Pass(ctx)
	if err != nil {
		return 0, err
	}
	entriesReclaimed.Add(float64(len(reclaimed)))

	handled := 0
	for _, e := range reclaimed {
		if err := c.handle(ctx, e); err != nil {
			return handled, err
		}
		handled++
	}

	fresh, err := c.log.ReadGroup(ctx, c.cfg.MessagesStream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.ReadBlock)
	if err != nil {
		return handled, fmt.Errorf("read %s: %w", c.cfg.MessagesStream, err)
	}

	for _, e := range fresh {
		if err := c.handle(ctx, e); err != nil {
			return handled, err
		}
		handled++
	}

	return handled, nil
}

func (c *Consumer) handle(ctx context.Context, e stream.Entry) error {
	if stream.Exhausted(e, c.cfg.MaxDeliveries) && c.deadLetters != nil {
		return c.deadLetter(ctx, e, "max deliveries exceeded")
	}

	in, err := envelope.DecodeInbound(e.Fields)
	if err != nil {
		// Poison message: acknowledge so one bad entry cannot block the group.
		c.logger.Error("dropping undecodable inbound entry", "entry_id", e.ID, "error", err)
		if err := c.ack(ctx, e.ID); err != nil {
			return err
		}
		entriesProcessed.WithLabelValues(resultPoison).Inc()
		return nil
	}

	key := in.IdempotencyKey()
	out := envelope.NewOutbox(in, e.ID, c.cfg.Routes)
	fields, err := envelope.EncodeOutbox(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.OutboxID, err)
	}

	created, err := c.publish(ctx, envelope.DedupeKey(key), e.ID, fields)
	if err != nil {
		return fmt.Errorf("publish %s: %w", out.OutboxID, err)
	}

	if !created {
		if err := c.ack(ctx, e.ID); err != nil {
			return err
		}
		entriesProcessed.WithLabelValues(resultDuplicate).Inc()
		c.logger.Info("duplicate inbound message acknowledged", "entry_id", e.ID, "idempotency_key", key, "deliveries", e.Deliveries)
		return nil
	}

	if err := c.ack(ctx, e.ID); err != nil {
		return err
	}

	entriesProcessed.WithLabelValues(resultPublished).Inc()
	c.logger.Info("inbound message published to outbox",
		"entry_id", e.ID,
		"outbox_id", out.OutboxID,
		"channel", out.Route.Channel,
		"deliveries", e.Deliveries,
	)
	return nil
}

// publish writes the dedupe key and appends the outbox entry only when the write created
// the key. It reports false for a duplicate.
func (c *Consumer) publish(ctx context.Context, dedupeKey, value string, fields map[string]string) (bool, error) {
	if c.once != nil {
		_, created, err := c.once.AppendOnce(ctx, dedupeKey, value, c.cfg.DedupeTTL, c.cfg.OutboxStream, fields)
		return created, err
	}

	created, err := c.guard.SetIfAbsent(ctx, dedupeKey, value, c.cfg.DedupeTTL)
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", dedupeKey, err)
	}
	if !created {
		return false, nil
	}

	if _, err := c.log.Append(ctx, c.cfg.OutboxStream, fields); err != nil {
		if !errors.Is(err, stream.ErrRejected) {
			// The append may have landed, so the key stays and a retry acks as duplicate.
			c.logger.Error("outbox append outcome unknown, keeping dedupe key", "dedupe_key", dedupeKey, "error", err)
			return false, err
		}
		if relErr := c.guard.Release(ctx, dedupeKey); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release %s: %w", dedupeKey, relErr))
		}
		return false, err
	}
	return true, nil
}

func (c *Consumer) deadLetter(ctx context.Context, e stream.Entry, reason string) error {
	dl := &outbox.DeadLetter{
		Stream:     c.cfg.MessagesStream,
		EntryID:    e.ID,
		Reason:     reason,
		Deliveries: e.Deliveries,
		Fields:     e.Fields,
		FailedAt:   time.Now().UTC(),
	}
	if err := c.deadLetters.Put(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	if err := c.ack(ctx, e.ID); err != nil {
		return err
	}

	entriesProcessed.WithLabelValues(resultDeadLettered).Inc()
	c.logger.Warn("inbound entry dead-lettered", "entry_id", e.ID, "deliveries", e.Deliveries, "reason", reason)
	return nil
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if err := c.log.Ack(ctx, c.cfg.MessagesStream, c.cfg.Group, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}
