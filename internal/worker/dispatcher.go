package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var (
	deliveriesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_delivered_total",
		Help: "The total number of outbox entries delivered to the gateway",
	})
	deliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_delivery_errors_total",
		Help: "The total number of failed gateway calls",
	})
	outboxReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_reclaimed_total",
		Help: "Outbox entries reclaimed for redelivery",
	})
	outboxDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_dead_lettered_total",
		Help: "Outbox entries moved to the dead-letter store",
	})
	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_outbox_delivery_duration_seconds",
		Help:    "Time taken by a gateway call",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
	})
)

type DispatcherConfig struct {
	OutboxStream  string
	Group         string
	Consumer      string
	BatchSize     int64
	ReadBlock     time.Duration
	MinIdle       time.Duration
	MaxDeliveries int64
	// Concurrency bounds parallel gateway calls within one batch.
	Concurrency int
}

// Dispatcher delivers outbox entries to the gateway. An entry is acknowledged only after
// the gateway accepted it and its status record says sent; failed entries stay pending
// and come back through the reclaim pass once idle for MinIdle.
type Dispatcher struct {
	cfg         DispatcherConfig
	log         stream.Log
	gateway     outbox.Gateway
	statuses    outbox.StatusStore
	deadLetters outbox.DeadLetterStore
	reclaimer   *stream.Reclaimer
	logger      *slog.Logger
}

func NewDispatcher(
	cfg DispatcherConfig,
	log stream.Log,
	gateway outbox.Gateway,
	statuses outbox.StatusStore,
	deadLetters outbox.DeadLetterStore,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger = logger.With("component", "dispatcher", "consumer", cfg.Consumer)

	return &Dispatcher{
		cfg:         cfg,
		log:         log,
		gateway:     gateway,
		statuses:    statuses,
		deadLetters: deadLetters,
		logger:      logger,
		reclaimer: &stream.Reclaimer{
			Log:      log,
			Stream:   cfg.OutboxStream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			MinIdle:  cfg.MinIdle,
			Count:    cfg.BatchSize,
			Logger:   logger,
		},
	}
}

func (d *Dispatcher) Init(ctx context.Context) error {
	return d.log.EnsureGroup(ctx, d.cfg.OutboxStream, d.cfg.Group)
}

// RunOnce reclaims idle entries, reads a batch of new ones and delivers both.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := d.reclaimer.Pass(ctx)
	if err != nil {
		return 0, err
	}
	outboxReclaimed.Add(float64(len(reclaimed)))

	handled := 0
	batch := make([]stream.Entry, 0, len(reclaimed))
	for _, e := range reclaimed {
		if stream.Exhausted(e, d.cfg.MaxDeliveries) && d.deadLetters != nil {
			if err := d.deadLetter(ctx, e, "max deliveries exceeded"); err != nil {
				return handled, err
			}
			handled++
			continue
		}
		if outboxID := e.Fields[envelope.FieldOutboxID]; outboxID != "" {
			written, err := d.statuses.SetUnless(ctx, outboxID, outbox.StatusRetrying, outbox.StatusSent)
			if err != nil {
				return handled, err
			}
			if !written {
				if err := d.ackDelivered(ctx, e, outboxID); err != nil {
					return handled, err
				}
				handled++
				continue
			}
		}
		batch = append(batch, e)
	}

	fresh, err := d.log.ReadGroup(ctx, d.cfg.OutboxStream, d.cfg.Group, d.cfg.Consumer, d.cfg.BatchSize, d.cfg.ReadBlock)
	if err != nil {
		return handled, fmt.Errorf("read %s: %w", d.cfg.OutboxStream, err)
	}
	batch = append(batch, fresh...)

	if len(batch) == 0 {
		return handled, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, e := range batch {
		e := e
		g.Go(func() error {
			return d.dispatch(gctx, e)
		})
	}
	if err := g.Wait(); err != nil {
		return handled, err
	}

	return handled + len(batch), nil
}

// dispatch returns an error only for infrastructure failures. A gateway failure is
// logged and leaves the entry pending.
func (d *Dispatcher) dispatch(ctx context.Context, e stream.Entry) error {
	env, err := envelope.DecodeOutbox(e.Fields)
	if err != nil {
		d.logger.Error("undecodable outbox entry", "entry_id", e.ID, "error", err)
		if d.deadLetters != nil {
			return d.deadLetter(ctx, e, err.Error())
		}
		return d.ack(ctx, e.ID)
	}

	started := time.Now()
	err = d.gateway.Deliver(ctx, outbox.Delivery{
		OutboxID:       env.OutboxID,
		Channel:        env.Route.Channel,
		Gateway:        env.Route.Gateway,
		ConversationID: env.ConversationID,
		Payload:        []byte(e.Fields[envelope.FieldPayload]),
	})
	deliveryDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		deliveryErrors.Inc()
		d.logger.Warn("gateway delivery failed, entry left pending",
			"entry_id", e.ID,
			"outbox_id", env.OutboxID,
			"deliveries", e.Deliveries,
			"error", err,
		)
		return nil
	}

	// Status first: a crash between these two writes redelivers, it never loses the status.
	if err := d.statuses.Set(ctx, env.OutboxID, outbox.StatusSent); err != nil {
		return err
	}
	if err := d.ack(ctx, e.ID); err != nil {
		return err
	}

	deliveriesSent.Inc()
	d.logger.Info("outbox entry delivered",
		"entry_id", e.ID,
		"outbox_id", env.OutboxID,
		"gateway", env.Route.Gateway,
		"deliveries", e.Deliveries,
	)
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, e stream.Entry, reason string) error {
	outboxID := e.Fields[envelope.FieldOutboxID]
	if outboxID != "" {
		written, err := d.statuses.SetUnless(ctx, outboxID, outbox.StatusFailed, outbox.StatusSent)
		if err != nil {
			return err
		}
		if !written {
			return d.ackDelivered(ctx, e, outboxID)
		}
	}

	dl := &outbox.DeadLetter{
		Stream:     d.cfg.OutboxStream,
		EntryID:    e.ID,
		OutboxID:   outboxID,
		Reason:     reason,
		Deliveries: e.Deliveries,
		Fields:     e.Fields,
		FailedAt:   time.Now().UTC(),
	}
	if err := d.deadLetters.Put(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	if err := d.ack(ctx, e.ID); err != nil {
		return err
	}

	outboxDeadLettered.Inc()
	d.logger.Warn("outbox entry dead-lettered",
		"entry_id", e.ID,
		"outbox_id", outboxID,
		"deliveries", e.Deliveries,
		"reason", reason,
	)
	return nil
}

// ackDelivered settles a reclaimed entry whose status already says sent: the previous
// owner delivered it and stalled before its ack.
func (d *Dispatcher) ackDelivered(ctx context.Context, e stream.Entry, outboxID string) error {
	if err := d.ack(ctx, e.ID); err != nil {
		return err
	}
	d.logger.Info("reclaimed entry already delivered, acknowledged",
		"entry_id", e.ID,
		"outbox_id", outboxID,
		"deliveries", e.Deliveries,
	)
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, id string) error {
	if err := d.log.Ack(ctx, d.cfg.OutboxStream, d.cfg.Group, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}
