package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"omnirelay/internal/config"
	"omnirelay/internal/consumer"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/infrastructure/gateway"
	"omnirelay/internal/infrastructure/kafka"
	"omnirelay/internal/infrastructure/postgres"
	"omnirelay/internal/infrastructure/redis"
	"omnirelay/internal/worker"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	GatewayHTTP  = "http"
	GatewayKafka = "kafka"
)

// Factory builds clients and relay components from config. Clients are created lazily
// and shared by every component built from the same factory.
type Factory struct {
	cfg      *config.Config
	logger   *slog.Logger
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
	closers  []func() error
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: slog.Default(),
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
		if err == nil {
			break
		}
		f.logger.Warn("postgres not ready, retrying", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	if err := postgres.Migrate(ctx, postgres.NewTxManager(pool), pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) StreamLog(ctx context.Context) (*redis.StreamLog, error) {
	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return redis.NewStreamLog(client), nil
}

func (f *Factory) StatusStore(ctx context.Context) (outbox.StatusStore, error) {
	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return redis.NewStatusStore(client), nil
}

func (f *Factory) DedupeGuard(ctx context.Context) (outbox.DedupeGuard, error) {
	switch f.cfg.Relay.DedupeBackend {
	case BackendPostgres:
		pool, err := f.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewDedupeRepository(pool), nil
	default:
		client, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return redis.NewDedupeGuard(client), nil
	}
}

func (f *Factory) DeadLetters(ctx context.Context) (outbox.DeadLetterStore, error) {
	switch f.cfg.Relay.DeadLetterBackend {
	case BackendPostgres:
		pool, err := f.Postgres(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewDeadLetterRepository(pool), nil
	default:
		client, err := f.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return redis.NewDeadLetterStream(client, f.cfg.Streams.DeadLetter), nil
	}
}

func (f *Factory) Gateway() outbox.Gateway {
	switch f.cfg.Gateway.Kind {
	case GatewayKafka:
		gw := kafka.NewGateway(kafka.Config{
			Brokers: f.cfg.Kafka.Brokers,
			Topic:   f.cfg.Kafka.DeliveryTopic,
		})
		f.closers = append(f.closers, gw.Close)
		return gw
	default:
		return gateway.NewHTTPGateway(gateway.HTTPOptions{
			BaseURL: f.cfg.Gateway.BaseURL,
			Token:   f.cfg.Gateway.Token,
			Timeout: f.cfg.Gateway.Timeout,
			Logger:  f.logger,
		})
	}
}

func (f *Factory) KafkaConsumer() *kafka.Consumer {
	c := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: f.cfg.Kafka.Brokers,
		Topic:   f.cfg.Kafka.IngestTopic,
		GroupID: f.cfg.Kafka.GroupID,
	})
	f.closers = append(f.closers, c.Close)
	return c
}

// Consumer builds the inbound consumer and creates its group.
func (f *Factory) Consumer(ctx context.Context) (*consumer.Consumer, error) {
	log, err := f.StreamLog(ctx)
	if err != nil {
		return nil, err
	}
	guard, err := f.DedupeGuard(ctx)
	if err != nil {
		return nil, err
	}
	deadLetters, err := f.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	c := consumer.New(consumer.Config{
		MessagesStream: f.cfg.Streams.Messages,
		OutboxStream:   f.cfg.Streams.Outbox,
		Group:          f.cfg.Streams.ConsumerGroup,
		Consumer:       f.cfg.Relay.ConsumerName,
		BatchSize:      f.cfg.Relay.BatchSize,
		ReadBlock:      f.cfg.Relay.ReadBlock,
		MinIdle:        f.cfg.Relay.MinIdle,
		MaxDeliveries:  f.cfg.Relay.MaxDeliveries,
		DedupeTTL:      f.cfg.Relay.DedupeTTL,
		Routes:         f.cfg.Gateway.Routes,
	}, log, guard, deadLetters, f.logger)

	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Dispatcher builds the outbox dispatcher and creates its group.
func (f *Factory) Dispatcher(ctx context.Context) (*worker.Dispatcher, error) {
	log, err := f.StreamLog(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := f.StatusStore(ctx)
	if err != nil {
		return nil, err
	}
	deadLetters, err := f.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	d := worker.NewDispatcher(worker.DispatcherConfig{
		OutboxStream:  f.cfg.Streams.Outbox,
		Group:         f.cfg.Streams.DispatcherGroup,
		Consumer:      f.cfg.Relay.ConsumerName,
		BatchSize:     f.cfg.Relay.BatchSize,
		ReadBlock:     f.cfg.Relay.ReadBlock,
		MinIdle:       f.cfg.Relay.MinIdle,
		MaxDeliveries: f.cfg.Relay.MaxDeliveries,
		Concurrency:   f.cfg.Relay.DispatchConcurrency,
	}, log, f.Gateway(), statuses, deadLetters, f.logger)

	if err := d.Init(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *Factory) Close() {
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](); err != nil {
			f.logger.Warn("close failed", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
