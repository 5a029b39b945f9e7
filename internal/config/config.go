package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Streams  Streams  `yaml:"streams"`
	Relay    Relay    `yaml:"relay"`
	Gateway  Gateway  `yaml:"gateway"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"omnirelay"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port        string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":9091"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel parses Level, falling back to info for unknown values.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"omnirelay"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers       []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	IngestTopic   string   `yaml:"ingest_topic" env:"KAFKA_INGEST_TOPIC" env-default:"channel-inbound"`
	DeliveryTopic string   `yaml:"delivery_topic" env:"KAFKA_DELIVERY_TOPIC" env-default:"channel-outbound"`
	GroupID       string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"omnirelay-bridge"`
}

// Streams names the Redis streams and consumer groups shared by all relay processes.
type Streams struct {
	Messages        string `yaml:"messages" env:"STREAM_MESSAGES" env-default:"messages"`
	Outbox          string `yaml:"outbox" env:"STREAM_OUTBOX" env-default:"outbox"`
	DeadLetter      string `yaml:"dead_letter" env:"STREAM_DEAD_LETTER" env-default:"outbox-dead"`
	ConsumerGroup   string `yaml:"consumer_group" env:"GROUP_CONSUMER" env-default:"relay-consumers"`
	DispatcherGroup string `yaml:"dispatcher_group" env:"GROUP_DISPATCHER" env-default:"relay-dispatchers"`
}

type Relay struct {
	ConsumerName        string        `yaml:"consumer_name" env:"CONSUMER_NAME"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"1s"`
	ReadBlock           time.Duration `yaml:"read_block" env:"READ_BLOCK" env-default:"0s"`
	MinIdle             time.Duration `yaml:"min_idle" env:"MIN_IDLE" env-default:"30s"`
	BatchSize           int64         `yaml:"batch_size" env:"BATCH_SIZE" env-default:"32"`
	MaxDeliveries       int64         `yaml:"max_deliveries" env:"MAX_DELIVERIES" env-default:"10"`
	DedupeTTL           time.Duration `yaml:"dedupe_ttl" env:"DEDUPE_TTL" env-default:"168h"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency" env:"DISPATCH_CONCURRENCY" env-default:"1"`
	DedupeBackend       string        `yaml:"dedupe_backend" env:"DEDUPE_BACKEND" env-default:"redis"`
	DeadLetterBackend   string        `yaml:"dead_letter_backend" env:"DEAD_LETTER_BACKEND" env-default:"redis"`
}

type Gateway struct {
	Kind    string            `yaml:"kind" env:"GATEWAY_KIND" env-default:"http"`
	BaseURL string            `yaml:"base_url" env:"GATEWAY_BASE_URL" env-default:"http://localhost:8090"`
	Token   string            `yaml:"token" env:"GATEWAY_TOKEN"`
	Timeout time.Duration     `yaml:"timeout" env:"GATEWAY_TIMEOUT" env-default:"10s"`
	Routes  map[string]string `yaml:"routes" env:"GATEWAY_ROUTES"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config env override: %w", err)
		}
	}

	if cfg.Relay.ConsumerName == "" {
		cfg.Relay.ConsumerName = DefaultConsumerName()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Relay.MinIdle <= 0 {
		return fmt.Errorf("config error: MIN_IDLE must be positive")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config error: BATCH_SIZE must be positive")
	}
	if c.Relay.MaxDeliveries < 0 {
		return fmt.Errorf("config error: MAX_DELIVERIES must not be negative")
	}
	switch c.Relay.DedupeBackend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("config error: unknown DEDUPE_BACKEND %q", c.Relay.DedupeBackend)
	}
	switch c.Relay.DeadLetterBackend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("config error: unknown DEAD_LETTER_BACKEND %q", c.Relay.DeadLetterBackend)
	}
	switch c.Gateway.Kind {
	case "http", "kafka":
	default:
		return fmt.Errorf("config error: unknown GATEWAY_KIND %q", c.Gateway.Kind)
	}
	return nil
}

// DefaultConsumerName builds a consumer identity unique to this process.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.New().String()[:8]
}
