// Command bridge ingests channel-normalized envelopes from a Kafka topic into the
// messages stream.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnirelay/internal/application/factories/infrastructure"
	"omnirelay/internal/bridge"
	"omnirelay/internal/config"
	"omnirelay/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRetries = 5

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("bridge metrics listening", "addr", cfg.HTTP.MetricsAddr)
		if err := http.ListenAndServe(cfg.HTTP.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	log, err := infraFactory.StreamLog(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	deadLetters, err := infraFactory.DeadLetters(ctx)
	if err != nil {
		logger.Error("failed to build dead-letter store", "error", err)
		os.Exit(1)
	}
	ingestUC := usecase.NewIngestMessage(log, cfg.Streams.Messages)

	kafkaConsumer := infraFactory.KafkaConsumer()

	logger.Info("ingest bridge started",
		"topic", cfg.Kafka.IngestTopic,
		"group_id", cfg.Kafka.GroupID,
		"brokers", cfg.Kafka.Brokers,
	)

	b := bridge.New(bridge.Config{
		MessagesStream: cfg.Streams.Messages,
		MaxRetries:     maxRetries,
		Backoff:        200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}, kafkaConsumer, ingestUC, deadLetters, logger)
	if err := b.Run(ctx); err != nil {
		logger.Error("ingest bridge failed", "error", err)
	}

	logger.Info("ingest bridge exited")
}
