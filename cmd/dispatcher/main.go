package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"omnirelay/internal/application/factories/infrastructure"
	"omnirelay/internal/config"
	"omnirelay/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Initialize structured JSON logger
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
		logger.Info("dispatcher metrics listening", "addr", cfg.HTTP.MetricsAddr)
		if err := http.ListenAndServe(cfg.HTTP.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	d, err := infraFactory.Dispatcher(ctx)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatcher started",
		"consumer", cfg.Relay.ConsumerName,
		"stream", cfg.Streams.Outbox,
		"group", cfg.Streams.DispatcherGroup,
		"gateway", cfg.Gateway.Kind,
	)

	if err := worker.NewLoop("dispatcher", d, cfg.Relay.PollInterval, logger).Run(ctx); err != nil {
		logger.Error("dispatcher stopped with error", "error", err)
	}

	logger.Info("dispatcher exited")
}
