package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnirelay/internal/api"
	"omnirelay/internal/application/factories/infrastructure"
	"omnirelay/internal/config"
	"omnirelay/internal/usecase"
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

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log, err := infraFactory.StreamLog(ctx)
	if err != nil {
		logger.Error("failed to build stream log", "error", err)
		os.Exit(1)
	}
	statuses, err := infraFactory.StatusStore(ctx)
	if err != nil {
		logger.Error("failed to build status store", "error", err)
		os.Exit(1)
	}
	deadLetters, err := infraFactory.DeadLetters(ctx)
	if err != nil {
		logger.Error("failed to build dead-letter store", "error", err)
		os.Exit(1)
	}

	// UseCases
	ingestUC := usecase.NewIngestMessage(log, cfg.Streams.Messages)
	statusUC := usecase.NewGetStatus(statuses)
	statsUC := usecase.NewGetPipelineStats(log, deadLetters,
		usecase.StreamGroup{Stream: cfg.Streams.Messages, Group: cfg.Streams.ConsumerGroup},
		usecase.StreamGroup{Stream: cfg.Streams.Outbox, Group: cfg.Streams.DispatcherGroup},
	)
	guard, err := infraFactory.DedupeGuard(ctx)
	if err != nil {
		logger.Error("failed to build dedupe guard", "error", err)
		os.Exit(1)
	}
	requeueUC := usecase.NewRequeueDeadLetters(log, deadLetters, guard, logger)

	handlers := api.NewHandlers(ingestUC, statusUC, statsUC, requeueUC, logger)
	apiHandler := api.NewRouter(handlers, redisClient, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exiting")
}
