// Command inspect prints pipeline state and can requeue dead letters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"omnirelay/internal/application/factories/infrastructure"
	"omnirelay/internal/config"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/usecase"
)

func main() {
	requeue := flag.Int64("requeue", 0, "requeue up to N dead letters before printing")
	limit := flag.Int64("limit", 10, "number of dead letters to print")
	status := flag.String("status", "", "print the status record of one outbox id")
	flag.Parse()

	// Only errors go to the log; the report itself is plain text on stdout.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	log, err := infraFactory.StreamLog(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to redis: %v\n", err)
		os.Exit(1)
	}
	deadLetters, err := infraFactory.DeadLetters(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open dead-letter store: %v\n", err)
		os.Exit(1)
	}

	if *status != "" {
		statuses, err := infraFactory.StatusStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open status store: %v\n", err)
			os.Exit(1)
		}
		rec, err := usecase.NewGetStatus(statuses).Execute(ctx, *status)
		switch {
		case errors.Is(err, outbox.ErrStatusNotFound):
			fmt.Printf("%s: no status recorded\n", *status)
		case err != nil:
			fmt.Fprintf(os.Stderr, "status lookup failed: %v\n", err)
			os.Exit(1)
		default:
			fmt.Printf("%s: %s\n", rec.OutboxID, rec.Status)
		}
		return
	}

	if *requeue > 0 {
		guard, err := infraFactory.DedupeGuard(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open dedupe guard: %v\n", err)
			os.Exit(1)
		}
		moved, err := usecase.NewRequeueDeadLetters(log, deadLetters, guard, slog.Default()).Execute(ctx, *requeue)
		if err != nil {
			fmt.Printf("Requeue failed after %d: %v\n", moved, err)
		} else {
			fmt.Printf("Requeued %d dead letters\n", moved)
		}
	}

	stats, err := usecase.NewGetPipelineStats(log, deadLetters,
		usecase.StreamGroup{Stream: cfg.Streams.Messages, Group: cfg.Streams.ConsumerGroup},
		usecase.StreamGroup{Stream: cfg.Streams.Outbox, Group: cfg.Streams.DispatcherGroup},
	).Execute(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Streams ---")
	for _, s := range []usecase.StreamStats{stats.Messages, stats.Outbox} {
		fmt.Printf("%s | group: %s | length: %d | pending: %d\n", s.Stream, s.Group, s.Length, s.Pending)
	}

	fmt.Printf("\n--- Dead letters (%d) ---\n", stats.DeadLetters)
	letters, err := deadLetters.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list dead letters failed: %v\n", err)
		os.Exit(1)
	}
	for _, dl := range letters {
		fmt.Printf("ID: %s | Stream: %s | Entry: %s | Outbox: %s | Deliveries: %d | Reason: %s | Failed: %s\n",
			dl.ID, dl.Stream, dl.EntryID, dl.OutboxID, dl.Deliveries, dl.Reason, dl.FailedAt.Format(time.RFC3339))
	}
}
