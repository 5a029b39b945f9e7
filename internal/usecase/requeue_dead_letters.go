package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/stream"
)

// RequeueDeadLetters appends dead-lettered entries back to the stream they came from
// and removes them from the dead-letter store.
type RequeueDeadLetters struct {
	log         stream.Log
	deadLetters outbox.DeadLetterStore
	guard       outbox.DedupeGuard
	logger      *slog.Logger
}

// NewRequeueDeadLetters builds the usecase. guard may be nil; it is only consulted to
// flag inbound entries that the consumer will treat as duplicates.
func NewRequeueDeadLetters(log stream.Log, deadLetters outbox.DeadLetterStore, guard outbox.DedupeGuard, logger *slog.Logger) *RequeueDeadLetters {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequeueDeadLetters{log: log, deadLetters: deadLetters, guard: guard, logger: logger}
}

// Execute requeues at most limit dead letters, oldest first, and returns how many it moved.
// A dead letter is deleted only after its append succeeded, so a failure midway can
// requeue an entry twice but never drops one.
func (uc *RequeueDeadLetters) Execute(ctx context.Context, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	letters, err := uc.deadLetters.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	moved := 0
	for _, dl := range letters {
		if dl.Stream == "" || len(dl.Fields) == 0 {
			uc.logger.Warn("skipping dead letter without source", "id", dl.ID)
			continue
		}

		if err := uc.warnIfDuplicate(ctx, dl); err != nil {
			return moved, err
		}

		entryID, err := uc.log.Append(ctx, dl.Stream, dl.Fields)
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", dl.ID, err)
		}
		if err := uc.deadLetters.Delete(ctx, dl.ID); err != nil {
			return moved, fmt.Errorf("delete dead letter %s: %w", dl.ID, err)
		}

		moved++
		uc.logger.Info("dead letter requeued",
			"id", dl.ID,
			"stream", dl.Stream,
			"outbox_id", dl.OutboxID,
			"entry_id", entryID,
		)
	}
	return moved, nil
}

// warnIfDuplicate logs when an inbound dead letter still holds its dedupe key. The
// consumer will acknowledge such an entry as a duplicate without publishing it. The key
// is left alone: it may guard an outbox entry that was published.
func (uc *RequeueDeadLetters) warnIfDuplicate(ctx context.Context, dl *outbox.DeadLetter) error {
	if uc.guard == nil || dl.Fields[envelope.FieldOutboxID] != "" {
		return nil
	}
	in, err := envelope.DecodeInbound(dl.Fields)
	if err != nil {
		return nil
	}

	key := envelope.DedupeKey(in.IdempotencyKey())
	held, err := uc.guard.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if held {
		uc.logger.Warn("requeued inbound entry will be acknowledged as a duplicate, dedupe key still held",
			"id", dl.ID,
			"stream", dl.Stream,
			"dedupe_key", key,
		)
	}
	return nil
}
