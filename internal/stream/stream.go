// Package stream defines the durable log contract shared by the inbound consumer and the
// dispatcher, plus the idle-time reclaim pass both of them run.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRejected marks an append the log refused outright. Nothing was written. Any other
// append error leaves the outcome unknown.
var ErrRejected = errors.New("append rejected")

// Entry is one stream record as seen by a consumer group member.
type Entry struct {
	ID     string
	Fields map[string]string
	// Deliveries is the group delivery counter: 1 on first read, +1 per reclaim.
	Deliveries int64
}

// Log is an append-only stream with consumer groups and per-group pending lists.
type Log interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// ReadGroup returns up to count never-delivered entries. block <= 0 returns immediately.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	// Claim moves pending entries idle for at least minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Len(ctx context.Context, stream string) (int64, error)
	PendingCount(ctx context.Context, stream, group string) (int64, error)
}

// Reclaimer takes over entries whose previous owner stopped acknowledging them.
type Reclaimer struct {
	Log      Log
	Stream   string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int64
	Logger   *slog.Logger
}

// Pass claims at most Count idle pending entries for the reclaimer's consumer.
func (r *Reclaimer) Pass(ctx context.Context) ([]Entry, error) {
	entries, err := r.Log.Claim(ctx, r.Stream, r.Group, r.Consumer, r.MinIdle, r.Count)
	if err != nil {
		return nil, fmt.Errorf("reclaim %s/%s: %w", r.Stream, r.Group, err)
	}

	if len(entries) > 0 && r.Logger != nil {
		r.Logger.Info("reclaimed idle entries",
			"stream", r.Stream,
			"group", r.Group,
			"consumer", r.Consumer,
			"count", len(entries),
		)
	}
	return entries, nil
}

// Exhausted reports whether an entry has been delivered more than max times.
// A max of zero never exhausts.
func Exhausted(e Entry, max int64) bool {
	return max > 0 && e.Deliveries > max
}
