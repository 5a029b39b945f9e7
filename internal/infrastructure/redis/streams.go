package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"omnirelay/internal/stream"

	"github.com/redis/go-redis/v9"
)

// StreamLog implements stream.Log on Redis streams.
type StreamLog struct {
	client Client

	mu      sync.Mutex
	cursors map[string]string
}

func NewStreamLog(client Client) *StreamLog {
	return &StreamLog{client: client, cursors: make(map[string]string)}
}

var _ stream.Log = (*StreamLog)(nil)

// EnsureGroup creates the group at the start of the stream so entries appended before
// the first reader joined are still delivered.
func (s *StreamLog) EnsureGroup(ctx context.Context, streamName, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, streamName, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, streamName, err)
	}
	return nil
}

func (s *StreamLog) Append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
	}).Result()
	if err != nil {
		var replyErr redis.Error
		if errors.As(err, &replyErr) {
			return "", fmt.Errorf("xadd %s: %w: %w", streamName, stream.ErrRejected, err)
		}
		return "", fmt.Errorf("xadd %s: %w", streamName, err)
	}
	return id, nil
}

func (s *StreamLog) ReadGroup(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]stream.Entry, error) {
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero duration
		block = -1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", streamName, group, err)
	}

	var entries []stream.Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, stream.Entry{
				ID:         msg.ID,
				Fields:     stringFields(msg.Values),
				Deliveries: 1,
			})
		}
	}
	return entries, nil
}

// Claim takes over up to count pending entries idle for at least minIdle with
// XAUTOCLAIM. The scan cursor is kept per stream and group across calls, so busy entries
// at the head of the pending list cannot hide idle ones behind them. The cursor wraps
// to the start once the whole list has been walked.
func (s *StreamLog) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration, count int64) ([]stream.Entry, error) {
	if count <= 0 {
		return nil, nil
	}

	cursorKey := streamName + "\x00" + group
	s.mu.Lock()
	start := s.cursors[cursorKey]
	s.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", streamName, group, err)
	}

	s.mu.Lock()
	s.cursors[cursorKey] = next
	s.mu.Unlock()

	entries := make([]stream.Entry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		deliveries, err := s.deliveries(ctx, streamName, group, msg.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, stream.Entry{
			ID:         msg.ID,
			Fields:     stringFields(msg.Values),
			Deliveries: deliveries,
		})
	}
	return entries, nil
}

// deliveries reads the group delivery counter of one pending entry. The claim has
// already counted itself. An entry acknowledged in the meantime reports 1.
func (s *StreamLog) deliveries(ctx context.Context, streamName, group, id string) (int64, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 1, nil
		}
		return 0, fmt.Errorf("xpending %s/%s %s: %w", streamName, group, id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (s *StreamLog) Ack(ctx context.Context, streamName, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, streamName, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", streamName, group, err)
	}
	return nil
}

func (s *StreamLog) Len(ctx context.Context, streamName string) (int64, error) {
	n, err := s.client.XLen(ctx, streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", streamName, err)
	}
	return n, nil
}

// PendingCount reports zero for a group that does not exist yet.
func (s *StreamLog) PendingCount(ctx context.Context, streamName, group string) (int64, error) {
	res, err := s.client.XPending(ctx, streamName, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.HasPrefix(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", streamName, group, err)
	}
	return res.Count, nil
}
