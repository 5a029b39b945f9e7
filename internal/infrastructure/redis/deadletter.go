package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/redis/go-redis/v9"
)

// DeadLetterStream stores dead letters as entries of a dedicated stream. The dead
// letter id is the id of that stream entry.
type DeadLetterStream struct {
	client Client
	stream string
}

func NewDeadLetterStream(client Client, stream string) *DeadLetterStream {
	return &DeadLetterStream{client: client, stream: stream}
}

var _ outbox.DeadLetterStore = (*DeadLetterStream)(nil)

func (d *DeadLetterStream) Put(ctx context.Context, dl *outbox.DeadLetter) error {
	fields, err := json.Marshal(dl.Fields)
	if err != nil {
		return fmt.Errorf("marshal dead letter fields: %w", err)
	}

	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"stream":     dl.Stream,
			"entry_id":   dl.EntryID,
			"outbox_id":  dl.OutboxID,
			"reason":     dl.Reason,
			"deliveries": strconv.FormatInt(dl.Deliveries, 10),
			"fields":     string(fields),
			"failed_at":  failedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dead letter: %w", err)
	}
	dl.ID = id
	return nil
}

func (d *DeadLetterStream) List(ctx context.Context, limit int64) ([]*outbox.DeadLetter, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = d.client.XRangeN(ctx, d.stream, "-", "+", limit).Result()
	} else {
		msgs, err = d.client.XRange(ctx, d.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("xrange dead letters: %w", err)
	}

	out := make([]*outbox.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		v := stringFields(msg.Values)
		dl := &outbox.DeadLetter{
			ID:       msg.ID,
			Stream:   v["stream"],
			EntryID:  v["entry_id"],
			OutboxID: v["outbox_id"],
			Reason:   v["reason"],
		}
		dl.Deliveries, _ = strconv.ParseInt(v["deliveries"], 10, 64)
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, v["failed_at"])
		if raw := v["fields"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &dl.Fields); err != nil {
				return nil, fmt.Errorf("decode dead letter %s: %w", msg.ID, err)
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

func (d *DeadLetterStream) Delete(ctx context.Context, id string) error {
	if err := d.client.XDel(ctx, d.stream, id).Err(); err != nil {
		return fmt.Errorf("xdel dead letter %s: %w", id, err)
	}
	return nil
}

func (d *DeadLetterStream) Count(ctx context.Context) (int64, error) {
	n, err := d.client.XLen(ctx, d.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen dead letters: %w", err)
	}
	return n, nil
}
