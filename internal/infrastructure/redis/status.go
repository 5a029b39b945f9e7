package redis

import (
	"context"
	"errors"
	"fmt"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"

	"github.com/redis/go-redis/v9"
)

// setUnless writes ARGV[1] to the status field of KEYS[1] unless it already equals ARGV[2].
var setUnless = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// StatusStore keeps one hash per outbox entry: status:<outboxId> -> {status}.
type StatusStore struct {
	client Client
}

func NewStatusStore(client Client) *StatusStore {
	return &StatusStore{client: client}
}

var _ outbox.StatusStore = (*StatusStore)(nil)

func (s *StatusStore) Set(ctx context.Context, outboxID, status string) error {
	if err := s.client.HSet(ctx, envelope.StatusKey(outboxID), "status", status).Err(); err != nil {
		return fmt.Errorf("hset status %s: %w", outboxID, err)
	}
	return nil
}

func (s *StatusStore) SetUnless(ctx context.Context, outboxID, status, current string) (bool, error) {
	n, err := setUnless.Run(ctx, s.client, []string{envelope.StatusKey(outboxID)}, status, current).Int()
	if err != nil {
		return false, fmt.Errorf("set status %s unless %s: %w", outboxID, current, err)
	}
	return n == 1, nil
}

func (s *StatusStore) Get(ctx context.Context, outboxID string) (*outbox.StatusRecord, error) {
	status, err := s.client.HGet(ctx, envelope.StatusKey(outboxID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, outbox.ErrStatusNotFound
		}
		return nil, fmt.Errorf("hget status %s: %w", outboxID, err)
	}
	return &outbox.StatusRecord{OutboxID: outboxID, Status: status}, nil
}
