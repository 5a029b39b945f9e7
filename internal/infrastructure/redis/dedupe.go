package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/redis/go-redis/v9"
)

// appendOnce sets KEYS[1] if absent and only then appends to the stream KEYS[2].
// ARGV: value, ttl in milliseconds (0 for none), then field/value pairs.
var appendOnce = redis.NewScript(`
if tonumber(ARGV[2]) > 0 then
  if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return false
  end
elseif not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  return false
end
return redis.call('XADD', KEYS[2], '*', unpack(ARGV, 3))
`)

// DedupeGuard is the shared set-if-absent guard backed by SET NX.
type DedupeGuard struct {
	client Client
}

func NewDedupeGuard(client Client) *DedupeGuard {
	return &DedupeGuard{client: client}
}

var (
	_ outbox.DedupeGuard  = (*DedupeGuard)(nil)
	_ outbox.OnceAppender = (*DedupeGuard)(nil)
)

func (g *DedupeGuard) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created, err := g.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return created, nil
}

func (g *DedupeGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (g *DedupeGuard) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// AppendOnce runs SET NX and XADD in one script. A lost reply cannot separate the two,
// so a retry after any error either finds the key (and the entry) or finds neither.
func (g *DedupeGuard) AppendOnce(ctx context.Context, key, value string, ttl time.Duration, stream string, fields map[string]string) (string, bool, error) {
	ttlMs := ttl.Milliseconds()
	if ttl > 0 && ttlMs == 0 {
		ttlMs = 1
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	args := make([]interface{}, 0, 2+2*len(fields))
	args = append(args, value, ttlMs)
	for _, k := range names {
		args = append(args, k, fields[k])
	}

	id, err := appendOnce.Run(ctx, g.client, []string{key, stream}, args...).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("append once %s to %s: %w", key, stream, err)
	}
	return id, true, nil
}
