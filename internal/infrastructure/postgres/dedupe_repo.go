package postgres

import (
	"context"
	"fmt"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is satisfied by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// DedupeRepository is the Postgres flavour of the dedupe guard. An expired key can be
// taken over by the next writer, which mirrors the TTL of the Redis guard.
type DedupeRepository struct {
	db Executor
}

func NewDedupeRepository(db Executor) *DedupeRepository {
	return &DedupeRepository{db: db}
}

var _ outbox.DedupeGuard = (*DedupeRepository)(nil)

// SetIfAbsent returns true if the key was created (or taken over after expiry), false if it already existed.
func (r *DedupeRepository) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO outbox_dedupe (key, value, created_at, expires_at)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, created_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE outbox_dedupe.expires_at IS NOT NULL AND outbox_dedupe.expires_at < NOW()
	`

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UTC()
	}

	tag, err := executor(ctx, r.db).Exec(ctx, query, key, value, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert dedupe key: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *DedupeRepository) Release(ctx context.Context, key string) error {
	const query = `DELETE FROM outbox_dedupe WHERE key = $1`

	if _, err := executor(ctx, r.db).Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete dedupe key: %w", err)
	}
	return nil
}

// Exists reports whether key is held and not yet expired.
func (r *DedupeRepository) Exists(ctx context.Context, key string) (bool, error) {
	const query = `
		SELECT 1 FROM outbox_dedupe
		WHERE key = $1 AND (expires_at IS NULL OR expires_at >= NOW())
	`

	tag, err := executor(ctx, r.db).Exec(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("lookup dedupe key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
