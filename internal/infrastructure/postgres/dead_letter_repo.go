package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

var _ outbox.DeadLetterStore = (*DeadLetterRepository)(nil)

// Put stores a dead letter once per (stream, entry_id); a second dead-lettering of the
// same entry after a crash is a no-op.
func (r *DeadLetterRepository) Put(ctx context.Context, dl *outbox.DeadLetter) error {
	const sql = `
		INSERT INTO dead_letters (id, stream, entry_id, outbox_id, reason, deliveries, fields, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stream, entry_id) DO NOTHING
	`

	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	fields, err := json.Marshal(dl.Fields)
	if err != nil {
		return fmt.Errorf("marshal dead letter fields: %w", err)
	}

	_, err = r.pool.Exec(ctx, sql,
		dl.ID, dl.Stream, dl.EntryID, nullIfEmpty(dl.OutboxID), dl.Reason, dl.Deliveries, fields, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int64) ([]*outbox.DeadLetter, error) {
	const sql = `
		SELECT
			id,
			stream,
			entry_id,
			COALESCE(outbox_id, ''),
			reason,
			deliveries,
			fields,
			failed_at
		FROM dead_letters
		ORDER BY failed_at ASC
		LIMIT $1
	`

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*outbox.DeadLetter
	for rows.Next() {
		dl := &outbox.DeadLetter{}
		var fields []byte
		if err := rows.Scan(&dl.ID, &dl.Stream, &dl.EntryID, &dl.OutboxID, &dl.Reason, &dl.Deliveries, &fields, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &dl.Fields); err != nil {
				return nil, fmt.Errorf("decode dead letter %s fields: %w", dl.ID, err)
			}
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return out, nil
}

func (r *DeadLetterRepository) Delete(ctx context.Context, id string) error {
	const sql = `DELETE FROM dead_letters WHERE id = $1`

	if _, err := r.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) Count(ctx context.Context) (int64, error) {
	const sql = `SELECT COUNT(*) FROM dead_letters`

	var n int64
	if err := r.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
