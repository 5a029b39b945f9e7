package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx

	execs      []string
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), t.execErr
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestWithinTransactionCommits(t *testing.T) {
	tx := &fakeTx{}
	tm := NewTxManager(&fakeBeginner{tx: tx})

	err := tm.WithinTransaction(context.Background(), func(ctx context.Context) error {
		assert.Same(t, tx, GetTx(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestWithinTransactionRollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	tm := NewTxManager(&fakeBeginner{tx: tx})

	err := tm.WithinTransaction(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestWithinTransactionBeginError(t *testing.T) {
	tm := NewTxManager(&fakeBeginner{err: errors.New("pool closed")})

	err := tm.WithinTransaction(context.Background(), func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin transaction")
}

func TestDedupeRepositoryUsesContextTransaction(t *testing.T) {
	tx := &fakeTx{}
	pool := &fakeExecutor{tag: "INSERT 0 1"}
	repo := NewDedupeRepository(pool)

	err := NewTxManager(&fakeBeginner{tx: tx}).WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, err := repo.SetIfAbsent(ctx, "k", "v", time.Minute)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, tx.execs, 1)
	assert.Empty(t, pool.calls)
}

func TestMigrateAppliesSchemaInTransaction(t *testing.T) {
	tx := &fakeTx{}
	pool := &fakeExecutor{}

	require.NoError(t, Migrate(context.Background(), NewTxManager(&fakeBeginner{tx: tx}), pool))

	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0], "CREATE TABLE IF NOT EXISTS outbox_dedupe")
	assert.Contains(t, tx.execs[0], "CREATE TABLE IF NOT EXISTS dead_letters")
	assert.True(t, tx.committed)
	assert.Empty(t, pool.calls)
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("permission denied")}

	err := Migrate(context.Background(), NewTxManager(&fakeBeginner{tx: tx}), &fakeExecutor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migrations/001_relay.sql")
	assert.True(t, tx.rolledBack)
}
