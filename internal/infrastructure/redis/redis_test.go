package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/stream"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewClientPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), Config{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping redis")
}

func TestStreamLogReadAckCycle(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	log := NewStreamLog(client)

	require.NoError(t, log.EnsureGroup(ctx, "messages", "g"))
	require.NoError(t, log.EnsureGroup(ctx, "messages", "g"), "second create must tolerate BUSYGROUP")

	id, err := log.Append(ctx, "messages", map[string]string{"payload": "x"})
	require.NoError(t, err)

	entries, err := log.ReadGroup(ctx, "messages", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "x", entries[0].Fields["payload"])
	assert.Equal(t, int64(1), entries[0].Deliveries)

	pending, err := log.PendingCount(ctx, "messages", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	again, err := log.ReadGroup(ctx, "messages", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, log.Ack(ctx, "messages", "g", id))
	pending, err = log.PendingCount(ctx, "messages", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	n, err := log.Len(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStreamLogGroupSeesEarlierEntries(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	log := NewStreamLog(client)

	_, err := log.Append(ctx, "outbox", map[string]string{"payload": "early"})
	require.NoError(t, err)
	require.NoError(t, log.EnsureGroup(ctx, "outbox", "dispatchers"))

	entries, err := log.ReadGroup(ctx, "outbox", "dispatchers", "d1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStreamLogClaimHonoursMinIdle(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	log := NewStreamLog(client)

	require.NoError(t, log.EnsureGroup(ctx, "messages", "g"))
	id, err := log.Append(ctx, "messages", map[string]string{"payload": "x"})
	require.NoError(t, err)

	_, err = log.ReadGroup(ctx, "messages", "g", "crashed", 10, 0)
	require.NoError(t, err)

	claimed, err := log.Claim(ctx, "messages", "g", "rescuer", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry is not idle long enough yet")

	time.Sleep(30 * time.Millisecond)

	claimed, err = log.Claim(ctx, "messages", "g", "rescuer", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "x", claimed[0].Fields["payload"])
	assert.Equal(t, int64(2), claimed[0].Deliveries)

	ext, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: "messages", Group: "g", Start: "-", End: "+", Count: 10,
	}).Result()
	require.NoError(t, err)
	require.Len(t, ext, 1)
	assert.Equal(t, "rescuer", ext[0].Consumer)
}

func TestStreamLogClaimReachesIdleEntryBehindBusyOnes(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	log := NewStreamLog(client)

	require.NoError(t, log.EnsureGroup(ctx, "outbox", "g"))
	var ids []string
	for i := 0; i < 6; i++ {
		id, err := log.Append(ctx, "outbox", map[string]string{"payload": fmt.Sprint(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := log.ReadGroup(ctx, "outbox", "g", "crashed", 10, 0)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// A live worker keeps re-claiming the head of the pending list, so those entries
	// never look idle.
	require.NoError(t, client.XClaim(ctx, &redis.XClaimArgs{
		Stream: "outbox", Group: "g", Consumer: "busy", Messages: ids[:5],
	}).Err())

	claimed, err := log.Claim(ctx, "outbox", "g", "rescuer", 10*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[5], claimed[0].ID)
	assert.Equal(t, int64(2), claimed[0].Deliveries)
}

func TestStreamLogClaimCursorAdvancesAcrossPasses(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	log := NewStreamLog(client)

	require.NoError(t, log.EnsureGroup(ctx, "outbox", "g"))
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "outbox", map[string]string{"payload": fmt.Sprint(i)})
		require.NoError(t, err)
	}
	_, err := log.ReadGroup(ctx, "outbox", "g", "crashed", 10, 0)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	first, err := log.Claim(ctx, "outbox", "g", "rescuer", 10*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The first entry is idle again, but the next pass resumes after it.
	time.Sleep(30 * time.Millisecond)

	second, err := log.Claim(ctx, "outbox", "g", "rescuer", 10*time.Millisecond, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestStreamLogAppendRejectedByServer(t *testing.T) {
	mr, client := newTestClient(t)
	require.NoError(t, mr.Set("outbox", "not a stream"))

	_, err := NewStreamLog(client).Append(context.Background(), "outbox", map[string]string{"payload": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrRejected)
}

func TestStreamLogAppendUnreachableIsNotRejected(t *testing.T) {
	mr, client := newTestClient(t)
	mr.Close()

	_, err := NewStreamLog(client).Append(context.Background(), "outbox", map[string]string{"payload": "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, stream.ErrRejected)
}

func TestDedupeGuardAppendOnce(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	guard := NewDedupeGuard(client)
	fields := map[string]string{"outbox_id": "whatsapp:1:out", "payload": "{}", "v": "1"}

	id, created, err := guard.AppendOnce(ctx, "outbox-dedupe:whatsapp:1", "1-0", time.Hour, "outbox", fields)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)
	assert.True(t, mr.TTL("outbox-dedupe:whatsapp:1") > 0)

	_, created, err = guard.AppendOnce(ctx, "outbox-dedupe:whatsapp:1", "2-0", time.Hour, "outbox", fields)
	require.NoError(t, err)
	assert.False(t, created)

	entries, err := client.XRange(ctx, "outbox", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "whatsapp:1:out", entries[0].Values["outbox_id"])

	_, created, err = guard.AppendOnce(ctx, "outbox-dedupe:sms:2", "3-0", 0, "outbox", fields)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, time.Duration(0), mr.TTL("outbox-dedupe:sms:2"))

	held, err := guard.Exists(ctx, "outbox-dedupe:sms:2")
	require.NoError(t, err)
	assert.True(t, held)
	held, err = guard.Exists(ctx, "outbox-dedupe:sms:3")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDedupeGuard(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	guard := NewDedupeGuard(client)

	created, err := guard.SetIfAbsent(ctx, "outbox-dedupe:whatsapp:1", "1-0", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = guard.SetIfAbsent(ctx, "outbox-dedupe:whatsapp:1", "2-0", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := mr.Get("outbox-dedupe:whatsapp:1")
	require.NoError(t, err)
	assert.Equal(t, "1-0", got)
	assert.True(t, mr.TTL("outbox-dedupe:whatsapp:1") > 0)

	require.NoError(t, guard.Release(ctx, "outbox-dedupe:whatsapp:1"))
	created, err = guard.SetIfAbsent(ctx, "outbox-dedupe:whatsapp:1", "3-0", 0)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStatusStore(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewStatusStore(client)

	_, err := store.Get(ctx, "whatsapp:1:out")
	assert.ErrorIs(t, err, outbox.ErrStatusNotFound)

	require.NoError(t, store.Set(ctx, "whatsapp:1:out", outbox.StatusSent))

	rec, err := store.Get(ctx, "whatsapp:1:out")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, rec.Status)
	assert.Equal(t, "sent", mr.HGet("status:whatsapp:1:out", "status"))
}

func TestStatusStoreSetUnless(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewStatusStore(client)

	written, err := store.SetUnless(ctx, "whatsapp:2:out", outbox.StatusRetrying, outbox.StatusSent)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "retrying", mr.HGet("status:whatsapp:2:out", "status"))

	require.NoError(t, store.Set(ctx, "whatsapp:2:out", outbox.StatusSent))

	written, err = store.SetUnless(ctx, "whatsapp:2:out", outbox.StatusRetrying, outbox.StatusSent)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, "sent", mr.HGet("status:whatsapp:2:out", "status"))
}

func TestDeadLetterStream(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store := NewDeadLetterStream(client, "outbox-dead")

	dl := &outbox.DeadLetter{
		Stream:     "outbox",
		EntryID:    "5-0",
		OutboxID:   "whatsapp:1:out",
		Reason:     "max deliveries exceeded",
		Deliveries: 11,
		Fields:     map[string]string{"outbox_id": "whatsapp:1:out", "payload": "{}"},
	}
	require.NoError(t, store.Put(ctx, dl))
	assert.NotEmpty(t, dl.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dl.ID, list[0].ID)
	assert.Equal(t, "whatsapp:1:out", list[0].OutboxID)
	assert.Equal(t, int64(11), list[0].Deliveries)
	assert.Equal(t, dl.Fields, list[0].Fields)
	assert.False(t, list[0].FailedAt.IsZero())

	require.NoError(t, store.Delete(ctx, dl.ID))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
