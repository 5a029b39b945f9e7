package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"omnirelay/internal/domain/outbox"
	redisinfra "omnirelay/internal/infrastructure/redis"
	"omnirelay/internal/usecase"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validMessage = `{"id":"wa-1","channel":"whatsapp","conversationId":"c-1","from":"+1","to":"+2","timestamp":"2026-03-01T10:00:00Z","text":"hello"}`

type testServer struct {
	mr          *miniredis.Miniredis
	log         *redisinfra.StreamLog
	statuses    *redisinfra.StatusStore
	deadLetters *redisinfra.DeadLetterStream
	handler     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisinfra.NewClient(context.Background(), redisinfra.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := redisinfra.NewStreamLog(client)
	statuses := redisinfra.NewStatusStore(client)
	deadLetters := redisinfra.NewDeadLetterStream(client, "outbox-dead")

	h := NewHandlers(
		usecase.NewIngestMessage(log, "messages"),
		usecase.NewGetStatus(statuses),
		usecase.NewGetPipelineStats(log, deadLetters,
			usecase.StreamGroup{Stream: "messages", Group: "relay-consumers"},
			usecase.StreamGroup{Stream: "outbox", Group: "relay-dispatchers"},
		),
		usecase.NewRequeueDeadLetters(log, deadLetters, redisinfra.NewDedupeGuard(client), logger),
		logger,
	)

	return &testServer{
		mr:          mr,
		log:         log,
		statuses:    statuses,
		deadLetters: deadLetters,
		handler:     NewRouter(h, client, logger),
	}
}

func (s *testServer) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) messagesLen(t *testing.T) int64 {
	t.Helper()
	n, err := s.log.Len(context.Background(), "messages")
	require.NoError(t, err)
	return n
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestIngestMessageAccepted(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/messages", validMessage, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["entry_id"])
	assert.Equal(t, int64(1), s.messagesLen(t))
}

func TestIngestMessageRejectsInvalidEnvelope(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/messages", `{"id":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/messages", `{broken`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), s.messagesLen(t))
}

func TestIngestMessageIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	first := s.do(t, http.MethodPost, "/messages", validMessage, headers)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := s.do(t, http.MethodPost, "/messages", validMessage, headers)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Hit"))
	assert.Contains(t, second.Body.String(), "entry_id")
	assert.Equal(t, int64(1), s.messagesLen(t))
}

func TestIngestMessageFailedRequestReleasesIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "req-2"}

	bad := s.do(t, http.MethodPost, "/messages", `{"id":"x"}`, headers)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.False(t, s.mr.Exists("idempotency:req-2"))

	good := s.do(t, http.MethodPost, "/messages", validMessage, headers)
	assert.Equal(t, http.StatusAccepted, good.Code)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/status/whatsapp:wa-1:out", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, s.statuses.Set(context.Background(), "whatsapp:wa-1:out", outbox.StatusSent))

	rec = s.do(t, http.MethodGet, "/status/whatsapp:wa-1:out", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outbox_id":"whatsapp:wa-1:out","status":"sent"}`, rec.Body.String())
}

func TestPipelineStats(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/messages", validMessage, nil).Code)

	rec := s.do(t, http.MethodGet, "/pipeline/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats usecase.PipelineStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Messages.Length)
	assert.Equal(t, "outbox", stats.Outbox.Stream)
}

func TestRequeueDeadLetters(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodPost, "/dead-letters/requeue?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, s.deadLetters.Put(ctx, &outbox.DeadLetter{
		Stream:   "outbox",
		EntryID:  "1-0",
		OutboxID: "whatsapp:wa-1:out",
		Reason:   "max deliveries exceeded",
		Fields:   map[string]string{"outbox_id": "whatsapp:wa-1:out", "payload": "{}", "v": "1"},
	}))

	rec = s.do(t, http.MethodPost, "/dead-letters/requeue?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requeued":1}`, rec.Body.String())

	n, err := s.log.Len(ctx, "outbox")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
