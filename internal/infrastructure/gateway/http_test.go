package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delivery() outbox.Delivery {
	return outbox.Delivery{
		OutboxID:       "whatsapp:e2e-1:out",
		Channel:        "whatsapp",
		Gateway:        "meta",
		ConversationID: "conv-1",
		Payload:        []byte(`{"outboxId":"whatsapp:e2e-1:out"}`),
	}
}

func TestHTTPGatewaySendsExpectedRequest(t *testing.T) {
	var (
		capturedAuth, capturedKey, capturedPath, capturedChannel string
		capturedBody                                             []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedKey = r.Header.Get("Idempotency-Key")
		capturedChannel = r.Header.Get("X-Channel")
		capturedPath = r.URL.Path
		capturedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	gw := NewHTTPGateway(HTTPOptions{BaseURL: server.URL + "/", Token: "token_123", HTTPClient: server.Client()})

	require.NoError(t, gw.Deliver(context.Background(), delivery()))
	assert.Equal(t, "Bearer token_123", capturedAuth)
	assert.Equal(t, "whatsapp:e2e-1:out", capturedKey)
	assert.Equal(t, "whatsapp", capturedChannel)
	assert.Equal(t, "/v1/gateways/meta/messages", capturedPath)
	assert.JSONEq(t, `{"outboxId":"whatsapp:e2e-1:out"}`, string(capturedBody))
}

func TestHTTPGatewayNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	gw := NewHTTPGateway(HTTPOptions{BaseURL: server.URL, HTTPClient: server.Client()})

	err := gw.Deliver(context.Background(), delivery())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryRejected))
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestHTTPGatewayBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	gw := NewHTTPGateway(HTTPOptions{
		BaseURL:         server.URL,
		HTTPClient:      server.Client(),
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	for i := 0; i < 2; i++ {
		require.Error(t, gw.Deliver(context.Background(), delivery()))
	}

	err := gw.Deliver(context.Background(), delivery())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPGatewayDefaultRoute(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer server.Close()

	d := delivery()
	d.Gateway = ""
	gw := NewHTTPGateway(HTTPOptions{BaseURL: server.URL, HTTPClient: server.Client()})

	require.NoError(t, gw.Deliver(context.Background(), d))
	assert.Equal(t, "/v1/gateways/default/messages", path)
}
