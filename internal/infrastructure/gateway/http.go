package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"omnirelay/internal/domain/outbox"

	"github.com/sony/gobreaker"
)

// ErrDeliveryRejected is returned when the gateway answers with a non-2xx status.
var ErrDeliveryRejected = errors.New("delivery rejected by gateway")

type HTTPOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Breaker settings. Zero values fall back to the defaults below.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// HTTPGateway posts outbox envelopes to the channel gateway.
type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

func NewHTTPGateway(opts HTTPOptions) *HTTPGateway {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delivery-gateway",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPGateway{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}
}

var _ outbox.Gateway = (*HTTPGateway)(nil)

func (g *HTTPGateway) Deliver(ctx context.Context, d outbox.Delivery) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.post(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("deliver %s: %w", d.OutboxID, err)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, d outbox.Delivery) error {
	gatewayName := d.Gateway
	if gatewayName == "" {
		gatewayName = "default"
	}
	endpoint := g.baseURL + "/v1/gateways/" + url.PathEscape(gatewayName) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.OutboxID)
	req.Header.Set("X-Channel", d.Channel)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrDeliveryRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
