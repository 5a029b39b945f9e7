package api

import (
	"log/slog"
	"net/http"
	"time"

	"omnirelay/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// idempotencyTTL is how long a completed POST /messages response is replayed.
const idempotencyTTL = 24 * time.Hour

func NewRouter(h *Handlers, store middleware.Store, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(ChiMiddleware.RequestID)
	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if store != nil {
		r.With(middleware.Idempotency(store, idempotencyTTL)).Post("/messages", h.IngestMessage)
	} else {
		r.Post("/messages", h.IngestMessage)
	}

	r.Get("/status/{outboxId}", h.GetStatus)
	r.Get("/pipeline/stats", h.PipelineStats)
	r.Post("/dead-letters/requeue", h.RequeueDeadLetters)

	r.Handle("/metrics", promhttp.Handler())

	logger.Info("registered routes",
		"routes", []string{
			"POST /messages (idempotent)",
			"GET /status/{outboxId}",
			"GET /pipeline/stats",
			"POST /dead-letters/requeue",
			"GET /metrics",
		},
	)

	return r
}
