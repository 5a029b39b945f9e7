package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/usecase"

	"github.com/go-chi/chi/v5"
)

const maxMessageBytes = 1 << 20

type Handlers struct {
	ingestUC  *usecase.IngestMessage
	statusUC  *usecase.GetStatus
	statsUC   *usecase.GetPipelineStats
	requeueUC *usecase.RequeueDeadLetters
	logger    *slog.Logger
}

func NewHandlers(
	ingestUC *usecase.IngestMessage,
	statusUC *usecase.GetStatus,
	statsUC *usecase.GetPipelineStats,
	requeueUC *usecase.RequeueDeadLetters,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ingestUC:  ingestUC,
		statusUC:  statusUC,
		statsUC:   statsUC,
		requeueUC: requeueUC,
		logger:    logger,
	}
}

func (h *Handlers) IngestMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	id, err := h.ingestUC.ExecuteRaw(r.Context(), raw)
	if err != nil {
		if errors.Is(err, envelope.ErrInvalidEnvelope) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id})
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "outboxId")

	rec, err := h.statusUC.Execute(r.Context(), id)
	if err != nil {
		if errors.Is(err, outbox.ErrStatusNotFound) {
			writeError(w, http.StatusNotFound, "status not found")
			return
		}
		h.logger.Error("get status failed", "outbox_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, map[string]string{
		"outbox_id": rec.OutboxID,
		"status":    rec.Status,
	})
}

func (h *Handlers) PipelineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.statsUC.Execute(r.Context())
	if err != nil {
		h.logger.Error("pipeline stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	var limit int64
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	moved, err := h.requeueUC.Execute(r.Context(), limit)
	if err != nil {
		h.logger.Error("requeue failed", "requeued", moved, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    "requeue failed",
			"requeued": moved,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
