package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/attendhub/outbox-agent/internal/api/middleware"
	"github.com/attendhub/outbox-agent/internal/domain"
	"github.com/attendhub/outbox-agent/internal/metrics"
	"github.com/attendhub/outbox-agent/internal/queue"
)

// QueueHandler handles the queue CRUD endpoints consumed by the device UI.
type QueueHandler struct {
	mgr    *queue.Manager
	m      *metrics.Metrics
	logger *zap.Logger
}

func NewQueueHandler(mgr *queue.Manager, m *metrics.Metrics, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{mgr: mgr, m: m, logger: logger}
}

// Enqueue handles POST /api/v1/queue
//
// Storage failures are absorbed by the manager (the UI action is never
// rolled back), so the only error paths here are validation ones.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item, err := h.mgr.Enqueue(r.Context(), req)
	if err != nil {
		h.logger.Warn("enqueue rejected",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// List handles GET /api/v1/queue with status/type/date filters.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	items, err := h.mgr.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list queue items")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// GetByID handles GET /api/v1/queue/{id}
func (h *QueueHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// Counts handles GET /api/v1/queue/counts. It must answer even while a sync
// pass is running; reads never take the engine's guard.
func (h *QueueHandler) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.mgr.Counts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count queue items")
		return
	}
	if h.m != nil {
		h.m.SetQueueDepths(counts)
	}
	respondJSON(w, http.StatusOK, counts)
}

// Retry handles POST /api/v1/queue/{id}/retry — the manual re-arm of a
// failed item, allowed even past the automatic retry limit.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mgr.Retry(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	var filter domain.ListFilter

	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if t := q.Get("type"); t != "" {
		et := domain.EventType(t)
		filter.Type = &et
	}
	if f := q.Get("from"); f != "" {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 500 {
		filter.Limit = l
	}
	return filter
}
