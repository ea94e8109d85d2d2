package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/domain"
	syncengine "github.com/attendhub/outbox-agent/internal/sync"
)

// SyncHandler exposes manual "sync now" and the bulk group sub-flow.
type SyncHandler struct {
	engine *syncengine.Engine
	logger *zap.Logger
}

func NewSyncHandler(engine *syncengine.Engine, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{engine: engine, logger: logger}
}

// SyncNow handles POST /api/v1/sync.
//
// The response distinguishes the three states the UI needs: a pass already in
// progress (409), a pass that could not run (503 offline/unauthenticated),
// and a completed pass (200 with the summary; "nothing_to_do" when the queue
// held no eligible items).
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.ProcessQueue(r.Context())
	if err != nil && !errors.Is(err, domain.ErrUnauthenticated) {
		mapError(w, err)
		return
	}
	if errors.Is(err, domain.ErrUnauthenticated) && summary.Processed == 0 {
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  passStatus(summary),
		"summary": summary,
	})
}

// SyncGroup handles POST /api/v1/sync/groups/{key} — the all-or-nothing bulk
// submission for one logical context (course or gate).
func (h *SyncHandler) SyncGroup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	summary, err := h.engine.ProcessGroup(r.Context(), key)
	if errors.Is(err, domain.ErrGroupEmpty) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":  "nothing_to_do",
			"summary": summary,
		})
		return
	}
	if err != nil && summary.Processed == 0 {
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  passStatus(summary),
		"summary": summary,
	})
}

func passStatus(s domain.SyncSummary) string {
	switch {
	case s.Processed == 0:
		return "nothing_to_do"
	case s.Errors > 0:
		return "completed_with_errors"
	default:
		return "completed"
	}
}
