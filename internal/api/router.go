package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/api/handler"
	apimw "github.com/attendhub/outbox-agent/internal/api/middleware"
	"github.com/attendhub/outbox-agent/internal/metrics"
	"github.com/attendhub/outbox-agent/internal/queue"
	syncengine "github.com/attendhub/outbox-agent/internal/sync"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route of the agent's local API. It is the single source of truth for
// the HTTP surface area.
func NewRouter(
	mgr *queue.Manager,
	engine *syncengine.Engine,
	m *metrics.Metrics,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	qh := handler.NewQueueHandler(mgr, m, logger)
	sh := handler.NewSyncHandler(engine, logger)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Queue — note: /counts must be registered before /{id}
		// so chi does not treat the literal string "counts" as an ID.
		r.Get("/queue/counts", qh.Counts)
		r.Post("/queue", qh.Enqueue)
		r.Get("/queue", qh.List)
		r.Get("/queue/{id}", qh.GetByID)
		r.Post("/queue/{id}/retry", qh.Retry)

		// Sync
		r.Post("/sync", sh.SyncNow)
		r.Post("/sync/groups/{key}", sh.SyncGroup)
	})

	return r
}
