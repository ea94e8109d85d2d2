package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/api"
	"github.com/attendhub/outbox-agent/internal/config"
	"github.com/attendhub/outbox-agent/internal/db"
	"github.com/attendhub/outbox-agent/internal/metrics"
	"github.com/attendhub/outbox-agent/internal/queue"
	"github.com/attendhub/outbox-agent/internal/ratelimiter"
	"github.com/attendhub/outbox-agent/internal/repository"
	"github.com/attendhub/outbox-agent/internal/scheduler"
	"github.com/attendhub/outbox-agent/internal/session"
	syncengine "github.com/attendhub/outbox-agent/internal/sync"
	"github.com/attendhub/outbox-agent/internal/transport"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- durable store ----
	// A store that cannot open at all disables the agent entirely; that is
	// fatal and visible, never swallowed.
	sqlDB, err := db.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open durable store", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := db.Migrate(sqlDB); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("durable store ready", zap.String("data_dir", cfg.DataDir))

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	repo := repository.NewSQLiteQueueRepository(sqlDB)

	sess := session.NewManager(cfg.DeviceID, tokenRefresher(cfg), logger)
	if token := os.Getenv("BACKEND_TOKEN"); token != "" {
		sess.SetToken(token)
	}

	notify := func(msg string) {
		// Stand-in for the UI toast surface: non-fatal, but visible.
		logger.Warn("user notification", zap.String("message", msg))
	}
	mgr := queue.NewManager(repo, sess, cfg.DeviceID, cfg.MaxRetries, logger, notify)

	// Items a previous run left in_progress are re-armed before any draining.
	if err := mgr.RecoverInProgress(context.Background()); err != nil {
		logger.Fatal("failed to recover in-progress items", zap.Error(err))
	}

	tr := transport.NewHTTPAdapter(cfg.BackendBaseURL, cfg.SubmitTimeout, sess)
	limiter := ratelimiter.New(cfg.RateLimit)

	onSynced, onFailed, onRequeued, onPass := m.EngineHooks()
	engine := syncengine.NewEngine(repo, tr, sess, limiter, syncengine.Options{
		BatchSize:     cfg.BatchSize,
		SubmitTimeout: cfg.SubmitTimeout,
		RepassDelay:   cfg.RepassDelay,
	}, logger, syncengine.Hooks{
		OnSynced:   onSynced,
		OnFailed:   onFailed,
		OnRequeued: onRequeued,
		OnPass:     onPass,
		OnAttachmentUpload: func(ok bool) {
			if ok {
				m.AttachmentsUploaded.Inc()
			} else {
				m.AttachmentsFailed.Inc()
			}
		},
	})
	mgr.SetKick(engine.Kick)

	// ---- background scheduler ----
	sched := scheduler.New(engine, mgr, scheduler.Config{
		SyncInterval:  cfg.SyncInterval,
		PurgeInterval: cfg.PurgeInterval,
		RetainSynced:  cfg.RetainSynced,
	}, sess.OnlineChanges(), nil, logger)
	sched.Start()
	defer sched.Stop()

	// ---- local HTTP API ----
	router := api.NewRouter(mgr, engine, m, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("agent API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop()
	logger.Info("agent stopped cleanly")
}

// tokenRefresher exchanges the device key for a fresh bearer token.
// The exact auth endpoint belongs to the backend's contract; a deployment
// without BACKEND_DEVICE_KEY runs until the injected token expires.
func tokenRefresher(cfg *config.Config) session.RefreshFunc {
	deviceKey := os.Getenv("BACKEND_DEVICE_KEY")
	if deviceKey == "" {
		return nil
	}
	return transport.DeviceTokenRefresh(cfg.BackendBaseURL, cfg.DeviceID, deviceKey, cfg.SubmitTimeout)
}
