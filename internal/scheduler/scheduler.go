// Package scheduler owns the periodic auto-sync timer, the retention timer,
// and the connectivity/wake subscriptions that trigger drain passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// Engine is the slice of the sync engine the scheduler drives.
type Engine interface {
	ProcessQueue(ctx context.Context) (domain.SyncSummary, error)
}

// Purger trims the synced history (the queue manager satisfies it).
type Purger interface {
	PurgeSynced(ctx context.Context, keep int) (int, error)
}

// Config holds the scheduler's intervals and retention window.
type Config struct {
	SyncInterval  time.Duration
	PurgeInterval time.Duration
	RetainSynced  int
}

// Scheduler runs the background cadence: a fixed-interval sync tick, a
// longer-interval purge tick, and immediate passes on online transitions and
// external wake signals (the cross-context "synced-queue" notification).
type Scheduler struct {
	engine  Engine
	purger  Purger
	cfg     Config
	onlineC <-chan bool
	wakeC   <-chan struct{}
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. onlineC carries connectivity transitions from the
// session manager; wakeC is an optional external wake signal (nil disables it).
func New(
	engine Engine,
	purger Purger,
	cfg Config,
	onlineC <-chan bool,
	wakeC <-chan struct{},
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		engine:  engine,
		purger:  purger,
		cfg:     cfg,
		onlineC: onlineC,
		wakeC:   wakeC,
		logger:  logger,
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopC = make(chan struct{})

	s.wg.Add(1)
	go s.run(s.stopC)

	s.logger.Info("auto-sync started",
		zap.Duration("sync_interval", s.cfg.SyncInterval),
		zap.Duration("purge_interval", s.cfg.PurgeInterval))
}

// Stop cancels the timers and detaches the subscriptions. Idempotent and
// safe to call repeatedly (app teardown, view unmount).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopC)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("auto-sync stopped")
}

func (s *Scheduler) run(stopC <-chan struct{}) {
	defer s.wg.Done()

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	purgeTicker := time.NewTicker(s.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-stopC:
			return

		case <-syncTicker.C:
			s.trigger("timer")

		case <-purgeTicker.C:
			if _, err := s.purger.PurgeSynced(context.Background(), s.cfg.RetainSynced); err != nil {
				s.logger.Error("retention purge failed", zap.Error(err))
			}

		case online, ok := <-s.onlineC:
			if !ok {
				return
			}
			if online {
				s.trigger("online")
			}

		case _, ok := <-s.wakeC:
			if !ok {
				// Nil channel blocks forever, so ok=false only happens when a
				// real wake source closed; stop listening to it.
				s.wakeC = nil
				continue
			}
			s.trigger("wake")
		}
	}
}

// trigger runs one pass synchronously within the scheduler loop. Guard
// rejections (pass already running, offline, unauthenticated) are routine.
func (s *Scheduler) trigger(source string) {
	summary, err := s.engine.ProcessQueue(context.Background())
	if err != nil {
		s.logger.Debug("scheduled sync skipped",
			zap.String("source", source), zap.Error(err))
		return
	}
	if summary.Processed > 0 {
		s.logger.Info("scheduled sync pass",
			zap.String("source", source),
			zap.Int("synced", summary.Synced),
			zap.Int("errors", summary.Errors),
			zap.Int("requeued", summary.Requeued))
	}
}
