// Package sync implements the engine that drains the durable queue against
// the network: outcome classification, bounded retry, the bulk all-or-nothing
// sub-flow, and the dependent attachment chain.
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/domain"
	"github.com/attendhub/outbox-agent/internal/ratelimiter"
	"github.com/attendhub/outbox-agent/internal/repository"
	"github.com/attendhub/outbox-agent/internal/transport"
)

// Session is the slice of the session manager the engine depends on.
type Session interface {
	Online() bool
	Authenticated() bool
	Invalidate()
}

// Hooks carries the metric callback functions injected by main.
// Using a struct keeps the engine constructor signature clean; nil fields
// are replaced with no-ops.
type Hooks struct {
	OnSynced           func(domain.EventType)
	OnFailed           func(domain.EventType)
	OnRequeued         func(domain.EventType)
	OnPass             func(time.Duration)
	OnAttachmentUpload func(ok bool)
}

func (h *Hooks) fillDefaults() {
	if h.OnSynced == nil {
		h.OnSynced = func(domain.EventType) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.EventType) {}
	}
	if h.OnRequeued == nil {
		h.OnRequeued = func(domain.EventType) {}
	}
	if h.OnPass == nil {
		h.OnPass = func(time.Duration) {}
	}
	if h.OnAttachmentUpload == nil {
		h.OnAttachmentUpload = func(bool) {}
	}
}

// Options bound one drain pass.
type Options struct {
	// BatchSize caps how many items one pass takes on, keeping a pass short.
	BatchSize int
	// SubmitTimeout bounds every transport call so a hung request is
	// classified as a connectivity failure instead of holding the
	// single-flight guard forever.
	SubmitTimeout time.Duration
	// RepassDelay is the pause before the follow-up pass scheduled when
	// eligible items remain after a batch.
	RepassDelay time.Duration
}

// Engine drains the queue. At most one pass is in flight at a time; the
// guard is an atomic compare-and-swap, not a boolean, so overlapping
// triggers (timer tick, manual sync-now, enqueue kick) collapse into one
// active pass.
type Engine struct {
	repo    repository.QueueRepository
	tr      transport.Adapter
	sess    Session
	limiter *ratelimiter.EndpointLimiters
	opts    Options
	logger  *zap.Logger
	hooks   Hooks

	running atomic.Bool
}

func NewEngine(
	repo repository.QueueRepository,
	tr transport.Adapter,
	sess Session,
	limiter *ratelimiter.EndpointLimiters,
	opts Options,
	logger *zap.Logger,
	hooks Hooks,
) *Engine {
	hooks.fillDefaults()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.RepassDelay <= 0 {
		opts.RepassDelay = 2 * time.Second
	}
	return &Engine{
		repo:    repo,
		tr:      tr,
		sess:    sess,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
		hooks:   hooks,
	}
}

// Kick requests an opportunistic pass without blocking the caller. Guard
// rejections (already running, offline, unauthenticated) are expected and
// not reported.
func (e *Engine) Kick() {
	go func() {
		if _, err := e.ProcessQueue(context.Background()); err != nil {
			e.logger.Debug("opportunistic sync skipped", zap.Error(err))
		}
	}()
}

// ProcessQueue runs one drain pass: select eligible items FIFO, submit them
// sequentially, classify each outcome, then retry pending attachment uploads
// for already-synced items. If eligible items remain beyond the batch, a
// follow-up pass is scheduled after a short delay rather than looping.
//
// Item failures never surface as the returned error; they are aggregated in
// the summary. The error reports only why a pass could not run at all.
func (e *Engine) ProcessQueue(ctx context.Context) (domain.SyncSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return domain.SyncSummary{}, domain.ErrSyncRunning
	}
	defer e.running.Store(false)

	if !e.sess.Online() {
		return domain.SyncSummary{}, domain.ErrOffline
	}
	if !e.sess.Authenticated() {
		return domain.SyncSummary{}, domain.ErrUnauthenticated
	}

	start := time.Now()
	var summary domain.SyncSummary

	items, err := e.repo.FindEligible(ctx, e.opts.BatchSize)
	if err != nil {
		e.logger.Error("failed to select eligible items", zap.Error(err))
		return summary, err
	}

	for _, item := range items {
		if !e.processItem(ctx, item, &summary) {
			// Lost authentication: every further call would fail the same
			// way, so the pass stops here. Untouched items stay eligible.
			e.hooks.OnPass(time.Since(start))
			return summary, domain.ErrUnauthenticated
		}
	}

	e.drainAttachments(ctx, &summary)

	remaining, err := e.repo.CountEligible(ctx)
	if err != nil {
		e.logger.Error("failed to count remaining items", zap.Error(err))
	} else {
		summary.Remaining = remaining
		if remaining > 0 {
			// Yield instead of looping; the delay doubles as a primitive
			// backoff between batches.
			time.AfterFunc(e.opts.RepassDelay, e.Kick)
		}
	}

	e.hooks.OnPass(time.Since(start))
	e.logger.Info("sync pass completed",
		zap.Int("processed", summary.Processed),
		zap.Int("synced", summary.Synced),
		zap.Int("errors", summary.Errors),
		zap.Int("requeued", summary.Requeued),
		zap.Int("remaining", summary.Remaining),
	)
	return summary, nil
}

// processItem submits one item and applies the outcome classification.
// It returns false only when the session turned out to be unauthenticated,
// which aborts the rest of the pass.
func (e *Engine) processItem(ctx context.Context, item *domain.QueueItem, summary *domain.SyncSummary) bool {
	log := e.logger.With(
		zap.String("item_id", item.ID),
		zap.String("type", string(item.Type)),
	)

	// Persist the transition before attempting delivery so a crash mid-pass
	// leaves an inspectable in_progress record, not a silent loss.
	if err := e.repo.UpdateStatus(ctx, item.ID, domain.StatusInProgress); err != nil {
		log.Error("failed to mark item in_progress", zap.Error(err))
		return true
	}
	summary.Processed++

	if err := e.limiter.Wait(ctx, ratelimiter.EndpointSingle); err != nil {
		// ctx cancelled while waiting — shutting down. The compensating write
		// gets its own context; the cancelled one would reject it and leave
		// the item in_progress until the next startup recovery.
		wctx, cancel := writeCtx()
		e.requeue(wctx, item, "cancelled before submission", summary)
		cancel()
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	res, err := e.tr.SubmitEvent(callCtx, item)
	cancel()

	switch {
	case err == nil:
		now := time.Now().UTC()
		if err := e.repo.MarkSynced(ctx, item.ID, res.ServerRef, now); err != nil {
			log.Error("failed to mark item synced", zap.Error(err))
			return true
		}
		e.hooks.OnSynced(item.Type)
		summary.Synced++
		log.Debug("item synced", zap.String("server_ref", res.ServerRef))

	case transport.IsAuth(err):
		// Token refresh already happened (and failed) inside the transport.
		e.requeue(ctx, item, "unauthorized", summary)
		e.sess.Invalidate()
		log.Warn("sync paused: session unauthenticated")
		return false

	case transport.IsConnectivity(err):
		// The request never reached the server; regained connectivity fixes
		// this, so the retry budget is untouched and the batch continues.
		e.requeue(ctx, item, err.Error(), summary)
		log.Debug("connectivity failure, item requeued", zap.Error(err))

	default:
		// The server answered with an error status: consume retry budget.
		if err := e.repo.MarkError(ctx, item.ID, err.Error()); err != nil {
			log.Error("failed to mark item error", zap.Error(err))
			return true
		}
		e.hooks.OnFailed(item.Type)
		summary.Errors++
		log.Warn("application failure",
			zap.Int("retries", item.Retries+1),
			zap.Int("max_retries", item.MaxRetries),
			zap.Error(err),
		)
	}
	return true
}

func (e *Engine) requeue(ctx context.Context, item *domain.QueueItem, reason string, summary *domain.SyncSummary) {
	if err := e.repo.Requeue(ctx, item.ID, reason); err != nil {
		e.logger.Error("failed to requeue item", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	e.hooks.OnRequeued(item.Type)
	summary.Requeued++
}

// ProcessGroup submits every pending item of one logical context (a course
// or gate) as a single atomic bulk request. All-or-nothing: the whole set
// syncs or the whole set fails with one retry consumed each. No partial
// success.
func (e *Engine) ProcessGroup(ctx context.Context, groupKey string) (domain.SyncSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return domain.SyncSummary{}, domain.ErrSyncRunning
	}
	defer e.running.Store(false)

	if !e.sess.Online() {
		return domain.SyncSummary{}, domain.ErrOffline
	}
	if !e.sess.Authenticated() {
		return domain.SyncSummary{}, domain.ErrUnauthenticated
	}

	var summary domain.SyncSummary

	items, err := e.repo.FindPendingGroup(ctx, groupKey)
	if err != nil {
		return summary, err
	}
	if len(items) == 0 {
		return summary, domain.ErrGroupEmpty
	}

	for _, item := range items {
		if err := e.repo.UpdateStatus(ctx, item.ID, domain.StatusInProgress); err != nil {
			e.logger.Error("failed to mark group in_progress",
				zap.String("item_id", item.ID), zap.Error(err))
			return summary, err
		}
	}
	summary.Processed = len(items)

	if err := e.limiter.Wait(ctx, ratelimiter.EndpointBulk); err != nil {
		wctx, cancel := writeCtx()
		e.requeueAll(wctx, items, "cancelled before submission", &summary)
		cancel()
		return summary, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	refs, err := e.tr.SubmitBulk(callCtx, groupKey, items)
	cancel()

	switch {
	case err == nil:
		now := time.Now().UTC()
		for _, item := range items {
			if err := e.repo.MarkSynced(ctx, item.ID, refs[item.IdempotencyKey], now); err != nil {
				e.logger.Error("failed to mark bulk item synced",
					zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			e.hooks.OnSynced(item.Type)
			summary.Synced++
		}
		e.logger.Info("bulk group synced",
			zap.String("group_key", groupKey), zap.Int("count", summary.Synced))

	case transport.IsAuth(err):
		e.requeueAll(ctx, items, "unauthorized", &summary)
		e.sess.Invalidate()
		return summary, domain.ErrUnauthenticated

	case transport.IsConnectivity(err):
		e.requeueAll(ctx, items, err.Error(), &summary)

	default:
		for _, item := range items {
			if markErr := e.repo.MarkError(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Error("failed to mark bulk item error",
					zap.String("item_id", item.ID), zap.Error(markErr))
				continue
			}
			e.hooks.OnFailed(item.Type)
			summary.Errors++
		}
		e.logger.Warn("bulk group failed",
			zap.String("group_key", groupKey), zap.Error(err))
	}

	e.drainAttachments(ctx, &summary)
	return summary, nil
}

func (e *Engine) requeueAll(ctx context.Context, items []*domain.QueueItem, reason string, summary *domain.SyncSummary) {
	for _, item := range items {
		e.requeue(ctx, item, reason, summary)
	}
}

// writeCtx returns a short-lived context for compensating writes that must
// still land after the pass context has been cancelled.
func writeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// attachmentBatch caps attachment uploads per pass; a large binary transfer
// must not stretch a pass indefinitely.
const attachmentBatch = 3

// drainAttachments uploads outstanding attachments for items that have
// already synced. Upload failure only marks the attachment, never the parent
// item: the canonical attendance fact is not held hostage by a binary
// transfer.
func (e *Engine) drainAttachments(ctx context.Context, summary *domain.SyncSummary) {
	items, err := e.repo.FindPendingAttachments(ctx, attachmentBatch)
	if err != nil {
		e.logger.Error("failed to select pending attachments", zap.Error(err))
		return
	}

	for _, item := range items {
		if item.ServerRef == nil || item.AttachmentPath == nil {
			continue
		}

		if err := e.limiter.Wait(ctx, ratelimiter.EndpointAttachment); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
		err := e.tr.UploadAttachment(callCtx, *item.ServerRef, *item.AttachmentPath)
		cancel()

		switch {
		case err == nil:
			if err := e.repo.SetAttachmentState(ctx, item.ID, domain.AttachmentUploaded, nil); err != nil {
				e.logger.Error("failed to mark attachment uploaded",
					zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			e.hooks.OnAttachmentUpload(true)
			summary.Attachments++

		case transport.IsConnectivity(err) || transport.IsAuth(err):
			// Stays pending; a later pass retries it.
			msg := err.Error()
			if err := e.repo.SetAttachmentState(ctx, item.ID, domain.AttachmentPending, &msg); err != nil {
				e.logger.Error("failed to record attachment failure",
					zap.String("item_id", item.ID), zap.Error(err))
			}
			e.hooks.OnAttachmentUpload(false)

		default:
			// Server rejection or unreadable local file: terminal, surfaced
			// as a standalone failure on the item, not retried automatically.
			// Leaving these pending would let a few broken attachments occupy
			// the per-pass window forever and starve newer uploads.
			msg := err.Error()
			if err := e.repo.SetAttachmentState(ctx, item.ID, domain.AttachmentFailed, &msg); err != nil {
				e.logger.Error("failed to mark attachment failed",
					zap.String("item_id", item.ID), zap.Error(err))
			}
			e.hooks.OnAttachmentUpload(false)
			e.logger.Warn("attachment upload failed permanently",
				zap.String("item_id", item.ID), zap.Error(err))
		}
	}
}
