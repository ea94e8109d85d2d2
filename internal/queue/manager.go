// Package queue implements the queue manager: the single writer of queue
// records. It owns id and idempotency-key generation and the status
// transitions requested by the sync engine.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/domain"
	"github.com/attendhub/outbox-agent/internal/repository"
)

// Gate reports whether an opportunistic sync kick makes sense right now.
// The session manager satisfies it.
type Gate interface {
	Online() bool
	Authenticated() bool
}

// Notifier surfaces non-fatal conditions (storage errors on enqueue) to the
// UI as a transient notification. Failures here never roll back the user's
// action.
type Notifier func(message string)

// Manager provides CRUD over queue items.
type Manager struct {
	repo       repository.QueueRepository
	gate       Gate
	deviceID   string
	maxRetries int
	logger     *zap.Logger
	notify     Notifier

	// kick asks the sync engine for an opportunistic pass; must not block.
	kick func()
}

func NewManager(
	repo repository.QueueRepository,
	gate Gate,
	deviceID string,
	maxRetries int,
	logger *zap.Logger,
	notify Notifier,
) *Manager {
	if notify == nil {
		notify = func(string) {}
	}
	return &Manager{
		repo:       repo,
		gate:       gate,
		deviceID:   deviceID,
		maxRetries: maxRetries,
		logger:     logger,
		notify:     notify,
		kick:       func() {},
	}
}

// SetKick installs the opportunistic sync trigger. Wired after the engine is
// constructed (the engine depends on the manager, not the other way around).
func (m *Manager) SetKick(kick func()) {
	if kick != nil {
		m.kick = kick
	}
}

// Enqueue captures one user action as a new queue item. It never fails the
// caller on storage problems: the error is logged and surfaced through the
// notifier, and the returned item reflects what was attempted. Only request
// validation is reported as an error.
func (m *Manager) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.QueueItem, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	item := &domain.QueueItem{
		ID:              uuid.New().String(),
		Type:            req.Type,
		Payload:         req.Payload,
		Status:          domain.StatusPending,
		Retries:         0,
		MaxRetries:      m.maxRetries,
		AttachmentState: domain.AttachmentNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.GroupKey != "" {
		gk := req.GroupKey
		item.GroupKey = &gk
	}
	if req.AttachmentPath != "" {
		p := req.AttachmentPath
		item.AttachmentPath = &p
		item.AttachmentState = domain.AttachmentPending
	}

	if err := m.repo.Create(ctx, item, m.deviceID); err != nil {
		// Known accepted gap: the record may be lost, but the user's action
		// is not blocked or rolled back.
		m.logger.Error("failed to persist queue item",
			zap.String("id", item.ID), zap.String("type", string(item.Type)), zap.Error(err))
		m.notify("could not save action locally; it may be lost if the app closes")
		return item, nil
	}

	m.logger.Debug("enqueued item",
		zap.String("id", item.ID),
		zap.String("type", string(item.Type)),
		zap.String("idempotency_key", item.IdempotencyKey))

	if m.gate.Online() && m.gate.Authenticated() {
		m.kick()
	}
	return item, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	return m.repo.GetByID(ctx, id)
}

// List is a read-only projection used by the UI and by manual inspection; it
// works while a sync pass is running.
func (m *Manager) List(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, error) {
	return m.repo.List(ctx, filter)
}

func (m *Manager) Counts(ctx context.Context) (domain.QueueCounts, error) {
	return m.repo.Counts(ctx)
}

// Retry manually re-arms a failed item (error -> pending). Allowed even when
// the retry budget is exhausted; the retry counter is deliberately kept, so
// each re-arm buys exactly one more automatic attempt.
func (m *Manager) Retry(ctx context.Context, id string) error {
	item, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != domain.StatusError {
		return domain.ErrNotRetryable
	}
	if err := m.repo.Requeue(ctx, id, ""); err != nil {
		return err
	}
	if m.gate.Online() && m.gate.Authenticated() {
		m.kick()
	}
	return nil
}

// PurgeSynced trims the synced history to the most recent keep items.
func (m *Manager) PurgeSynced(ctx context.Context, keep int) (int, error) {
	n, err := m.repo.PurgeSynced(ctx, keep)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged synced items", zap.Int("count", n), zap.Int("kept", keep))
	}
	return n, nil
}

// RecoverInProgress re-arms items a previous process left in_progress.
// Called once at startup, before the scheduler starts.
func (m *Manager) RecoverInProgress(ctx context.Context) error {
	n, err := m.repo.RequeueInProgress(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("recovered items stuck in_progress from a previous run", zap.Int("count", n))
	}
	return nil
}
