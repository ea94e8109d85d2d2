package repository

import (
	"context"
	"time"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// QueueRepository defines all persistence operations for queue items.
// The SQLite implementation is in sqlite_queue_repo.go.
// Tests use a hand-written mock (mock_queue_repo.go).
//
// Create is only called by the queue manager's Enqueue. The sync engine
// writes status transitions directly; the queue manager's own writes are the
// manual re-arm (Requeue), the retention purge, and startup recovery.
type QueueRepository interface {
	// Create persists a new item, allocating its per-device sequence number
	// and idempotency key atomically with the insert.
	Create(ctx context.Context, item *domain.QueueItem, deviceID string) error

	GetByID(ctx context.Context, id string) (*domain.QueueItem, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.QueueItem, error)
	Counts(ctx context.Context) (domain.QueueCounts, error)

	// UpdateStatus performs a bare status transition (pending <-> in_progress).
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	// MarkSynced records a successful delivery with the server-assigned ref.
	MarkSynced(ctx context.Context, id string, serverRef string, syncedAt time.Time) error
	// MarkError records an application-level failure and increments retries.
	MarkError(ctx context.Context, id string, errMsg string) error
	// Requeue reverts an item to pending without touching retries
	// (connectivity failures and manual re-arms).
	Requeue(ctx context.Context, id string, errMsg string) error

	// FindEligible selects items due for automatic draining: pending, or
	// error with retries below the item's own limit. Oldest first.
	FindEligible(ctx context.Context, limit int) ([]*domain.QueueItem, error)
	CountEligible(ctx context.Context) (int, error)

	// FindPendingGroup selects the pending items sharing a group key,
	// oldest first (bulk sub-flow).
	FindPendingGroup(ctx context.Context, groupKey string) ([]*domain.QueueItem, error)

	// FindPendingAttachments selects synced items whose attachment upload is
	// still outstanding.
	FindPendingAttachments(ctx context.Context, limit int) ([]*domain.QueueItem, error)
	SetAttachmentState(ctx context.Context, id string, state domain.AttachmentState, errMsg *string) error

	// RequeueInProgress re-arms items a crash left in_progress back to
	// pending. Called once at startup.
	RequeueInProgress(ctx context.Context) (int, error)

	// PurgeSynced deletes the oldest synced items beyond the most-recent-keep
	// window and reports how many were removed.
	PurgeSynced(ctx context.Context, keep int) (int, error)
}
