package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// MockQueueRepository is a hand-written, in-memory implementation of
// QueueRepository used in unit tests. No mock-generation library needed.
type MockQueueRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.QueueItem
	seq   int64

	// Optional error overrides — set in tests to simulate failure paths.
	CreateErr       error
	UpdateStatusErr error
	FindEligibleErr error
}

func NewMockQueueRepository() *MockQueueRepository {
	return &MockQueueRepository{items: make(map[string]*domain.QueueItem)}
}

func (m *MockQueueRepository) Create(_ context.Context, item *domain.QueueItem, deviceID string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	item.Seq = m.seq
	item.IdempotencyKey = domain.IdemKey(deviceID, m.seq)

	clone := *item
	m.items[item.ID] = &clone
	return nil
}

func (m *MockQueueRepository) GetByID(_ context.Context, id string) (*domain.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (m *MockQueueRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.QueueItem
	for _, item := range m.items {
		if f.Status != nil && item.Status != *f.Status {
			continue
		}
		if f.Type != nil && item.Type != *f.Type {
			continue
		}
		if f.From != nil && item.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && item.CreatedAt.After(*f.To) {
			continue
		}
		clone := *item
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MockQueueRepository) Counts(_ context.Context) (domain.QueueCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c domain.QueueCounts
	for _, item := range m.items {
		switch item.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusInProgress:
			c.InProgress++
		case domain.StatusSynced:
			c.Synced++
		case domain.StatusError:
			c.Errors++
		}
	}
	return c, nil
}

func (m *MockQueueRepository) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	if m.UpdateStatusErr != nil {
		return m.UpdateStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockQueueRepository) MarkSynced(_ context.Context, id string, serverRef string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusSynced
	item.ServerRef = &serverRef
	item.SyncedAt = &syncedAt
	item.LastError = nil
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockQueueRepository) MarkError(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusError
	item.Retries++
	item.LastError = &errMsg
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockQueueRepository) Requeue(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusPending
	if errMsg != "" {
		item.LastError = &errMsg
	} else {
		item.LastError = nil
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockQueueRepository) FindEligible(_ context.Context, limit int) ([]*domain.QueueItem, error) {
	if m.FindEligibleErr != nil {
		return nil, m.FindEligibleErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	eligible := m.eligibleLocked()
	if limit < len(eligible) {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (m *MockQueueRepository) CountEligible(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.eligibleLocked()), nil
}

// eligibleLocked returns clones of eligible items, FIFO by creation order.
func (m *MockQueueRepository) eligibleLocked() []*domain.QueueItem {
	var result []*domain.QueueItem
	for _, item := range m.items {
		if item.Status == domain.StatusPending ||
			(item.Status == domain.StatusError && item.Retries < item.MaxRetries) {
			clone := *item
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (m *MockQueueRepository) FindPendingGroup(_ context.Context, groupKey string) ([]*domain.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.QueueItem
	for _, item := range m.items {
		if item.Status == domain.StatusPending && item.GroupKey != nil && *item.GroupKey == groupKey {
			clone := *item
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (m *MockQueueRepository) FindPendingAttachments(_ context.Context, limit int) ([]*domain.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.QueueItem
	for _, item := range m.items {
		if item.Status == domain.StatusSynced && item.AttachmentState == domain.AttachmentPending {
			clone := *item
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockQueueRepository) SetAttachmentState(_ context.Context, id string, state domain.AttachmentState, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.AttachmentState = state
	item.AttachmentError = errMsg
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockQueueRepository) RequeueInProgress(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.Status == domain.StatusInProgress {
			item.Status = domain.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *MockQueueRepository) PurgeSynced(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var synced []*domain.QueueItem
	for _, item := range m.items {
		if item.Status == domain.StatusSynced {
			synced = append(synced, item)
		}
	}
	if len(synced) <= keep {
		return 0, nil
	}
	// Oldest go first.
	sort.Slice(synced, func(i, j int) bool { return synced[i].Seq < synced[j].Seq })
	purged := 0
	for _, item := range synced[:len(synced)-keep] {
		delete(m.items, item.ID)
		purged++
	}
	return purged, nil
}

// compile-time check that the mock satisfies the interface
var _ QueueRepository = (*MockQueueRepository)(nil)
