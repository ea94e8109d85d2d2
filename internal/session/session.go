// Package session holds the device identity, bearer token, and online signal
// the sync engine and transport depend on. The platform's connectivity hook
// feeds SetOnline; tests and demo setups drive it directly.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoToken is returned when no bearer token is available and no refresh
// function has been configured.
var ErrNoToken = errors.New("session: no bearer token available")

// RefreshFunc obtains a fresh bearer token from the auth backend.
type RefreshFunc func(ctx context.Context) (string, error)

// Manager is the agent's session state. One instance is owned by the
// application context and injected where needed; there is no package-level
// singleton.
type Manager struct {
	deviceID string
	refresh  RefreshFunc
	logger   *zap.Logger

	mu            sync.RWMutex
	token         string
	authenticated bool
	online        bool

	changes chan bool
}

func NewManager(deviceID string, refresh RefreshFunc, logger *zap.Logger) *Manager {
	return &Manager{
		deviceID: deviceID,
		refresh:  refresh,
		logger:   logger,
		online:   true,
		// Buffered so a connectivity flap never blocks the platform hook;
		// the scheduler drains it.
		changes: make(chan bool, 8),
	}
}

func (m *Manager) DeviceID() string { return m.deviceID }

// Token returns the current bearer token, attempting one refresh if none is
// held yet.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if token != "" {
		return token, nil
	}
	if m.refresh == nil {
		return "", ErrNoToken
	}
	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// SetToken installs a token obtained out-of-band (login flow) and marks the
// session authenticated.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.authenticated = token != ""
}

// Refresh obtains a new token via the configured refresh function. Failure
// invalidates the session, pausing all syncing until re-login.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.refresh == nil {
		return ErrNoToken
	}

	token, err := m.refresh(ctx)
	if err != nil {
		m.logger.Warn("token refresh failed", zap.Error(err))
		m.Invalidate()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.authenticated = true
	return nil
}

// Invalidate drops authentication. Syncing stays paused until SetToken or a
// successful Refresh.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.authenticated = false
}

func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

func (m *Manager) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records an online/offline transition and notifies the scheduler.
// Repeated reports of the same state are ignored.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))

	select {
	case m.changes <- online:
	default:
		// Subscriber is behind; it reads current state when it catches up.
	}
}

// OnlineChanges exposes connectivity transitions for the scheduler.
func (m *Manager) OnlineChanges() <-chan bool {
	return m.changes
}
