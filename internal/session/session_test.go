package session_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/attendhub/outbox-agent/internal/session"
)

func TestManager_TokenLifecycle(t *testing.T) {
	m := session.NewManager("tablet-1", nil, zap.NewNop())

	if m.Authenticated() {
		t.Fatal("expected a fresh session to be unauthenticated")
	}
	if _, err := m.Token(context.Background()); err != session.ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	m.SetToken("tok-1")
	if !m.Authenticated() {
		t.Fatal("expected authenticated after SetToken")
	}
	token, err := m.Token(context.Background())
	if err != nil || token != "tok-1" {
		t.Fatalf("expected tok-1, got %q (%v)", token, err)
	}

	m.Invalidate()
	if m.Authenticated() {
		t.Fatal("expected unauthenticated after Invalidate")
	}
}

func TestManager_RefreshOnFirstToken(t *testing.T) {
	refreshed := 0
	refresh := func(_ context.Context) (string, error) {
		refreshed++
		return "tok-fresh", nil
	}
	m := session.NewManager("tablet-1", refresh, zap.NewNop())

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-fresh" || refreshed != 1 {
		t.Fatalf("expected one refresh yielding tok-fresh, got %q after %d refreshes", token, refreshed)
	}
	if !m.Authenticated() {
		t.Fatal("expected authenticated after a successful refresh")
	}
}

func TestManager_RefreshFailureInvalidates(t *testing.T) {
	refresh := func(_ context.Context) (string, error) {
		return "", errors.New("auth backend down")
	}
	m := session.NewManager("tablet-1", refresh, zap.NewNop())
	m.SetToken("tok-old")

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to fail")
	}
	if m.Authenticated() {
		t.Fatal("expected the session to be invalidated after a failed refresh")
	}
	if _, err := m.Token(context.Background()); err == nil {
		t.Fatal("expected no token after invalidation")
	}
}

func TestManager_OnlineTransitions(t *testing.T) {
	m := session.NewManager("tablet-1", nil, zap.NewNop())

	if !m.Online() {
		t.Fatal("expected the session to start online")
	}

	m.SetOnline(false)
	m.SetOnline(false) // duplicate report, ignored
	m.SetOnline(true)

	changes := m.OnlineChanges()
	if got := <-changes; got != false {
		t.Fatalf("expected the first transition to be offline, got %v", got)
	}
	if got := <-changes; got != true {
		t.Fatalf("expected the second transition to be online, got %v", got)
	}
	select {
	case extra := <-changes:
		t.Fatalf("duplicate report must not be published, got %v", extra)
	default:
	}
}
