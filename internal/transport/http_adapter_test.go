package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attendhub/outbox-agent/internal/domain"
	"github.com/attendhub/outbox-agent/internal/transport"
)

// staticTokens is a TokenSource returning a fixed token; Refresh swaps it for
// the configured next token or fails.
type staticTokens struct {
	token      atomic.Value
	next       string
	refreshErr error
	refreshes  atomic.Int32
}

func newStaticTokens(token string) *staticTokens {
	st := &staticTokens{}
	st.token.Store(token)
	return st
}

func (s *staticTokens) Token(_ context.Context) (string, error) {
	return s.token.Load().(string), nil
}

func (s *staticTokens) Refresh(_ context.Context) error {
	s.refreshes.Add(1)
	if s.refreshErr != nil {
		return s.refreshErr
	}
	s.token.Store(s.next)
	return nil
}

func testItem() *domain.QueueItem {
	return &domain.QueueItem{
		ID:             "item-1",
		Seq:            4,
		IdempotencyKey: "tablet-1:4",
		Type:           domain.TypeAttendanceEvent,
		Payload:        json.RawMessage(`{"student_id":"s-1"}`),
		CreatedAt:      time.Now().UTC(),
	}
}

func TestHTTPAdapter_SubmitEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Idempotency-Key"); got != "tablet-1:4" {
			t.Errorf("expected idempotency key header, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		respondJSON(w, http.StatusCreated, map[string]string{"id": "srv-77"})
	}))
	defer srv.Close()

	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok-1"))

	res, err := adapter.SubmitEvent(context.Background(), testItem())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ServerRef != "srv-77" {
		t.Fatalf("expected server ref srv-77, got %s", res.ServerRef)
	}
}

func TestHTTPAdapter_SubmitEvent_RefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-2" {
			t.Errorf("expected refreshed token on retry, got %q", got)
		}
		respondJSON(w, http.StatusCreated, map[string]string{"id": "srv-1"})
	}))
	defer srv.Close()

	tokens := newStaticTokens("tok-1")
	tokens.next = "tok-2"
	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, tokens)

	res, err := adapter.SubmitEvent(context.Background(), testItem())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ServerRef != "srv-1" {
		t.Fatalf("expected server ref srv-1, got %s", res.ServerRef)
	}
	if tokens.refreshes.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", tokens.refreshes.Load())
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls.Load())
	}
}

func TestHTTPAdapter_SubmitEvent_SecondUnauthorizedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newStaticTokens("tok-1")
	tokens.next = "tok-still-bad"
	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, tokens)

	_, err := adapter.SubmitEvent(context.Background(), testItem())
	if !transport.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", calls.Load())
	}
}

func TestHTTPAdapter_SubmitEvent_RefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newStaticTokens("tok-1")
	tokens.refreshErr = errors.New("auth backend down")
	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, tokens)

	if _, err := adapter.SubmitEvent(context.Background(), testItem()); !transport.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestHTTPAdapter_ErrorClassification(t *testing.T) {
	t.Run("server error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unknown student", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok"))
		_, err := adapter.SubmitEvent(context.Background(), testItem())

		var se *transport.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("expected StatusError, got %v", err)
		}
		if se.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected code 422, got %d", se.Code)
		}
		if transport.IsConnectivity(err) {
			t.Fatal("a server error status is not a connectivity failure")
		}
	})

	t.Run("unreachable server", func(t *testing.T) {
		// Server closed before the call: the dial fails.
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok"))
		_, err := adapter.SubmitEvent(context.Background(), testItem())
		if err == nil {
			t.Fatal("expected an error")
		}
		if !transport.IsConnectivity(err) {
			t.Fatalf("expected a connectivity failure, got %v", err)
		}
	})
}

func TestHTTPAdapter_SubmitEvent_ServerDeduplicatesByKey(t *testing.T) {
	// Stub backend that rejects nothing but applies each idempotency key only
	// once, answering repeats with the originally assigned id.
	seen := make(map[string]string)
	var applied atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		id, ok := seen[key]
		if !ok {
			applied.Add(1)
			id = "srv-" + key
			seen[key] = id
		}
		respondJSON(w, http.StatusCreated, map[string]string{"id": id})
	}))
	defer srv.Close()

	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok"))
	item := testItem()

	first, err := adapter.SubmitEvent(context.Background(), item)
	if err != nil {
		t.Fatalf("first submission: %v", err)
	}
	// Redelivery of the same item (e.g. after a lost response) must be a
	// no-op on the server and yield the same server ref.
	second, err := adapter.SubmitEvent(context.Background(), item)
	if err != nil {
		t.Fatalf("second submission: %v", err)
	}
	if first.ServerRef != second.ServerRef {
		t.Fatalf("expected the same server ref, got %s then %s", first.ServerRef, second.ServerRef)
	}
	if applied.Load() != 1 {
		t.Fatalf("expected the event applied exactly once, got %d", applied.Load())
	}
}

func TestHTTPAdapter_SubmitBulk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/bulk" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			GroupKey string `json:"group_key"`
			Events   []struct {
				IdempotencyKey string `json:"idempotency_key"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode bulk body: %v", err)
		}
		if body.GroupKey != "course-7a" {
			t.Errorf("expected group_key course-7a, got %s", body.GroupKey)
		}

		ids := make(map[string]string, len(body.Events))
		for _, ev := range body.Events {
			ids[ev.IdempotencyKey] = "srv-" + ev.IdempotencyKey
		}
		respondJSON(w, http.StatusCreated, map[string]any{"ids": ids})
	}))
	defer srv.Close()

	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok"))

	a := testItem()
	b := testItem()
	b.IdempotencyKey = "tablet-1:5"

	refs, err := adapter.SubmitBulk(context.Background(), "course-7a", []*domain.QueueItem{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 2 || refs["tablet-1:4"] != "srv-tablet-1:4" {
		t.Fatalf("unexpected refs: %v", refs)
	}
}

func TestHTTPAdapter_UploadAttachment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/srv-9/attachment" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart file field: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Filename != "scan.jpg" {
			t.Errorf("expected filename scan.jpg, got %s", header.Filename)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	adapter := transport.NewHTTPAdapter(srv.URL, time.Second, newStaticTokens("tok"))
	if err := adapter.UploadAttachment(context.Background(), "srv-9", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPAdapter_UploadAttachment_MissingFile(t *testing.T) {
	adapter := transport.NewHTTPAdapter("http://127.0.0.1:0", time.Second, newStaticTokens("tok"))
	err := adapter.UploadAttachment(context.Background(), "srv-9", "/no/such/file.jpg")
	if err == nil {
		t.Fatal("expected an error for a missing attachment file")
	}
	// A missing file is a local failure, not a connectivity one: waiting for
	// the network to come back can never make it readable.
	if !transport.IsLocal(err) {
		t.Fatalf("expected a local file error, got %v", err)
	}
	if transport.IsConnectivity(err) {
		t.Fatal("a local file error must not classify as a connectivity failure")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected the underlying not-exist error preserved, got %v", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
