package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/attendhub/outbox-agent/internal/domain"
)

func TestEnqueueRequest_Validate(t *testing.T) {
	tests := []struct {
		name        string
		req         domain.EnqueueRequest
		expectedErr error
	}{
		{
			"valid attendance event",
			domain.EnqueueRequest{Type: domain.TypeAttendanceEvent, Payload: json.RawMessage(`{"student_id":"s-1"}`)},
			nil,
		},
		{
			"valid absence request",
			domain.EnqueueRequest{Type: domain.TypeAbsenceRequest, Payload: json.RawMessage(`{"reason":"sick"}`)},
			nil,
		},
		{
			"unknown type",
			domain.EnqueueRequest{Type: "grade_update", Payload: json.RawMessage(`{}`)},
			domain.ErrInvalidType,
		},
		{
			"empty payload",
			domain.EnqueueRequest{Type: domain.TypePhotoConsent},
			domain.ErrPayloadEmpty,
		},
		{
			"malformed payload",
			domain.EnqueueRequest{Type: domain.TypePreferenceUpdate, Payload: json.RawMessage(`{not json`)},
			domain.ErrPayloadInvalid,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); err != tc.expectedErr {
				t.Fatalf("expected %v, got %v", tc.expectedErr, err)
			}
		})
	}
}

func TestIdemKey(t *testing.T) {
	key := domain.IdemKey("tablet-42", 7)
	if key != "tablet-42:7" {
		t.Fatalf("expected tablet-42:7, got %s", key)
	}

	// Same inputs must always give the same key; retries depend on it.
	if domain.IdemKey("tablet-42", 7) != key {
		t.Fatal("expected IdemKey to be deterministic")
	}
	if domain.IdemKey("tablet-42", 8) == key {
		t.Fatal("expected different seq to give a different key")
	}
}

func TestQueueCounts_Total(t *testing.T) {
	c := domain.QueueCounts{Pending: 2, InProgress: 1, Synced: 5, Errors: 3}
	if c.Total() != 11 {
		t.Fatalf("expected total 11, got %d", c.Total())
	}
}

func TestStatus_IsValid(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusInProgress, domain.StatusSynced, domain.StatusError,
	} {
		if !s.IsValid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if domain.Status("done").IsValid() {
		t.Fatal("expected unknown status to be invalid")
	}
}
