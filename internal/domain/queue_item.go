package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of user action captured in a queue item.
type EventType string

const (
	TypeAttendanceEvent  EventType = "attendance_event"
	TypeAbsenceRequest   EventType = "absence_request"
	TypePreferenceUpdate EventType = "preference_update"
	TypePhotoConsent     EventType = "photo_consent"
)

func (t EventType) IsValid() bool {
	switch t {
	case TypeAttendanceEvent, TypeAbsenceRequest, TypePreferenceUpdate, TypePhotoConsent:
		return true
	}
	return false
}

// Status tracks the delivery lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSynced     Status = "synced"
	StatusError      Status = "error"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSynced, StatusError:
		return true
	}
	return false
}

// AttachmentState tracks the upload of an optional binary attached to an item.
// The attachment is a dependent second step: it is only uploaded after the
// parent item has synced, and its failure never reverts the parent's status.
type AttachmentState string

const (
	AttachmentNone     AttachmentState = "none"
	AttachmentPending  AttachmentState = "pending"
	AttachmentUploaded AttachmentState = "uploaded"
	AttachmentFailed   AttachmentState = "failed"
)

// QueueItem is the unit of durable work: one user action captured locally,
// delivered to the backend at least once.
type QueueItem struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	GroupKey       *string         `json:"group_key,omitempty"`
	Status         Status          `json:"status"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"`
	ServerRef      *string         `json:"server_ref,omitempty"`

	AttachmentPath  *string         `json:"attachment_path,omitempty"`
	AttachmentState AttachmentState `json:"attachment_state"`
	AttachmentError *string         `json:"attachment_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// IdemKey derives the idempotency key for a device/sequence pair. The key is
// stable across retries so repeated delivery of the same item never
// double-applies on the server.
func IdemKey(deviceID string, seq int64) string {
	return fmt.Sprintf("%s:%d", deviceID, seq)
}

// EnqueueRequest is the inbound payload for a single queue item.
type EnqueueRequest struct {
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	GroupKey       string          `json:"group_key,omitempty"`
	AttachmentPath string          `json:"attachment_path,omitempty"`
}

func (r *EnqueueRequest) Validate() error {
	if !r.Type.IsValid() {
		return ErrInvalidType
	}
	if len(r.Payload) == 0 {
		return ErrPayloadEmpty
	}
	if !json.Valid(r.Payload) {
		return ErrPayloadInvalid
	}
	return nil
}

// ListFilter holds query parameters for queue listings.
type ListFilter struct {
	Status *Status
	Type   *EventType
	From   *time.Time
	To     *time.Time
	Limit  int
}

// QueueCounts is the per-status snapshot the UI reads at any time,
// including while a sync pass is running.
type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Synced     int `json:"synced"`
	Errors     int `json:"errors"`
}

func (c QueueCounts) Total() int {
	return c.Pending + c.InProgress + c.Synced + c.Errors
}

// SyncSummary aggregates the outcome of one drain pass. Individual item
// failures are never propagated to callers; they land here as counts.
type SyncSummary struct {
	Processed   int `json:"processed"`
	Synced      int `json:"synced"`
	Errors      int `json:"errors"`
	Requeued    int `json:"requeued"`
	Remaining   int `json:"remaining"`
	Attachments int `json:"attachments"`
}
