package domain

import "errors"

// Sentinel errors used throughout the agent.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidType     = errors.New("invalid type: must be attendance_event, absence_request, preference_update, or photo_consent")
	ErrPayloadEmpty    = errors.New("payload must not be empty")
	ErrPayloadInvalid  = errors.New("payload must be valid JSON")
	ErrNotRetryable    = errors.New("item is not in error status")
	ErrSyncRunning     = errors.New("a sync pass is already running")
	ErrOffline         = errors.New("device is offline")
	ErrUnauthenticated = errors.New("session is not authenticated")
	ErrGroupEmpty      = errors.New("no pending items for group")
)
