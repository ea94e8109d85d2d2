package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// Result carries the server-assigned id returned on a successful submission.
// Dependent operations (attachment upload) are addressed by this id, never by
// the local one.
type Result struct {
	ServerRef string
}

// Adapter abstracts delivery to the attendance backend. Mocking this
// interface in tests gives full control over backend behaviour without making
// real HTTP calls.
type Adapter interface {
	// SubmitEvent delivers one queue item. The item's idempotency key is
	// sent with the request; the server deduplicates repeats of the same key.
	SubmitEvent(ctx context.Context, item *domain.QueueItem) (*Result, error)

	// SubmitBulk delivers all items of one logical context in a single
	// all-or-nothing request. On success it returns the server-assigned id
	// per idempotency key.
	SubmitBulk(ctx context.Context, groupKey string, items []*domain.QueueItem) (map[string]string, error)

	// UploadAttachment uploads the binary at path for an already-synced
	// event, addressed by its server-assigned id.
	UploadAttachment(ctx context.Context, serverRef, path string) error
}

// ErrUnauthorized is returned when the backend rejects the bearer token even
// after the single refresh-and-retry the contract allows. The engine reacts
// by pausing all syncing until re-login.
var ErrUnauthorized = errors.New("transport: unauthorized")

// StatusError is an application-level failure: the server answered, with an
// error status. These consume the item's retry budget.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// LocalError is a device-local file failure: the attachment could not be read
// from disk, before any request was made. Regained connectivity cannot fix a
// missing file, so these are terminal, not retried.
type LocalError struct {
	Path string
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("read attachment %s: %v", e.Path, e.Err)
}

func (e *LocalError) Unwrap() error { return e.Err }

// IsAuth reports whether err is the terminal unauthorized outcome.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsLocal reports whether err is a device-local file failure.
func IsLocal(err error) bool {
	var le *LocalError
	return errors.As(err, &le)
}

// IsConnectivity reports whether err means the request never produced a
// usable HTTP response (DNS/conn/timeout). Such failures are resolved by
// regained connectivity, not by giving up, so they never consume retries.
func IsConnectivity(err error) bool {
	if err == nil || IsAuth(err) || IsLocal(err) {
		return false
	}
	var se *StatusError
	return !errors.As(err, &se)
}
