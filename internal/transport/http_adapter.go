package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/attendhub/outbox-agent/internal/domain"
)

// TokenSource supplies the bearer token for outgoing requests and performs
// the single refresh a 401 response is allowed to trigger.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// HTTPAdapter delivers queue items to the attendance backend over HTTP.
// The base URL is injected from config so tests can point to a local mock.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

func NewHTTPAdapter(baseURL string, timeout time.Duration, tokens TokenSource) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
	}
}

// eventBody is the JSON body posted for a single queue item.
type eventBody struct {
	Type     domain.EventType `json:"type"`
	Payload  json.RawMessage  `json:"payload"`
	GroupKey *string          `json:"group_key,omitempty"`
	Recorded time.Time        `json:"recorded_at"`
}

// submitResponse maps the backend's accepted response body.
type submitResponse struct {
	ID string `json:"id"`
}

func (a *HTTPAdapter) SubmitEvent(ctx context.Context, item *domain.QueueItem) (*Result, error) {
	body, err := json.Marshal(eventBody{
		Type:     item.Type,
		Payload:  item.Payload,
		GroupKey: item.GroupKey,
		Recorded: item.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	resp, err := a.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/api/v1/events", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Idempotency-Key", item.IdempotencyKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &StatusError{Code: resp.StatusCode, Body: "undecodable response body"}
	}
	return &Result{ServerRef: sr.ID}, nil
}

// bulkBody is the JSON body for the atomic bulk endpoint.
type bulkBody struct {
	GroupKey string      `json:"group_key"`
	Events   []bulkEvent `json:"events"`
}

type bulkEvent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Type           domain.EventType `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Recorded       time.Time       `json:"recorded_at"`
}

// bulkResponse maps idempotency keys to server-assigned ids.
type bulkResponse struct {
	IDs map[string]string `json:"ids"`
}

func (a *HTTPAdapter) SubmitBulk(ctx context.Context, groupKey string, items []*domain.QueueItem) (map[string]string, error) {
	events := make([]bulkEvent, len(items))
	for i, item := range items {
		events[i] = bulkEvent{
			IdempotencyKey: item.IdempotencyKey,
			Type:           item.Type,
			Payload:        item.Payload,
			Recorded:       item.CreatedAt,
		}
	}
	body, err := json.Marshal(bulkBody{GroupKey: groupKey, Events: events})
	if err != nil {
		return nil, fmt.Errorf("marshal bulk request: %w", err)
	}

	resp, err := a.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/api/v1/events/bulk", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var br bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, &StatusError{Code: resp.StatusCode, Body: "undecodable response body"}
	}
	return br.IDs, nil
}

func (a *HTTPAdapter) UploadAttachment(ctx context.Context, serverRef, path string) error {
	resp, err := a.do(ctx, func() (*http.Request, error) {
		// Rebuilt per attempt: the multipart body reader is consumed by a send.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LocalError{Path: path, Err: err}
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/api/v1/events/"+serverRef+"/attachment", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// do sends an authenticated request built by build. On a 401 it refreshes the
// token once and retries exactly once; a second 401 is terminal.
func (a *HTTPAdapter) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := a.attempt(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	if err := a.tokens.Refresh(ctx); err != nil {
		return nil, ErrUnauthorized
	}

	resp, err = a.attempt(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func (a *HTTPAdapter) attempt(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into a StatusError carrying a
// truncated body for lastError diagnostics.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// compile-time check that HTTPAdapter implements Adapter
var _ Adapter = (*HTTPAdapter)(nil)
