package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Endpoint identifies a backend endpoint class with its own token bucket.
type Endpoint string

const (
	EndpointSingle     Endpoint = "single"
	EndpointBulk       Endpoint = "bulk"
	EndpointAttachment Endpoint = "attachment"
)

// EndpointLimiters holds one token bucket limiter per endpoint class.
// Each limiter enforces a steady-state rate (e.g. 10 tokens/sec).
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type EndpointLimiters struct {
	limiters map[Endpoint]*rate.Limiter
}

// New creates an EndpointLimiters with ratePerSec tokens per second per
// endpoint class.
func New(ratePerSec int) *EndpointLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec // burst == rate: prevents any "saved up" burst above the limit

	return &EndpointLimiters{
		limiters: map[Endpoint]*rate.Limiter{
			EndpointSingle:     rate.NewLimiter(r, burst),
			EndpointBulk:       rate.NewLimiter(r, burst),
			EndpointAttachment: rate.NewLimiter(r, burst),
		},
	}
}

// Wait blocks until the endpoint's limiter grants a token.
// Called by the sync engine immediately before each transport call.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (el *EndpointLimiters) Wait(ctx context.Context, ep Endpoint) error {
	return el.limiters[ep].Wait(ctx)
}
