// Package clients provides the authenticated HTTP layer for the Dataverse
// Web API: OAuth2 token management, rate limiting, and retry handling.
package clients

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// RateLimiter throttles outbound requests. The service enforces 500 calls
// per rolling minute per user; staying under that client-side avoids
// burning retry budget on 429 responses.
type RateLimiter interface {
	// Allow reports whether a request may proceed immediately.
	Allow() bool

	// Wait blocks until a request is allowed or ctx is done.
	Wait(ctx context.Context) error

	// SetRate updates the sustained rate in requests per second.
	SetRate(perSecond float64)

	// GetStats returns limiter counters for the run summary.
	GetStats() RateLimiterStats
}

// RateLimiterStats captures limiter activity.
type RateLimiterStats struct {
	Rate            float64 `json:"rate"`
	Burst           int     `json:"burst"`
	AllowedRequests int64   `json:"allowed_requests"`
	WaitedRequests  int64   `json:"waited_requests"`
}

// tokenBucket adapts x/time/rate to the RateLimiter interface.
type tokenBucket struct {
	limiter *rate.Limiter
	burst   int

	allowed int64
	waited  int64
}

// NewRateLimiter creates a limiter admitting requestsPerMinute sustained
// with the given burst headroom.
func NewRateLimiter(requestsPerMinute, burst int) RateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		burst:   burst,
	}
}

func (tb *tokenBucket) Allow() bool {
	ok := tb.limiter.Allow()
	if ok {
		atomic.AddInt64(&tb.allowed, 1)
	}
	return ok
}

func (tb *tokenBucket) Wait(ctx context.Context) error {
	if tb.limiter.Allow() {
		atomic.AddInt64(&tb.allowed, 1)
		return nil
	}
	atomic.AddInt64(&tb.waited, 1)
	if err := tb.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeRateLimit, "waiting for request slot")
	}
	atomic.AddInt64(&tb.allowed, 1)
	return nil
}

func (tb *tokenBucket) SetRate(perSecond float64) {
	tb.limiter.SetLimit(rate.Limit(perSecond))
}

func (tb *tokenBucket) GetStats() RateLimiterStats {
	return RateLimiterStats{
		Rate:            float64(tb.limiter.Limit()),
		Burst:           tb.burst,
		AllowedRequests: atomic.LoadInt64(&tb.allowed),
		WaitedRequests:  atomic.LoadInt64(&tb.waited),
	}
}

// sleepCtx pauses for d unless ctx finishes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
