// Package ratelimit enforces the per-organization API request budget with
// token buckets. Limiters live in process memory; a fresh bucket after a
// restart briefly over-admits, which is acceptable for an API budget.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/airweave/airweave/pkg/models"
)

// Limiter hands out per-organization token buckets.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perMin  int
	burst   int
}

// New builds a Limiter allowing perMinute requests with the given burst.
func New(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = perMinute / 10
		if burst == 0 {
			burst = 1
		}
	}
	return &Limiter{
		buckets: map[string]*rate.Limiter{},
		perMin:  perMinute,
		burst:   burst,
	}
}

func (l *Limiter) bucket(orgID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[orgID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.burst)
		l.buckets[orgID] = b
	}
	return b
}

// Check admits or rejects one request for the organization. On rejection the
// returned error carries the retry-after hint.
func (l *Limiter) Check(orgID string) error {
	b := l.bucket(orgID)
	if b.Allow() {
		return nil
	}
	res := b.Reserve()
	delay := res.Delay()
	res.Cancel()
	retryAfter := int64(delay / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &models.RateLimitExceededError{
		RetryAfter: retryAfter,
		Limit:      int64(l.perMin),
		Remaining:  0,
	}
}
