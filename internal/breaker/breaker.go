// Package breaker wraps outbound source and embedding calls with retry and
// circuit breaking. Transient failures (rate limits, 5xx, timeouts) retry
// with exponential backoff; credential and validation failures never retry.
package breaker

import (
	"context"
	"errors"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/airweave/airweave/pkg/models"
)

// RemoteError classifies a failure from an external system.
type RemoteError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "remote error"
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable reports whether an error is worth retrying: HTTP 429, 5xx, and
// network timeouts. Auth failures (401/403), validation errors, and sync
// contract breaches are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var sf *models.SyncFailureError
	if errors.As(err, &sf) {
		return false
	}
	var cv *models.CredentialValidationError
	if errors.As(err, &cv) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.StatusCode == 429:
			return true
		case re.StatusCode >= 500:
			return true
		case re.StatusCode == 401 || re.StatusCode == 403:
			return false
		case re.StatusCode >= 400:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Options tune a Breaker.
type Options struct {
	MaxRetries   uint64
	InitialWait  time.Duration
	MaxWait      time.Duration
	OpenAfter    uint32        // consecutive failures before the circuit opens
	CooldownTime time.Duration // how long the circuit stays open
}

// DefaultOptions match the ingestion pipeline's posture toward flaky
// upstream APIs.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   5,
		InitialWait:  500 * time.Millisecond,
		MaxWait:      30 * time.Second,
		OpenAfter:    5,
		CooldownTime: 120 * time.Second,
	}
}

// Breaker combines per-target circuit breaking with classified retries.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	opts Options
}

// New builds a Breaker named after the remote target.
func New(name string, opts Options) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: opts.CooldownTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.OpenAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), opts: opts}
}

// Do runs fn through the circuit breaker, retrying transient failures with
// exponential backoff. The context bounds the whole attempt sequence.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	operation := func() error {
		_, err := b.cb.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Circuit is open; retrying here would just burn the budget.
			return backoff.Permanent(err)
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialWait
	bo.MaxInterval = b.opts.MaxWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, b.opts.MaxRetries), ctx)
	return backoff.Retry(operation, policy)
}
