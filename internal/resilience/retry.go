// Package resilience provides the retry and circuit-breaker primitives
// that guard every external dependency call, and the composition of both.
package resilience

import (
	"context"
	"time"
)

// RetryOptions tunes Retry. Zero values fall back to the defaults below.
type RetryOptions struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides whether an error is worth another attempt. Nil
	// means retry everything.
	Retryable func(err error) bool
	// OnAttempt, when set, observes each failed attempt before the backoff
	// sleep.
	OnAttempt func(attempt int, err error)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 200 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 2
	}
	return o
}

// Retry runs fn up to MaxAttempts times, sleeping
// min(InitialDelay * BackoffFactor^(attempt-1), MaxDelay) between attempts.
// It returns nil on the first success, the last error once attempts are
// exhausted or the predicate refuses a retry, and ctx.Err() if the context
// ends during a backoff sleep.
func Retry(ctx context.Context, fn func(ctx context.Context) error, opts RetryOptions) error {
	opts = opts.withDefaults()

	delay := opts.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, lastErr)
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * opts.BackoffFactor)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return lastErr
}

// WithResilience composes the two primitives: the breaker gates whether
// each call is attempted at all, and the retry wraps the gated call, so
// attempts within one retry loop can each independently trip or recover
// the breaker. A nil breaker degrades to retry-only.
func WithResilience(ctx context.Context, b *Breaker, fn func(ctx context.Context) error, opts RetryOptions) error {
	return Retry(ctx, func(ctx context.Context) error {
		if b == nil {
			return fn(ctx)
		}
		return b.Execute(ctx, fn)
	}, opts)
}
