package retry

import (
	"context"
	"time"

	"github.com/exploopio/judge/pkg/errors"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of calls, the first one included.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// Backoff computes the wait between attempts. Nil uses DefaultBackoffConfig.
	Backoff *BackoffConfig

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil uses errors.IsRetryable.
	ShouldRetry func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. It returns the last error from fn, or the context
// error when the context ends while waiting.
//
// The attempt passed to fn is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoffConfig()
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = errors.IsRetryable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		wait := backoff.Interval(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
