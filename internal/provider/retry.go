package provider

import (
	"context"
	"time"

	"server/internal/domain"
)

const (
	// DefaultMaxAttempts caps automatic retries of transient failures.
	DefaultMaxAttempts = 3
	// DefaultBackoffUnit is multiplied by the attempt index between
	// attempts, giving a linearly increasing delay.
	DefaultBackoffUnit = 2 * time.Second
)

// Retry invokes fn up to maxAttempts times. Only errors classified as
// transient (domain.Retryable) are retried; every other kind
// propagates immediately. The wait before attempt n is n×unit.
func Retry[T any](ctx context.Context, maxAttempts int, unit time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !domain.Retryable(err) || attempt == maxAttempts {
			return zero, err
		}
		lastErr = err
		select {
		case <-time.After(time.Duration(attempt) * unit):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
