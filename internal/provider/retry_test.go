package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"server/internal/domain"
)

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	var delays []time.Duration
	start := time.Now()
	last := start
	out, err := Retry(context.Background(), 3, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		now := time.Now()
		delays = append(delays, now.Sub(last))
		last = now
		calls++
		if calls <= 2 {
			return "", domain.NewProviderError(domain.ErrTransientService, "503", "service unavailable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Fatalf("out = %q, want ok", out)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Linear backoff: the wait before attempt 3 exceeds the wait before attempt 2.
	if len(delays) != 3 || delays[2] <= delays[1] {
		t.Fatalf("backoff not increasing: %v", delays)
	}
}

func TestRetryNonTransientPropagatesImmediately(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) (int, error) {
		calls++
		return 0, domain.NewProviderError(domain.ErrAuthentication, "401", "bad credentials")
	})
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("err = %v, want authentication error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustionKeepsLastError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func(ctx context.Context) (int, error) {
		calls++
		return 0, domain.NewProviderError(domain.ErrTransientService, "503", "still down")
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, domain.ErrTransientService) {
		t.Fatalf("err = %v, want transient", err)
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Message != "still down" {
		t.Fatalf("last provider message not preserved: %v", err)
	}
}
