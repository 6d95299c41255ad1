package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
		{0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Fatalf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := Backoff(0, max, 3); got != 0 {
		t.Fatalf("expected zero backoff for zero base, got %v", got)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
}
