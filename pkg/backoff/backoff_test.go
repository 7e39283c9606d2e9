package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{64, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CustomConfig(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: time.Second, Max: 2 * time.Second}

	if got := Exponential(1, cfg); got != time.Second {
		t.Errorf("attempt 1 = %v, want 1s", got)
	}
	if got := Exponential(3, cfg); got != 2*time.Second {
		t.Errorf("attempt 3 = %v, want capped 2s", got)
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	t.Parallel()
	cfg := &Config{Initial: 100 * time.Millisecond, Jitter: 0.5}

	for range 100 {
		got := Exponential(1, cfg)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", got)
		}
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), 5, &Config{Initial: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	t.Parallel()
	permanent := errors.New("unknown job")
	calls := 0
	err := Retry(context.Background(), 5, &Config{Initial: time.Millisecond},
		func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})

	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetry_RespectsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, &Config{Initial: time.Second}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
