// Package testutil provides polling helpers for asynchronous tests.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WaitFor polls condition until it holds or the timeout elapses.
// The condition is evaluated one final time at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := WaitOptions{Timeout: 10 * time.Second, Interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-timer.C:
			return condition()
		case <-ticker.C:
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// PollUntil calls poll until it reports true or returns an error, failing the test on
// error or timeout. It mirrors a client polling a status endpoint.
func PollUntil(tb testing.TB, poll func() (bool, error), opts ...WaitOption) {
	tb.Helper()
	var lastErr error
	ok := WaitFor(tb, func() bool {
		done, err := poll()
		if err != nil {
			lastErr = err
			return true
		}
		return done
	}, opts...)
	if lastErr != nil {
		tb.Fatalf("poll failed: %v", lastErr)
	}
	if !ok {
		tb.Fatal("timed out polling for completion")
	}
}
