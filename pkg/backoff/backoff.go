// Package backoff provides capped exponential backoff and a retry helper.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomised, 0..1 (default: 0)
}

func (c *Config) resolve() (initial, maxDelay time.Duration, jitter float64) {
	initial, maxDelay = 100*time.Millisecond, 5*time.Second
	if c == nil {
		return initial, maxDelay, 0
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxDelay = c.Max
	}
	jitter = min(max(c.Jitter, 0), 1)
	return initial, maxDelay, jitter
}

// Exponential returns the delay before the given retry attempt.
// Attempt 1 waits Initial, each later attempt doubles it, capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay, jitter := cfg.resolve()
	if attempt < 1 {
		attempt = 1
	}

	d := maxDelay
	// Shifting past 32 would overflow long before any sane Max is reached.
	if shift := attempt - 1; shift < 32 {
		if next := initial << shift; next > 0 && next < maxDelay {
			d = next
		}
	}

	if jitter > 0 {
		spread := float64(d) * jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Retry calls fn up to attempts times, sleeping with Exponential between calls.
// It stops early when fn succeeds, when retryable reports false for an error, or
// when ctx is done. The last error is returned.
func Retry(ctx context.Context, attempts int, cfg *Config, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(Exponential(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
