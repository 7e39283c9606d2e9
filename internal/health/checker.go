// Package health answers liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadinessChecker is a dependency that can report whether it accepts work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// Ready calls f.
func (f ReadinessFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status of a component or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is a probe answer.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether every check passed.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker runs the named readiness checks concurrently and caches the answer
// for CacheFor so probes do not hammer the scorer backend.
type Checker struct {
	checks   map[string]ReadinessChecker
	timeout  time.Duration
	cacheFor time.Duration

	mu           sync.Mutex
	cached       *Response
	checkedAt    time.Time
	shuttingDown bool
}

// NewChecker creates a checker over the given named dependencies.
func NewChecker(checks map[string]ReadinessChecker) *Checker {
	return &Checker{
		checks:   checks,
		timeout:  5 * time.Second,
		cacheFor: time.Second,
	}
}

// Liveness never consults dependencies.
func (c *Checker) Liveness(_ context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness reports unhealthy while shutting down or when any check fails.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
		}
	}
	if c.cached != nil && time.Since(c.checkedAt) < c.cacheFor {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	resp := c.run(ctx)

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = resp
		c.checkedAt = time.Now()
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) run(ctx context.Context) *Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make([]CheckResult, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			check := c.checks[name]
			if check == nil {
				results[i] = CheckResult{Status: StatusUnhealthy, Message: "not configured"}
				return nil
			}
			if err := check.Ready(ctx); err != nil {
				results[i] = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
				return nil
			}
			results[i] = CheckResult{Status: StatusHealthy}
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(names))}
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i].Status != StatusHealthy {
			resp.Status = StatusUnhealthy
		}
	}
	return resp
}

// SetShuttingDown makes every later readiness probe fail.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
