package receptor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dockingserver/internal/apperrors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// MetricsRecorder is an optional interface for recording receptor builds.
type MetricsRecorder interface {
	RecordReceptorBuild(ctx context.Context, success bool, durationSeconds float64)
}

// Cache holds built receptors by name. Lookups of cached names never block on
// builds; a build for a new name runs at most once however many submissions race
// for it, and does not block builds of other names. Preloaded receptors are
// pinned and never evicted.
type Cache struct {
	store   *lru.Cache[string, *Receptor]
	mu      sync.RWMutex
	pinned  map[string]*Receptor
	flights singleflight.Group
	builder Builder
	metrics MetricsRecorder
	logger  *slog.Logger
	builds  atomic.Int64
}

// NewCache creates a cache holding at most size receptors.
func NewCache(size int, builder Builder, metrics MetricsRecorder) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	if builder == nil {
		builder = FileBuilder{}
	}
	logger := slog.With("component", "receptor-cache")

	store, err := lru.NewWithEvict(size, func(name string, r *Receptor) {
		logger.Info("Receptor evicted", "receptor", name, "digest", r.Digest)
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:   store,
		pinned:  make(map[string]*Receptor),
		builder: builder,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Resolve returns the cached receptor for name, building it from src on first use.
// If src is empty the name must already be cached. Concurrent callers waiting on the
// same build all receive its result, including its error; failed builds are not cached.
func (c *Cache) Resolve(ctx context.Context, name string, src Source) (*Receptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if r, ok := c.Get(name); ok {
		return r, nil
	}
	if src.IsZero() {
		return nil, apperrors.NotFound("receptor", name)
	}

	v, err, shared := c.flights.Do(name, func() (any, error) {
		if r, ok := c.Get(name); ok {
			return r, nil
		}
		r, err := c.build(ctx, name, src)
		if err != nil {
			return nil, err
		}
		c.store.Add(name, r)
		return r, nil
	})
	if err != nil {
		c.logger.Warn("Receptor build failed", "receptor", name, "shared", shared, "error", err)
		return nil, err
	}
	return v.(*Receptor), nil
}

// Add builds src and stores it under name, replacing any cached receptor. A
// pinned name stays pinned.
func (c *Cache) Add(ctx context.Context, name string, src Source) (*Receptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if src.IsZero() {
		return nil, apperrors.Validation("receptor", "receptor data is required")
	}
	r, err := c.build(ctx, name, src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[name]; ok {
		c.pinned[name] = r
	} else {
		c.store.Add(name, r)
	}
	return r, nil
}

// Preload builds the operator-supplied file at path and pins it under name.
func (c *Cache) Preload(ctx context.Context, name, path string) (*Receptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r, err := c.build(ctx, name, Source{Path: path, Trusted: true})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pinned[name] = r
	c.store.Remove(name)
	c.mu.Unlock()
	c.logger.Info("Receptor pinned", "receptor", name, "origin", path)
	return r, nil
}

// build runs the builder detached from the caller's cancellation: other submitters
// may be waiting on the same result.
func (c *Cache) build(ctx context.Context, name string, src Source) (*Receptor, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	c.builds.Add(1)

	r, err := c.builder.Build(ctx, name, src)
	if c.metrics != nil {
		c.metrics.RecordReceptorBuild(ctx, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("Receptor built", "receptor", name, "origin", r.Origin, "bytes", len(r.Data), "duration", time.Since(start))
	return r, nil
}

// Get returns a cached receptor without building.
func (c *Cache) Get(name string) (*Receptor, bool) {
	c.mu.RLock()
	r, ok := c.pinned[name]
	c.mu.RUnlock()
	if ok {
		return r, true
	}
	return c.store.Get(name)
}

// Names returns cached receptor names, pinned ones included, in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	names := c.store.Keys()
	for name := range c.pinned {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Builds returns how many builder invocations have been made.
func (c *Cache) Builds() int64 {
	return c.builds.Load()
}
