// Package worker provides a bounded pool that runs compute tasks asynchronously
// and exposes each submission as a Handle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dockingserver/internal/apperrors"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of compute. It returns a score or a failure.
type Task func(ctx context.Context) (float64, error)

// MetricsRecorder is an optional interface for recording pool metrics.
type MetricsRecorder interface {
	RecordTaskCompleted(ctx context.Context, success bool, durationSeconds float64)
	RecordPoolSaturation(ctx context.Context, running, waiting int64)
}

// Stats holds pool statistics.
type Stats struct {
	Workers   int   // concurrency limit
	Waiting   int64 // submitted, not yet started
	Running   int64 // currently executing
	Completed int64 // finished successfully
	Failed    int64 // finished with an error or panic
}

// Pool runs at most Config.Workers tasks at a time. Submit never blocks: tasks beyond
// the limit wait for a slot in their own goroutine.
type Pool struct {
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics MetricsRecorder

	// base is the parent context of every task; cancelled when Close gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	waiting   atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu       sync.RWMutex // guards closed against wg.Add racing wg.Wait
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewPool creates a pool and starts its saturation reporter when metrics are enabled.
func NewPool(cfg Config, metrics MetricsRecorder) *Pool {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		logger:   slog.With("component", "worker-pool"),
		metrics:  metrics,
		base:     base,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	if metrics != nil {
		go p.reportSaturation()
	}

	p.logger.Info("Worker pool started", "workers", cfg.Workers, "taskTimeout", cfg.TaskTimeout)
	return p
}

// Submit schedules task and returns its handle immediately.
// onDone, if non-nil, runs after the handle's result is available.
func (p *Pool) Submit(task Task, onDone func()) (*Handle, error) {
	hs, err := p.SubmitAll([]Task{task}, onDone)
	if err != nil {
		return nil, err
	}
	return hs[0], nil
}

// SubmitAll schedules every task, or none of them once the pool is closed.
// onDone, if non-nil, runs after each handle's result is available.
func (p *Pool) SubmitAll(tasks []Task, onDone func()) ([]*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, apperrors.Unavailable("worker.submit", fmt.Errorf("pool is closed"))
	}

	hs := make([]*Handle, len(tasks))
	for i, task := range tasks {
		hs[i] = newHandle()
		p.waiting.Add(1)
		p.wg.Add(1)
		go p.run(task, hs[i], onDone)
	}
	return hs, nil
}

func (p *Pool) run(task Task, h *Handle, onDone func()) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.base, 1); err != nil {
		p.waiting.Add(-1)
		p.failed.Add(1)
		h.finish(0, apperrors.Unavailable("worker.acquire", err))
		if onDone != nil {
			onDone()
		}
		return
	}
	p.waiting.Add(-1)
	p.running.Add(1)

	start := time.Now()
	score, err := p.execute(task)
	elapsed := time.Since(start)

	p.running.Add(-1)
	p.sem.Release(1)

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	if p.metrics != nil {
		p.metrics.RecordTaskCompleted(p.base, err == nil, elapsed.Seconds())
	}

	h.finish(score, err)
	if onDone != nil {
		onDone()
	}
}

// execute runs task under the per-task timeout and converts panics into errors.
func (p *Pool) execute(task Task) (score float64, err error) {
	ctx := p.base
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", "panic", r)
			score, err = 0, fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx)
}

// reportSaturation periodically reports running and waiting task counts.
func (p *Pool) reportSaturation() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.metrics.RecordPoolSaturation(context.Background(), p.running.Load(), p.waiting.Load())
		}
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Waiting:   p.waiting.Load(),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Ready reports whether the pool still accepts work.
func (p *Pool) Ready(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("worker pool is closed")
	}
	return nil
}

// Close stops accepting tasks and waits for submitted ones to finish.
// If ctx expires first, running tasks are cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.shutdown)
	p.mu.Unlock()

	p.logger.Info("Worker pool shutting down", "running", p.running.Load(), "waiting", p.waiting.Load())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool shutdown complete",
			"completed", p.completed.Load(),
			"failed", p.failed.Load(),
		)
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out, cancelling tasks", "running", p.running.Load())
		return ctx.Err()
	}
}
