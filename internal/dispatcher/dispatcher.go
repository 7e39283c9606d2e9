// Package dispatcher delivers completion callbacks in the background with
// bounded buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"dockingserver/pkg/backoff"
	"dockingserver/pkg/circuitbreaker"
	"dockingserver/pkg/cloudevent"

	"golang.org/x/time/rate"
)

// ErrBufferFull is returned when a delivery cannot be queued.
var ErrBufferFull = errors.New("dispatcher buffer full, delivery dropped")

// Dispatcher queues callbacks for asynchronous delivery.
type Dispatcher interface {
	// Dispatch queues d. Never blocks.
	Dispatch(d *Delivery) error
	Stats() Stats
	// Close stops accepting deliveries and drains the queue until ctx expires.
	Close(ctx context.Context) error
}

// Delivery is one event bound for one endpoint.
type Delivery struct {
	Event *cloudevent.Event
	URL   string
	Key   string // HMAC signing key, empty for unsigned
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64
	Dropped    int64
	Retries    int64
}

// MetricsRecorder is an optional interface for recording callback metrics.
type MetricsRecorder interface {
	RecordCallbackDelivered(ctx context.Context, durationSeconds float64)
	RecordCallbackFailed(ctx context.Context)
	RecordCallbackDropped(ctx context.Context)
	RecordCallbackQueueDepth(ctx context.Context, depth int64)
}

// Memory is an in-process Dispatcher backed by a buffered channel.
type Memory struct {
	cfg      Config
	queue    chan *Delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Set
	limiter  *rate.Limiter // nil when deliveries are not rate limited
	metrics  MetricsRecorder
	logger   *slog.Logger

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	mu       sync.RWMutex // guards closed against sends on a closed queue
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewMemory starts cfg.Workers delivery goroutines.
func NewMemory(cfg Config, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()
	m := &Memory{
		cfg:      cfg,
		queue:    make(chan *Delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewSet(circuitbreaker.Config{Threshold: cfg.BreakerThreshold, Cooldown: cfg.BreakerCooldown}),
		metrics:  metrics,
		logger:   slog.With("component", "dispatcher"),
		shutdown: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	m.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go m.work()
	}
	if metrics != nil {
		go m.reportDepth()
	}

	m.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return m
}

// Dispatch implements Dispatcher.
func (m *Memory) Dispatch(d *Delivery) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("dispatcher is closed")
	}

	select {
	case m.queue <- d:
		m.queued.Add(1)
		return nil
	default:
		m.drop(d, "buffer full")
		return ErrBufferFull
	}
}

// Stats implements Dispatcher.
func (m *Memory) Stats() Stats {
	return Stats{
		QueueDepth: len(m.queue),
		Queued:     m.queued.Load(),
		Delivered:  m.delivered.Load(),
		Failed:     m.failed.Load(),
		Dropped:    m.dropped.Load(),
		Retries:    m.retries.Load(),
	}
}

// Close implements Dispatcher.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	close(m.shutdown)
	m.mu.Unlock()

	m.logger.Info("Dispatcher shutting down", "queued", len(m.queue))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Dispatcher shutdown complete",
			"delivered", m.delivered.Load(),
			"failed", m.failed.Load(),
			"dropped", m.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		m.logger.Warn("Dispatcher shutdown timed out", "remaining", len(m.queue))
		return ctx.Err()
	}
}

// work delivers until the queue is closed and empty.
func (m *Memory) work() {
	defer m.wg.Done()
	for d := range m.queue {
		m.deliver(d)
	}
}

func (m *Memory) deliver(d *Delivery) {
	host := hostOf(d.URL)
	breaker := m.breakers.For(host)
	if !breaker.Allow() {
		m.drop(d, "circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	attempt := 0
	err := backoff.Retry(ctx, m.cfg.MaxAttempts, &backoff.Config{Initial: m.cfg.InitialBackoff, Max: m.cfg.MaxBackoff},
		func(err error) bool { return !cloudevent.Permanent(err) },
		func(ctx context.Context) error {
			if attempt++; attempt > 1 {
				m.retries.Add(1)
			}
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return m.sender.Send(ctx, d.URL, d.Event, d.Key)
		})

	if err != nil {
		breaker.RecordFailure()
		m.failed.Add(1)
		if m.metrics != nil {
			m.metrics.RecordCallbackFailed(ctx)
		}
		m.logger.Warn("Callback delivery failed", "destination", host, "type", d.Event.Type, "attempts", attempt, "error", err)
		return
	}

	breaker.RecordSuccess()
	m.delivered.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCallbackDelivered(ctx, time.Since(start).Seconds())
	}
	m.logger.Debug("Callback delivered", "destination", host, "type", d.Event.Type, "subject", d.Event.Subject)
}

func (m *Memory) drop(d *Delivery, reason string) {
	m.dropped.Add(1)
	if m.metrics != nil {
		m.metrics.RecordCallbackDropped(context.Background())
	}
	m.logger.Warn("Callback dropped", "reason", reason, "destination", hostOf(d.URL), "type", d.Event.Type)
}

func (m *Memory) reportDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.metrics.RecordCallbackQueueDepth(context.Background(), int64(len(m.queue)))
		}
	}
}

// hostOf keys breakers by host so one dead receiver does not affect others.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*Memory)(nil)
