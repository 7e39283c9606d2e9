package job

import (
	"context"
	"log/slog"
	"time"

	"dockingserver/internal/compute"
	"dockingserver/internal/dispatcher"
	"dockingserver/internal/receptor"
	"dockingserver/internal/worker"
)

// Executor runs tasks asynchronously and returns a Handle per task, in order.
// It accepts every task or none. onDone runs after each handle's result
// becomes available.
type Executor interface {
	ExecuteAll(tasks []func(ctx context.Context) (float64, error), onDone func()) ([]Handle, error)
}

// PoolExecutor adapts a worker pool to Executor.
func PoolExecutor(p *worker.Pool) Executor {
	return poolExecutor{pool: p}
}

type poolExecutor struct {
	pool *worker.Pool
}

func (e poolExecutor) ExecuteAll(tasks []func(ctx context.Context) (float64, error), onDone func()) ([]Handle, error) {
	wt := make([]worker.Task, len(tasks))
	for i, task := range tasks {
		wt[i] = task
	}
	hs, err := e.pool.SubmitAll(wt, onDone)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, len(hs))
	for i, h := range hs {
		handles[i] = h
	}
	return handles, nil
}

// Receptors resolves receptor names for submissions.
type Receptors interface {
	Resolve(ctx context.Context, name string, src receptor.Source) (*receptor.Receptor, error)
	Add(ctx context.Context, name string, src receptor.Source) (*receptor.Receptor, error)
	Names() []string
}

// MetricsRecorder is an optional interface for recording query metrics.
type MetricsRecorder interface {
	RecordQuerySubmitted(ctx context.Context, items int)
	RecordQueryActive(ctx context.Context, delta int64)
	RecordQueryCollected(ctx context.Context, elapsedSeconds float64, failed int)
	RecordQuerySwept(ctx context.Context)
}

// Config tunes the service.
type Config struct {
	ScoreCeiling        float64       // default: 10000
	Retention           time.Duration // finished, uncollected queries are kept this long (default: 15m)
	MaintenanceInterval time.Duration // default: 1m
	MaxBatch            int           // default: 10000
	MaxSMILESLength     int           // default: 2048
	EventSource         string        // CloudEvent source (default: /docking-server)
}

func (c Config) withDefaults() Config {
	if c.ScoreCeiling <= 0 {
		c.ScoreCeiling = 10000
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10000
	}
	if c.MaxSMILESLength <= 0 {
		c.MaxSMILESLength = 2048
	}
	if c.EventSource == "" {
		c.EventSource = "/docking-server"
	}
	return c
}

// Deps are the collaborators of a Service. Dispatcher and Metrics are optional.
type Deps struct {
	Registry   *Registry
	Executor   Executor
	Receptors  Receptors
	Score      compute.Func
	Dispatcher dispatcher.Dispatcher
	Metrics    MetricsRecorder
}

// Service is the query lifecycle: Submit, Poll, Collect. It is safe for
// concurrent use by any number of callers.
type Service struct {
	cfg        Config
	registry   *Registry
	exec       Executor
	receptors  Receptors
	score      compute.Func
	dispatcher dispatcher.Dispatcher
	metrics    MetricsRecorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a query service.
func NewService(cfg Config, deps Deps) *Service {
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		exec:       deps.Executor,
		receptors:  deps.Receptors,
		score:      deps.Score,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     slog.With("component", "query-service"),
		now:        time.Now,
	}
}

// AddReceptor builds and caches a receptor, replacing any cached one of the same name.
func (s *Service) AddReceptor(ctx context.Context, name string, src receptor.Source) (*receptor.Receptor, error) {
	r, err := s.receptors.Add(ctx, name, src)
	if err != nil {
		s.logger.Warn("Receptor rejected", "receptor", name, "error", err)
		return nil, err
	}
	s.logger.Info("Receptor added", "receptor", name, "origin", r.Origin, "bytes", len(r.Data), "digest", r.Digest)
	return r, nil
}

// Receptors lists cached receptor names.
func (s *Service) Receptors() []string {
	return s.receptors.Names()
}

// Active returns the number of queries not yet collected or swept.
func (s *Service) Active() int {
	return s.registry.Len()
}

// retire removes j from the registry. Caller holds j.mu.
func (s *Service) retire(ctx context.Context, j *Job) {
	j.retired = true
	s.registry.Retire(j.ID)
	if s.metrics != nil {
		s.metrics.RecordQueryActive(ctx, -1)
	}
}
