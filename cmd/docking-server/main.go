// docking-server accepts docking queries over JSON-RPC and REST and scores
// them asynchronously on a bounded worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dockingserver/internal/api"
	"dockingserver/internal/compute"
	"dockingserver/internal/config"
	"dockingserver/internal/dispatcher"
	"dockingserver/internal/health"
	"dockingserver/internal/job"
	"dockingserver/internal/observability"
	"dockingserver/internal/receptor"
	"dockingserver/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx := context.Background()

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := parseFlags(svcCfg, args, os.Stderr); err != nil {
		return err
	}
	poolCfg := worker.LoadConfigFromEnv()
	poolCfg.Workers = svcCfg.Workers
	scorerCfg := compute.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	scorer, err := compute.New(ctx, scorerCfg)
	if err != nil {
		return fmt.Errorf("scorer backend %q: %w", scorerCfg.Backend, err)
	}
	slog.Info("Scorer backend ready", "backend", scorerCfg.Backend)

	receptors, err := receptor.NewCache(svcCfg.ReceptorCacheSize, receptor.FileBuilder{Dir: svcCfg.ReceptorDir}, metrics)
	if err != nil {
		return err
	}

	pool := worker.NewPool(poolCfg, metrics)
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	queryService := job.NewService(job.Config{
		ScoreCeiling:        svcCfg.ScoreCeiling,
		Retention:           svcCfg.JobRetention,
		MaintenanceInterval: svcCfg.MaintenanceInterval,
	}, job.Deps{
		Registry:   job.NewRegistry(),
		Executor:   job.PoolExecutor(pool),
		Receptors:  receptors,
		Score:      compute.FuncOf(scorer),
		Dispatcher: eventDispatcher,
		Metrics:    metrics,
	})

	if err := preload(ctx, receptors, svcCfg); err != nil {
		return err
	}

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	go queryService.RunMaintenance(maintenanceCtx)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"scorer":  scorer,
		"workers": pool,
	})

	router := api.NewRouter(api.RouterConfig{
		QueryService:  queryService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Receptor uploads can be large, so reads and writes get minutes, not seconds.
	apiServer := &http.Server{
		Addr:              net.JoinHostPort(svcCfg.Addr, svcCfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "addr", apiServer.Addr, "workers", poolCfg.Workers)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown", "activeQueries", queryService.Active())
	shutdown(25 * time.Second)
	stopMaintenance()

	// Phase 3: Let running items finish; their results are lost with the process
	// but completion callbacks still fire.
	poolCtx, poolCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer poolCancel()
	if err := pool.Close(poolCtx); err != nil {
		slog.Warn("Worker pool shutdown error", "error", err)
	}
	stats := pool.Stats()
	slog.Info("Worker pool stats", "completed", stats.Completed, "failed", stats.Failed)

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	dstats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", dstats.Delivered,
		"failed", dstats.Failed,
		"dropped", dstats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// preload builds and pins every configured receptor concurrently. Any failure
// aborts startup.
func preload(ctx context.Context, cache *receptor.Cache, cfg *config.ServiceConfig) error {
	type entry struct{ path, name string }
	entries := make([]entry, 0, len(cfg.Receptors)+len(cfg.NamedReceptors))
	for _, path := range cfg.Receptors {
		entries = append(entries, entry{path: path, name: receptor.NameFromPath(path)})
	}
	for _, arg := range cfg.NamedReceptors {
		path, name, err := receptor.ParseNamed(arg)
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, name: name})
	}
	if len(entries) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		g.Go(func() error {
			if _, err := cache.Preload(gctx, e.name, e.path); err != nil {
				return fmt.Errorf("preload receptor %s from %s: %w", e.name, e.path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Receptors preloaded", "count", len(entries), "names", cache.Names())
	return nil
}
