//go:build e2e

package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dockingserver/internal/api"
	"dockingserver/internal/compute"
	"dockingserver/internal/dispatcher"
	"dockingserver/internal/health"
	"dockingserver/internal/job"
	"dockingserver/internal/observability"
	"dockingserver/internal/receptor"
	"dockingserver/internal/worker"
)

// The scorer script scores a SMILES by its length. "fail" exits non-zero and
// "nan" prints a score the service must reject.
const scorerScript = `#!/bin/sh
case "$4" in
  fail) echo "no valid pose" >&2; exit 2 ;;
  nan) echo nan; exit 0 ;;
esac
printf '%s' "$4" | wc -c
`

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, an in-process server with the command scorer is created.
func getTestURL(t testing.TB) string {
	t.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return createTestServer(t).URL
}

func createTestServer(t testing.TB) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "scorer")
	if err := os.WriteFile(script, []byte(scorerScript), 0o755); err != nil {
		t.Fatalf("write scorer: %v", err)
	}

	scorer, err := compute.New(context.Background(), compute.Config{
		Backend: compute.BackendCommand,
		Command: script,
		WorkDir: filepath.Join(dir, "receptors"),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("create scorer: %v", err)
	}

	metrics, _, err := observability.NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}
	cache, err := receptor.NewCache(16, receptor.FileBuilder{}, metrics)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	pool := worker.NewPool(worker.Config{Workers: 4}, metrics)
	events := dispatcher.NewMemory(dispatcher.Config{
		BufferSize:     100,
		Workers:        2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, metrics)

	svc := job.NewService(job.Config{}, job.Deps{
		Executor:   job.PoolExecutor(pool),
		Receptors:  cache,
		Score:      compute.FuncOf(scorer),
		Dispatcher: events,
		Metrics:    metrics,
	})

	router := api.NewRouter(api.RouterConfig{
		QueryService:  svc,
		Metrics:       metrics,
		HealthChecker: health.NewChecker(map[string]health.ReadinessChecker{"scorer": scorer, "workers": pool}),
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
		// Drain dispatcher before closing server so pending callbacks can be delivered
		events.Close(ctx)
		server.Close()
	})
	return server
}
