package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, record func(m *Metrics)) string {
	t.Helper()
	m, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	record(m)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	m, handler, err := NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if m == nil || handler == nil {
		t.Fatal("Expected metrics and handler")
	}
}

func TestMetrics_Exported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	body := scrape(t, func(m *Metrics) {
		m.RecordHTTPRequest(ctx, "POST", "/v1/queries", 202, 0.01)
		m.RecordHTTPRequest(ctx, "GET", "/v1/queries/12/results", 409, 0.002)
		m.RecordRPCCall(ctx, "SubmitQuery", 0)
		m.RecordQuerySubmitted(ctx, 3)
		m.RecordQueryActive(ctx, 1)
		m.RecordQueryCollected(ctx, 4.5, 1)
		m.RecordQuerySwept(ctx)
		m.RecordTaskCompleted(ctx, true, 1.2)
		m.RecordPoolSaturation(ctx, 2, 5)
		m.RecordReceptorBuild(ctx, true, 0.3)
		m.RecordCallbackDelivered(ctx, 0.05)
		m.RecordCallbackFailed(ctx)
		m.RecordCallbackDropped(ctx)
		m.RecordCallbackQueueDepth(ctx, 4)
	})

	for _, name := range []string{
		"http_requests_total",
		"http_errors_total",
		"rpc_calls_total",
		"docking_queries_submitted_total",
		"docking_items_submitted_total",
		"docking_queries_active",
		"docking_query_duration_seconds",
		"docking_items_failed_total",
		"docking_queries_expired_total",
		"docking_item_duration_seconds",
		"docking_pool_waiting",
		"docking_receptor_builds_total",
		"docking_callbacks_delivered_total",
		"docking_callback_queue_depth",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s in scrape output", name)
		}
	}
	if !strings.Contains(body, `route="/v1/queries/{jobId}/results"`) {
		t.Error("Expected normalized route label")
	}
}

func TestNormalizeRoute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/RPC2", "/RPC2"},
		{"/v1/queries", "/v1/queries"},
		{"/v1/queries/", "/v1/queries/"},
		{"/v1/queries/42", "/v1/queries/{jobId}"},
		{"/v1/queries/42/status", "/v1/queries/{jobId}/status"},
		{"/v1/queries/{jobId}/results", "/v1/queries/{jobId}/results"},
	}

	for _, tt := range tests {
		if got := NormalizeRoute(tt.input); got != tt.expected {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
