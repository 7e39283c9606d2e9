package api

import (
	"net/http"

	"dockingserver/internal/health"
	"dockingserver/internal/job"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	QueryService  *job.Service
	Metrics       MetricsRecorder
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.QueryService, cfg.HealthChecker, cfg.Metrics)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)

	// XML-RPC and JSON-RPC endpoint carrying the query methods
	mux.Handle("POST /RPC2", auth(http.HandlerFunc(handler.RPC)))

	mux.Handle("POST /v1/queries", auth(http.HandlerFunc(handler.SubmitQuery)))
	mux.Handle("GET /v1/queries/{jobId}/status", auth(http.HandlerFunc(handler.QueryStatus)))
	mux.Handle("GET /v1/queries/{jobId}/results", auth(http.HandlerFunc(handler.QueryResults)))
	mux.Handle("POST /v1/receptors", auth(http.HandlerFunc(handler.AddReceptor)))
	mux.Handle("GET /v1/receptors", auth(http.HandlerFunc(handler.ListReceptors)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware("/RPC2")(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
