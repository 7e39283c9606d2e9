// Package api serves the docking query surface over REST, XML-RPC and JSON-RPC.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/rpc/v2"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/health"
	"dockingserver/internal/job"
	"dockingserver/internal/receptor"
)

// maxRequestBodySize admits a base64-encoded receptor of the largest accepted size.
var maxRequestBodySize = int64(base64.StdEncoding.EncodedLen(receptor.MaxBlobSize)) + 1<<20

// MetricsRecorder is an optional interface for recording transport metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64)
	RecordRPCCall(ctx context.Context, method string, code int)
}

// Handler contains HTTP handlers for the query API.
type Handler struct {
	svc     *job.Service
	health  *health.Checker
	metrics MetricsRecorder
	rpc     *rpc.Server
}

// NewHandler creates a new API handler. metrics may be nil.
func NewHandler(svc *job.Service, healthChecker *health.Checker, metrics MetricsRecorder) *Handler {
	h := &Handler{
		svc:     svc,
		health:  healthChecker,
		metrics: metrics,
	}
	h.rpc = newRPCServer(h)
	return h
}

// SubmitQuery handles POST /v1/queries
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var params SubmitParams
	if !h.decode(w, r, &params) {
		return
	}

	resp, err := h.submit(r.Context(), &params)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// QueryStatus handles GET /v1/queries/{jobId}/status
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	st, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse(st))
}

// QueryResults handles GET /v1/queries/{jobId}/results. A successful read
// retires the query; 409 means it is still running.
func (h *Handler) QueryResults(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	res, err := h.svc.CollectResults(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resultsResponse(res))
}

// AddReceptor handles POST /v1/receptors
func (h *Handler) AddReceptor(w http.ResponseWriter, r *http.Request) {
	var params ReceptorParams
	if !h.decode(w, r, &params) {
		return
	}

	rec, err := h.svc.AddReceptor(r.Context(), params.Name, params.ReceptorRef.source())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, receptorInfo(rec))
}

// ListReceptors handles GET /v1/receptors
func (h *Handler) ListReceptors(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"receptors": h.svc.Receptors()})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the scorer backend or the pool cannot take work.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) submit(ctx context.Context, params *SubmitParams) (*SubmitResponse, error) {
	sub, err := params.submission()
	if err != nil {
		return nil, err
	}
	id, err := h.svc.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{ID: id, Items: len(sub.Molecules)}, nil
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (job.ID, bool) {
	raw := r.PathValue("jobId")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return 0, false
	}
	id, err := job.ParseID(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

// decode reads a size-limited JSON body into dst and reports whether the
// handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
