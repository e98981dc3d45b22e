package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lexflow/lexflow/internal/dispatch"
	"github.com/lexflow/lexflow/internal/job"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
}

// NewHandler constructs a Handler over the dispatcher.
func NewHandler(d *dispatch.Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// ownerID extracts the gateway-injected caller identity. Every jobs route
// requires it; the handlers trust it as authenticated upstream.
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get("X-Owner-Id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing X-Owner-Id header")
		return "", false
	}
	return owner, true
}

type createJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB max
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	j, err := h.dispatcher.CreateJob(r.Context(), owner, req.Type, req.Payload)
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
		case errors.Is(err, dispatch.ErrUnknownType):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, dispatch.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "queue_full", "job queue is full, retry later")
		default:
			slog.Error("create job failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with one page of the
// caller's jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)
	// Mirror the store's bounds so the echoed values match what ran.
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.dispatcher.ListJobs(r.Context(), owner, limit, offset)
	if err != nil {
		slog.Error("list jobs failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     jobs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": offset+len(jobs) < total,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
// Foreign jobs are indistinguishable from absent ones.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	j, err := h.dispatcher.GetJob(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		slog.Error("get job failed", "job_id", id, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal", "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. Only terminal
// jobs can be removed; execution is never interrupted.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	err := h.dispatcher.DeleteJob(r.Context(), id, owner)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, job.ErrConflict):
			writeError(w, http.StatusConflict, "conflict", "only completed or failed jobs can be deleted")
		default:
			slog.Error("delete job failed", "job_id", id, "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal", "failed to delete job")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /api/v1/health and responds 200. Unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
