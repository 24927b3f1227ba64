// Package api provides the read-only HTTP status API of a running experiment.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"autosubmit/internal/apperrors"
	"autosubmit/internal/health"
	"autosubmit/internal/job"
	"autosubmit/internal/observability"
	"autosubmit/internal/status"
)

// Viewer returns the last persisted snapshot of the job graph, nil before
// the first load. Implemented by the run loop.
type Viewer interface {
	View() *job.Snapshot
}

// JobsResponse is the body of GET /v1/jobs.
type JobsResponse struct {
	ExpID    string         `json:"expid"`
	Sequence uint64         `json:"sequence"`
	SavedAt  time.Time      `json:"saved_at"`
	Counts   map[string]int `json:"counts"`
	Jobs     []job.Record   `json:"jobs"`
}

// PackagesResponse is the body of GET /v1/packages.
type PackagesResponse struct {
	ExpID    string              `json:"expid"`
	Packages []job.PackageRecord `json:"packages"`
}

// Handler contains HTTP handlers for the status API
type Handler struct {
	view    Viewer
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(view Viewer, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		view:    view,
		metrics: metrics,
		health:  healthChecker,
	}
}

// snapshot returns the current view or writes 503 when none exists yet.
func (h *Handler) snapshot(w http.ResponseWriter) (*job.Snapshot, bool) {
	var snap *job.Snapshot
	if h.view != nil {
		snap = h.view.View()
	}
	if snap == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Job graph not loaded yet")
		return nil, false
	}
	return snap, true
}

// ListJobs handles GET /v1/jobs. Optional query filters: status, platform.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}

	q := r.URL.Query()
	var want *status.Status
	if raw := q.Get("status"); raw != "" {
		s, err := status.Parse(raw)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		want = &s
	}
	platform := q.Get("platform")

	resp := JobsResponse{
		ExpID:    snap.ExpID,
		Sequence: snap.Sequence,
		SavedAt:  snap.SavedAt,
		Counts:   make(map[string]int),
		Jobs:     make([]job.Record, 0, len(snap.Jobs)),
	}
	for _, rec := range snap.Jobs {
		resp.Counts[rec.Status.String()]++
		if want != nil && rec.Status != *want {
			continue
		}
		if platform != "" && rec.Platform != platform {
			continue
		}
		resp.Jobs = append(resp.Jobs, rec)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{name}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "Job name is required")
		return
	}
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	for _, rec := range snap.Jobs {
		if rec.Name == name {
			h.writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "Job not found: "+name)
}

// ListPackages handles GET /v1/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	pkgs := snap.Packages
	if pkgs == nil {
		pkgs = []job.PackageRecord{}
	}
	h.writeJSON(w, http.StatusOK, PackagesResponse{ExpID: snap.ExpID, Packages: pkgs})
}

// GetPackage handles GET /v1/packages/{name}
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, ok := h.snapshot(w)
	if !ok {
		return
	}
	for _, p := range snap.Packages {
		if p.Name == name {
			h.writeJSON(w, http.StatusOK, p)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "Package not found: "+name)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a platform is unreachable or the loop is stopping.
// A degraded response (open breaker) still answers 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	code := http.StatusOK
	if !response.IsServing() {
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	jsonError(w, code, message)
}

// handleError maps application errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatus(err)
	if code >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", code)
	}
	h.writeError(w, code, err.Error())
}
