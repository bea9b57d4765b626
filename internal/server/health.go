package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Health status constants for health check responses.
const (
	healthStatusOK           = "ok"
	healthStatusNotReady     = "not ready"
	healthStatusShuttingDown = "shutting down"
)

// ReadinessFunc reports whether the process has done useful work, e.g. a
// completed agenda refresh.
type ReadinessFunc func() bool

// DetailsFunc adds process specific fields to /healthz/detailed.
type DetailsFunc func() map[string]any

// HealthChecker provides liveness and readiness endpoints.
type HealthChecker struct {
	ready    ReadinessFunc
	details  DetailsFunc
	shutdown atomic.Bool
	// startTime tracks when the checker was created
	startTime time.Time
}

// NewHealthChecker creates a HealthChecker. A nil ready func is always ready.
func NewHealthChecker(ready ReadinessFunc, details DetailsFunc) *HealthChecker {
	return &HealthChecker{
		ready:     ready,
		details:   details,
		startTime: time.Now(),
	}
}

// SetShuttingDown marks the process as draining.
func (h *HealthChecker) SetShuttingDown() {
	h.shutdown.Store(true)
}

// IsReady returns whether the process is ready.
func (h *HealthChecker) IsReady() bool {
	return !h.shutdown.Load() && (h.ready == nil || h.ready())
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DetailedHealthResponse provides comprehensive health information.
type DetailedHealthResponse struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Details map[string]any `json:"details,omitempty"`
}

// LivenessHandler returns an HTTP handler for the /healthz endpoint.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, HealthResponse{Status: healthStatusOK})
	})
}

// ReadinessHandler returns an HTTP handler for the /readyz endpoint.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		checks := map[string]string{
			"refresh":  healthStatusOK,
			"shutdown": healthStatusOK,
		}
		if h.ready != nil && !h.ready() {
			checks["refresh"] = healthStatusNotReady
		}
		if h.shutdown.Load() {
			checks["shutdown"] = healthStatusShuttingDown
		}

		response := HealthResponse{Checks: checks}
		if h.IsReady() {
			response.Status = healthStatusOK
			writeHealth(w, http.StatusOK, response)
			return
		}
		response.Status = healthStatusNotReady
		writeHealth(w, http.StatusServiceUnavailable, response)
	})
}

// DetailedHealthHandler returns an HTTP handler for the /healthz/detailed endpoint.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		response := DetailedHealthResponse{
			Status: healthStatusOK,
			Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
		}
		if h.details != nil {
			response.Details = h.details()
		}

		status := http.StatusOK
		switch {
		case h.shutdown.Load():
			response.Status = healthStatusShuttingDown
			status = http.StatusServiceUnavailable
		case h.ready != nil && !h.ready():
			response.Status = healthStatusNotReady
			status = http.StatusServiceUnavailable
		}
		writeHealth(w, status, response)
	})
}

// RegisterHealthEndpoints registers health check endpoints on the given mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("/healthz", h.LivenessHandler())
	mux.Handle("/readyz", h.ReadinessHandler())
	mux.Handle("/healthz/detailed", h.DetailedHealthHandler())
}

func writeHealth(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
