package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

// Check is one dependency probed by readiness. A failing critical check makes
// the service unready; any other failure only degrades it.
type Check struct {
	Name     string
	Ping     PingFunc
	Critical bool
}

type HealthHandler struct {
	checks  []Check
	env     string
	version string
}

func NewHealthHandler(checks []Check, env, version string) *HealthHandler {
	return &HealthHandler{checks: checks, env: env, version: version}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

// Readiness probes every dependency concurrently with a one second budget each.
// Redis is registered as non-critical: reads keep working without it and
// bookings fail fast on the slot lock.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make([]error, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		if c.Ping == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			results[i] = c.Ping(pingCtx)
		}()
	}
	wg.Wait()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.checks)),
	}
	for i, c := range h.checks {
		if results[i] == nil {
			resp.Dependencies[c.Name] = "ok"
			continue
		}
		resp.Dependencies[c.Name] = "down"
		switch {
		case c.Critical:
			resp.Status = "error"
		case resp.Status == "ok":
			resp.Status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if resp.Status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}
