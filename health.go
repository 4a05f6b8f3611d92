package pocketfence

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves liveness and readiness probes. The proxy marks it
// alive once its listeners are bound and ready once it is serving.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	// ReadinessChecks must all return nil for /readyz to pass.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil if a component is ready.
type ReadinessCheck func() error

// HealthResponse is the JSON body of the probe endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// TablesLoaded is a readiness check that fails when e has no phrases.
func TablesLoaded(e *Engine) ReadinessCheck {
	return func() error {
		if e.KeywordCount() == 0 {
			return errNoKeywords
		}
		return nil
	}
}

// SetAlive sets the liveness state.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady sets the readiness state.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the proxy is ready and every check passes.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// HandleHealthz serves the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.uptime()}
	status := http.StatusOK
	if h.IsAlive() {
		resp.Status = "ok"
	} else {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz serves the readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.uptime()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			resp.Details = append(resp.Details, err.Error())
		}
	}

	if len(resp.Details) > 0 {
		resp.Status = "not ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
