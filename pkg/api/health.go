package api

import (
	"net/http"
	"time"
)

// HealthResponse is the /healthz liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /readyz readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealthz is a pure liveness probe: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

// handleReadyz reports whether the core can take traffic. Storage must
// answer a read; the runtime check reports the active backend without
// re-running the doctor, which is too heavy for a probe loop.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.store.ListRecipes(); err != nil {
		checks["storage"] = "error: " + err.Error()
		ready = false
		message = "storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	checks["runtime"] = string(s.selector.Current())

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Message:   message,
	})
}
