package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Pinger is implemented by the stores readiness depends on
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc reports whether one dependency is usable
type CheckFunc func(ctx context.Context) error

// HealthChecker provides health check endpoints
type HealthChecker struct {
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// AddCheck registers a readiness check under name. Checks must be added
// before the handlers start serving.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.checks[name] = check
}

// AddPinger registers p's Ping as a readiness check; a nil p is skipped
func (h *HealthChecker) AddPinger(name string, p Pinger) {
	if p == nil {
		return
	}
	h.checks[name] = p.Ping
}

// Check runs every readiness check and returns the failures by name
func (h *HealthChecker) Check(ctx context.Context) map[string]error {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	failed := h.Check(ctx)
	checks := make(map[string]string, len(h.checks))
	for name := range h.checks {
		if err, ok := failed[name]; ok {
			h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if len(failed) > 0 {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
