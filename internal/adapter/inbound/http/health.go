package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health: the session store, the rate
// limiter, and the goroutine count. The dispatcher's stdio pools are not
// checked.
type HealthChecker struct {
	sessionStore session.Store
	rateLimiter  *memory.MemoryRateLimiter
	version      string
}

// NewHealthChecker creates a HealthChecker with optional components. Pass
// nil for components that aren't available in this deployment. sessionStore
// accepts any session.Store implementation (in-memory or sqlite).
func NewHealthChecker(
	sessionStore session.Store,
	rateLimiter *memory.MemoryRateLimiter,
	version string,
) *HealthChecker {
	return &HealthChecker{
		sessionStore: sessionStore,
		rateLimiter:  rateLimiter,
		version:      version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)

	if h.sessionStore != nil {
		if active, err := h.sessionStore.ListActive(context.Background()); err != nil {
			checks["session_store"] = fmt.Sprintf("error: %v", err)
		} else {
			checks["session_store"] = fmt.Sprintf("ok: %d active", len(active))
		}
	} else {
		checks["session_store"] = "not configured"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d tracked keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	return HealthResponse{
		Status:  "healthy",
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
