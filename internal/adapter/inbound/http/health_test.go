package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
)

func TestHealthChecker_Check_NoComponentsConfigured(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil, nil, "1.2.3")
	resp := h.Check()

	if resp.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", resp.Status)
	}
	if resp.Checks["session_store"] != "not configured" {
		t.Errorf("session_store check = %q, want \"not configured\"", resp.Checks["session_store"])
	}
	if resp.Checks["rate_limiter"] != "not configured" {
		t.Errorf("rate_limiter check = %q, want \"not configured\"", resp.Checks["rate_limiter"])
	}
	if resp.Version != "1.2.3" {
		t.Errorf("Version = %s, want 1.2.3", resp.Version)
	}
}

func TestHealthChecker_Check_ReportsActiveSessionCount(t *testing.T) {
	t.Parallel()

	store := memory.NewSessionStore()
	h := NewHealthChecker(store, nil, "")
	resp := h.Check()

	if resp.Checks["session_store"] != "ok: 0 active" {
		t.Errorf("session_store check = %q, want \"ok: 0 active\"", resp.Checks["session_store"])
	}
}

func TestHealthChecker_Check_ReportsRateLimiterSize(t *testing.T) {
	t.Parallel()

	rl := memory.NewRateLimiter()
	h := NewHealthChecker(nil, rl, "")
	resp := h.Check()

	if resp.Checks["rate_limiter"] != "ok: 0 tracked keys" {
		t.Errorf("rate_limiter check = %q, want \"ok: 0 tracked keys\"", resp.Checks["rate_limiter"])
	}
}

func TestHealthChecker_Handler_WritesJSONOK(t *testing.T) {
	t.Parallel()

	h := NewHealthChecker(nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	var got HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", got.Status)
	}
}
