package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shadowcat-mcp/shadowcat/internal/ctxkey"
)

func TestRequestIDMiddleware_GeneratesIDWhenAbsent(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	})

	mw := RequestIDMiddleware(logger)(next)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("request ID not set in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID header = %s, want %s", got, seen)
	}
}

func TestRequestIDMiddleware_PreservesIncomingID(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	})

	mw := RequestIDMiddleware(logger)(next)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if seen != "caller-supplied" {
		t.Errorf("request ID = %s, want caller-supplied", seen)
	}
}

func TestLoggerFromContext_FallsBackToDefault(t *testing.T) {
	t.Parallel()

	if l := LoggerFromContext(context.Background()); l == nil {
		t.Error("LoggerFromContext() = nil, want slog.Default()")
	}
}

func TestDNSRebindingProtection_AllowsNoOrigin(t *testing.T) {
	t.Parallel()

	mw := DNSRebindingProtection(nil)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestDNSRebindingProtection_BlocksDisallowedOrigin(t *testing.T) {
	t.Parallel()

	mw := DNSRebindingProtection([]string{"https://allowed.example"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestDNSRebindingProtection_AllowsAllowlistedOrigin(t *testing.T) {
	t.Parallel()

	mw := DNSRebindingProtection([]string{"https://allowed.example"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAPIKeyMiddleware_ExtractsBearerToken(t *testing.T) {
	t.Parallel()

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(ctxkey.APIKeyKey{}).(string)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk-test-123")
	rec := httptest.NewRecorder()
	APIKeyMiddleware(next).ServeHTTP(rec, req)

	if seen != "sk-test-123" {
		t.Errorf("extracted API key = %s, want sk-test-123", seen)
	}
}

func TestAPIKeyMiddleware_IgnoresNonBearerAuth(t *testing.T) {
	t.Parallel()

	var seen interface{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Context().Value(ctxkey.APIKeyKey{})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	APIKeyMiddleware(next).ServeHTTP(rec, req)

	if seen != nil {
		t.Errorf("context API key = %v, want nil for non-Bearer auth", seen)
	}
}

func TestRealIPMiddleware_PrefersForwardedFor(t *testing.T) {
	t.Parallel()

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(ctxkey.IPAddressKey{}).(string)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "192.168.1.1:54321"
	rec := httptest.NewRecorder()
	RealIPMiddleware(next).ServeHTTP(rec, req)

	if seen != "203.0.113.5" {
		t.Errorf("real IP = %s, want 203.0.113.5 (first hop only)", seen)
	}
}

func TestRealIPMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	t.Parallel()

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(ctxkey.IPAddressKey{}).(string)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	rec := httptest.NewRecorder()
	RealIPMiddleware(next).ServeHTTP(rec, req)

	if seen != "192.168.1.1" {
		t.Errorf("real IP = %s, want 192.168.1.1", seen)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
