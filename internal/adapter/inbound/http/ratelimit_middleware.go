// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/ratelimit"
)

// RateLimitMiddleware applies an IP-keyed GCRA rate limit ahead of the
// proxy core. Rate limiting lives here, outside the interceptor chain,
// since it is a transport-layer concern rather than a message-level one.
// It derives the client IP itself via extractRealIP rather than reading
// ctxkey.IPAddressKey, so it does not depend on RealIPMiddleware.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig, logger interface{ Warn(string, ...any) }) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealIP(r)
			key := ratelimit.FormatKey(ratelimit.KeyTypeIP, ip)

			result, err := limiter.Allow(r.Context(), key, cfg)
			if err != nil {
				if logger != nil {
					logger.Warn("rate limit check failed", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())))
				writeJSONRPCError(w, http.StatusTooManyRequests, nil, -32000, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
