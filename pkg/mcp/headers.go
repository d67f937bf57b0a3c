package mcp

import "net/http"

// HTTP header names used by the Streamable HTTP transport. MCP headers are
// canonicalized case-insensitively by net/http, so these constants are the
// single source of truth for both reading and writing them.
const (
	HeaderSessionID      = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID    = "Last-Event-Id"
)

// SessionID returns the MCP-Session-Id header value, or "" if absent.
func SessionID(h http.Header) string {
	return h.Get(HeaderSessionID)
}

// ProtocolVersionHeader returns the Mcp-Protocol-Version header value, or ""
// if absent.
func ProtocolVersionHeader(h http.Header) string {
	return h.Get(HeaderProtocolVersion)
}

// LastEventID returns the Last-Event-Id header value, or "" if absent.
func LastEventID(h http.Header) string {
	return h.Get(HeaderLastEventID)
}

// AcceptsEventStream reports whether the Accept header lists text/event-stream,
// which a Streamable HTTP client must send to receive an SSE response.
func AcceptsEventStream(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		if containsToken(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// AcceptsJSON reports whether the Accept header lists application/json.
func AcceptsJSON(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		if containsToken(v, "application/json") || containsToken(v, "*/*") {
			return true
		}
	}
	return false
}

func containsToken(header, token string) bool {
	for i := 0; i+len(token) <= len(header); i++ {
		if header[i:i+len(token)] == token {
			return true
		}
	}
	return false
}
