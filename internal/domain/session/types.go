// Package session implements the Session entity and Session Store
// interface: identity of an MCP client's ongoing interaction with the
// proxy, carrying version-negotiation state, sticky upstream routing and
// SSE resumption state.
package session

import (
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
)

// Session owns the full lifecycle state the core attaches to a client's
// MCP-Session-Id. It is mutated only by the Session Manager; concurrent
// readers observe a consistent snapshot because VersionState serializes its
// own writes internally.
type Session struct {
	// ID is a cryptographically random identifier, 32 bytes hex-encoded.
	ID string

	// Principal is the identity resolved by the auth collaborator on
	// the request that created this session. Nil if auth is not configured.
	Principal *auth.Identity

	// Version is this session's protocol version negotiation state machine.
	Version *version.Machine

	// UpstreamID is the sticky upstream this session was pinned to on its
	// first selection. Empty until the Upstream Selector makes a choice.
	UpstreamID string

	// LastEventID is the most recent SSE event id delivered to this
	// session's client, used to prime the EventTracker on reconnect.
	LastEventID string

	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session will expire (UTC).
	ExpiresAt time.Time
	// LastTouchedAt is the last time the session was used (UTC).
	LastTouchedAt time.Time
}

// IsExpired checks if the session has exceeded its timeout.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Touch updates LastTouchedAt and extends ExpiresAt by the given duration.
func (s *Session) Touch(timeout time.Duration) {
	now := time.Now().UTC()
	s.LastTouchedAt = now
	s.ExpiresAt = now.Add(timeout)
}

// Info is a read-only projection of Session used by ListActive diagnostics,
// deliberately excluding the live *version.Machine pointer.
type Info struct {
	ID            string
	UpstreamID    string
	NegotiatedVersion version.ProtocolVersion
	CreatedAt     time.Time
	LastTouchedAt time.Time
	ExpiresAt     time.Time
}

// Snapshot projects a Session into an Info for diagnostics.
func (s *Session) Snapshot() Info {
	negotiated, _ := s.Version.Negotiated()
	return Info{
		ID:                s.ID,
		UpstreamID:        s.UpstreamID,
		NegotiatedVersion: negotiated,
		CreatedAt:         s.CreatedAt,
		LastTouchedAt:     s.LastTouchedAt,
		ExpiresAt:         s.ExpiresAt,
	}
}
