package session

import (
	"context"
	"errors"
)

// Store is the Session Store interface: the set of capabilities
// the core requires, polymorphic over implementations (in-memory, sqlite,
// or an external off-node store injected by the operator).
type Store interface {
	// Get reads a session by id. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// GetOrCreate atomically fetches id if present and live, or creates a
	// fresh session using initHint as a template (ID/CreatedAt/ExpiresAt are
	// assigned by the store, not read from initHint). id may be empty, in
	// which case a new session is always created.
	GetOrCreate(ctx context.Context, id string, initHint *Session) (*Session, error)

	// Update persists a mutated session (version state, last-event-id,
	// last-touched, sticky upstream).
	Update(ctx context.Context, sess *Session) error

	// Remove deletes a session, on TTL expiry or client-initiated close
	// (DELETE /mcp).
	Remove(ctx context.Context, id string) error

	// ListActive returns diagnostic info for all non-expired sessions.
	ListActive(ctx context.Context) ([]Info, error)

	// UpdateLastEventID is the hot path for SSE: persists the session's
	// last-delivered event id. May be eventually consistent — the
	// EventTracker in the streaming task is the definitive in-memory value
	// for the lifetime of a live stream.
	UpdateLastEventID(ctx context.Context, id string, eventID string) error
}

// ErrNotFound is returned when a session doesn't exist or has expired.
var ErrNotFound = errors.New("session: not found")
