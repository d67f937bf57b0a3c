// Package service wires the domain packages into the orchestration
// components named by : the Session Manager, Upstream Selector,
// Response Pipeline, and an in-memory server-push registry.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
)

// DefaultSessionTimeout is how long a session may sit idle before the
// store reaps it.
const DefaultSessionTimeout = 30 * time.Minute

// SessionManager owns the session lifecycle: it is the sole
// mutator of a Session's sticky upstream, version machine state, and
// touch timestamp, serializing those mutations through the store rather
// than letting callers race each other.
type SessionManager struct {
	store   session.Store
	logger  *slog.Logger
	timeout time.Duration
}

// NewSessionManager creates a SessionManager over store. A zero timeout
// falls back to DefaultSessionTimeout.
func NewSessionManager(store session.Store, timeout time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionManager{store: store, timeout: timeout, logger: logger}
}

// Resolve returns the session for id. An empty id creates a new session
// (with a fresh version Machine and the given principal) — the "first
// request of a new session" path through the Request Handler. A non-empty
// id that is unknown or expired yields session.ErrNotFound.
func (m *SessionManager) Resolve(ctx context.Context, id string, principal *auth.Identity) (*session.Session, error) {
	hint := &session.Session{
		Principal: principal,
		Version:   version.NewMachine(),
	}
	var sess *session.Session
	var err error
	if id != "" {
		sess, err = m.store.Get(ctx, id)
	} else {
		sess, err = m.store.GetOrCreate(ctx, id, hint)
	}
	if err != nil {
		return nil, fmt.Errorf("service: resolve session: %w", err)
	}
	if sess.IsExpired() {
		return nil, session.ErrNotFound
	}
	sess.Touch(m.timeout)
	if err := m.store.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("service: touch session: %w", err)
	}
	return sess, nil
}

// BindUpstream stamps the sticky upstream chosen for a session's first
// request, so every subsequent request reuses the same upstream: session
// affinity, once bound, does not change for the session's life.
func (m *SessionManager) BindUpstream(ctx context.Context, sess *session.Session, upstreamID string) error {
	if sess.UpstreamID != "" {
		return nil
	}
	sess.UpstreamID = upstreamID
	return m.store.Update(ctx, sess)
}

// RecordLastEventID persists the Last-Event-Id seen on a session's SSE
// stream, so a reconnect can resume from it.
func (m *SessionManager) RecordLastEventID(ctx context.Context, id, eventID string) error {
	return m.store.UpdateLastEventID(ctx, id, eventID)
}

// Terminate removes a session outright, backing the DELETE /mcp operation.
func (m *SessionManager) Terminate(ctx context.Context, id string) error {
	return m.store.Remove(ctx, id)
}
