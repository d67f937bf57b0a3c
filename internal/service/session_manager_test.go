package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/memory"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"go.uber.org/goleak"
)

func TestSessionManager_ResolveCreatesNewSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	sess, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sess.ID == "" {
		t.Error("Resolve() returned session with empty ID")
	}
	if negotiated, ok := sess.Version.Negotiated(); ok || negotiated != "" {
		t.Errorf("fresh session already negotiated: %s", negotiated)
	}
}

func TestSessionManager_ResolveReturnsExisting(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	created, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	again, err := m.Resolve(context.Background(), created.ID, nil)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if again.ID != created.ID {
		t.Errorf("Resolve() with existing id = %s, want %s", again.ID, created.ID)
	}
}

// TestSessionManager_ResolveUnknownExpired covers E6: a client-supplied
// MCP-Session-Id that has expired is treated as not-found.
func TestSessionManager_ResolveUnknownExpired(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	created, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	// Force expiry directly on the stored session.
	created.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Update(context.Background(), created); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	if _, err := m.Resolve(context.Background(), created.ID, nil); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Resolve(expired) error = %v, want session.ErrNotFound", err)
	}
}

func TestSessionManager_BindUpstream_Sticky(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	sess, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if err := m.BindUpstream(context.Background(), sess, "upstream-a"); err != nil {
		t.Fatalf("BindUpstream() error: %v", err)
	}
	if sess.UpstreamID != "upstream-a" {
		t.Fatalf("UpstreamID = %s, want upstream-a", sess.UpstreamID)
	}

	// Once bound, a second bind attempt must not change it (session
	// affinity is fixed for the session's life).
	if err := m.BindUpstream(context.Background(), sess, "upstream-b"); err != nil {
		t.Fatalf("second BindUpstream() error: %v", err)
	}
	if sess.UpstreamID != "upstream-a" {
		t.Errorf("UpstreamID changed to %s, want it to stay upstream-a", sess.UpstreamID)
	}
}

func TestSessionManager_RecordLastEventID(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	sess, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if err := m.RecordLastEventID(context.Background(), sess.ID, "42"); err != nil {
		t.Fatalf("RecordLastEventID() error: %v", err)
	}

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.LastEventID != "42" {
		t.Errorf("LastEventID = %s, want 42", got.LastEventID)
	}
}

func TestSessionManager_Terminate(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	store := memory.NewSessionStore()
	m := NewSessionManager(store, time.Minute, nil)

	sess, err := m.Resolve(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if err := m.Terminate(context.Background(), sess.ID); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	if _, err := store.Get(context.Background(), sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() after Terminate() error = %v, want session.ErrNotFound", err)
	}
}
