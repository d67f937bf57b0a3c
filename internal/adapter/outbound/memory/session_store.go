// Package memory provides in-memory implementations of outbound ports:
// the default Session Store and Upstream Store, suitable for a single-node
// deployment or tests.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
)

// DefaultCleanupInterval is how often expired sessions are swept.
const DefaultCleanupInterval = 1 * time.Minute

// DefaultSessionTimeout is how long an idle session remains live.
const DefaultSessionTimeout = 30 * time.Minute

// SessionStore implements session.Store with an in-memory map. Sessions are
// held by pointer, not copied: the Session Manager is the sole mutator,
// and the embedded version.Machine already serializes its own writes, so
// sharing the pointer across concurrent readers is safe and avoids
// cloning a live state machine on every read.
type SessionStore struct {
	mu              sync.RWMutex
	sessions        map[string]*session.Session
	timeout         time.Duration
	cleanupInterval time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
}

// NewSessionStore creates a new in-memory session store with default
// timeout and cleanup interval.
func NewSessionStore() *SessionStore {
	return NewSessionStoreWithConfig(DefaultSessionTimeout, DefaultCleanupInterval)
}

// NewSessionStoreWithConfig creates a store with custom timeout/cleanup.
func NewSessionStoreWithConfig(timeout, cleanupInterval time.Duration) *SessionStore {
	return &SessionStore{
		sessions:        make(map[string]*session.Session),
		timeout:         timeout,
		cleanupInterval: cleanupInterval,
		stopChan:        make(chan struct{}),
	}
}

// StartCleanup starts the background expiry sweep. Call Stop to halt it.
func (s *SessionStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *SessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for id, sess := range s.sessions {
		if sess.IsExpired() {
			delete(s.sessions, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("session store: swept expired sessions", "count", cleaned)
	}
}

// Stop halts the cleanup goroutine and waits for it to exit. Safe to call
// multiple times.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Get reads a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrNotFound
	}
	if sess.IsExpired() {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// GetOrCreate atomically fetches id if present and live, or creates a fresh
// session. When id is empty a new id is always generated. A nil initHint
// creates a session with no principal and a fresh version Machine.
func (s *SessionStore) GetOrCreate(ctx context.Context, id string, initHint *session.Session) (*session.Session, error) {
	if initHint == nil {
		initHint = &session.Session{Version: version.NewMachine()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok && !sess.IsExpired() {
			return sess, nil
		}
	}

	newID := id
	if newID == "" {
		generated, err := session.GenerateID()
		if err != nil {
			return nil, err
		}
		newID = generated
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:            newID,
		Principal:     initHint.Principal,
		Version:       initHint.Version,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.timeout),
		LastTouchedAt: now,
	}
	s.sessions[newID] = sess
	return sess, nil
}

// Update persists a mutated session. Since sessions are held by pointer,
// this is a write-through of the same pointer; it does not touch the TTL
// (ExpiresAt and LastTouchedAt are left as the caller set them). It is
// present to satisfy the Store interface and to allow non-pointer-sharing
// implementations (e.g. sqlite) to diverge in behavior.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return session.ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Remove deletes a session.
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListActive returns diagnostic info for all non-expired sessions.
func (s *SessionStore) ListActive(ctx context.Context) ([]session.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.IsExpired() {
			continue
		}
		infos = append(infos, sess.Snapshot())
	}
	return infos, nil
}

// UpdateLastEventID persists the session's last-delivered SSE event id.
func (s *SessionStore) UpdateLastEventID(ctx context.Context, id string, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	sess.LastEventID = eventID
	return nil
}

// Size returns the number of sessions currently stored. Used by tests.
func (s *SessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var _ session.Store = (*SessionStore)(nil)
