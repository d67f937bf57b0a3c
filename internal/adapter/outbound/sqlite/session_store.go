// Package sqlite provides a durable session.Store backed by SQLite, for
// single-node deployments that need sessions to survive a restart. The
// in-memory store (internal/adapter/outbound/memory) remains the default;
// this one is selected when the operator configures a database path.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/version"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	principal       TEXT,
	version_state   TEXT NOT NULL,
	upstream_id     TEXT NOT NULL DEFAULT '',
	last_event_id   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	last_touched_at INTEGER NOT NULL
);
`

// SessionStore implements session.Store on top of a SQLite database. Each
// method issues single statements without an explicit transaction; the
// pool is limited to one open connection, which serializes them, so no
// additional in-process mutex is used.
type SessionStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSessionStore opens (creating if absent) a SQLite database at path and
// ensures the sessions table exists.
func NewSessionStore(path string, timeout time.Duration) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &SessionStore{db: db, timeout: timeout}, nil
}

// Close releases the underlying database handle.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

type row struct {
	id            string
	principal     sql.NullString
	versionState  string
	upstreamID    string
	lastEventID   string
	createdAt     int64
	expiresAt     int64
	lastTouchedAt int64
}

func (s *SessionStore) scanSession(r row) (*session.Session, error) {
	var snap version.Snapshot
	if err := json.Unmarshal([]byte(r.versionState), &snap); err != nil {
		return nil, fmt.Errorf("sqlite: decode version state: %w", err)
	}
	var principal *auth.Identity
	if r.principal.Valid && r.principal.String != "" {
		principal = &auth.Identity{}
		if err := json.Unmarshal([]byte(r.principal.String), principal); err != nil {
			return nil, fmt.Errorf("sqlite: decode principal: %w", err)
		}
	}
	return &session.Session{
		ID:            r.id,
		Principal:     principal,
		Version:       version.RestoreMachine(snap),
		UpstreamID:    r.upstreamID,
		LastEventID:   r.lastEventID,
		CreatedAt:     time.Unix(0, r.createdAt).UTC(),
		ExpiresAt:     time.Unix(0, r.expiresAt).UTC(),
		LastTouchedAt: time.Unix(0, r.lastTouchedAt).UTC(),
	}, nil
}

func (s *SessionStore) queryRow(ctx context.Context, id string) (row, error) {
	var r row
	err := s.db.QueryRowContext(ctx, `SELECT id, principal, version_state, upstream_id, last_event_id, created_at, expires_at, last_touched_at FROM sessions WHERE id = ?`, id).
		Scan(&r.id, &r.principal, &r.versionState, &r.upstreamID, &r.lastEventID, &r.createdAt, &r.expiresAt, &r.lastTouchedAt)
	return r, err
}

// Get reads a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	r, err := s.queryRow(ctx, id)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	sess, err := s.scanSession(r)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired() {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// GetOrCreate fetches id if present and live, or inserts a fresh session.
// The lookup and the insert are two separate statements, not one atomic
// operation.
func (s *SessionStore) GetOrCreate(ctx context.Context, id string, initHint *session.Session) (*session.Session, error) {
	if id != "" {
		sess, err := s.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if err != session.ErrNotFound {
			return nil, err
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
	if err := s.insert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) insert(ctx context.Context, sess *session.Session) error {
	versionJSON, err := json.Marshal(sess.Version.Snapshot())
	if err != nil {
		return fmt.Errorf("sqlite: encode version state: %w", err)
	}
	var principalJSON sql.NullString
	if sess.Principal != nil {
		b, err := json.Marshal(sess.Principal)
		if err != nil {
			return fmt.Errorf("sqlite: encode principal: %w", err)
		}
		principalJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, principal, version_state, upstream_id, last_event_id, created_at, expires_at, last_touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, principalJSON, string(versionJSON), sess.UpstreamID, sess.LastEventID,
		sess.CreatedAt.UnixNano(), sess.ExpiresAt.UnixNano(), sess.LastTouchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: insert session: %w", err)
	}
	return nil
}

// Update persists a mutated session in full.
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	versionJSON, err := json.Marshal(sess.Version.Snapshot())
	if err != nil {
		return fmt.Errorf("sqlite: encode version state: %w", err)
	}
	var principalJSON sql.NullString
	if sess.Principal != nil {
		b, err := json.Marshal(sess.Principal)
		if err != nil {
			return fmt.Errorf("sqlite: encode principal: %w", err)
		}
		principalJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET principal = ?, version_state = ?, upstream_id = ?, last_event_id = ?, expires_at = ?, last_touched_at = ?
		WHERE id = ?`,
		principalJSON, string(versionJSON), sess.UpstreamID, sess.LastEventID,
		sess.ExpiresAt.UnixNano(), sess.LastTouchedAt.UnixNano(), sess.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Remove deletes a session.
func (s *SessionStore) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: remove session: %w", err)
	}
	return nil
}

// ListActive returns diagnostic info for all non-expired sessions.
func (s *SessionStore) ListActive(ctx context.Context) ([]session.Info, error) {
	now := time.Now().UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `SELECT id, principal, version_state, upstream_id, last_event_id, created_at, expires_at, last_touched_at FROM sessions WHERE expires_at > ?`, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active: %w", err)
	}
	defer rows.Close()

	var infos []session.Info
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.principal, &r.versionState, &r.upstreamID, &r.lastEventID, &r.createdAt, &r.expiresAt, &r.lastTouchedAt); err != nil {
			return nil, fmt.Errorf("sqlite: list active: %w", err)
		}
		sess, err := s.scanSession(r)
		if err != nil {
			return nil, err
		}
		infos = append(infos, sess.Snapshot())
	}
	return infos, rows.Err()
}

// UpdateLastEventID persists the session's last-delivered SSE event id.
func (s *SessionStore) UpdateLastEventID(ctx context.Context, id string, eventID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_event_id = ? WHERE id = ?`, eventID, id)
	if err != nil {
		return fmt.Errorf("sqlite: update last event id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update last event id: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Cleanup deletes expired sessions. Unlike the in-memory store, this isn't
// run on a background ticker by default — call it periodically (e.g. from
// the same goroutine that drives HealthMonitor) if long-lived expired rows
// are a concern.
func (s *SessionStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup: %w", err)
	}
	return res.RowsAffected()
}

var _ session.Store = (*SessionStore)(nil)
