package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	seq            INTEGER NOT NULL,
	time           TEXT NOT NULL,
	type           TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	action_kind    TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL DEFAULT '',
	detail         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS audit_events_session ON audit_events(session_id, id);
`

// Store is a SQLite backed audit sink.
type Store struct {
	db *sql.DB
}

// DefaultStorePath returns <workspace>/state/audit.db.
func DefaultStorePath(workspace string) string {
	return filepath.Join(workspace, "state", "audit.db")
}

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirMode); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single connection keeps inserts in call order.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma sync: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts one event. Events without a time are stamped.
func (s *Store) Append(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_events (seq, time, type, session_id, state, action_kind, action, signature, tier, correlation_id, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Seq, event.Time.UTC().Format(time.RFC3339Nano), event.Type, event.SessionID, event.State,
		event.ActionKind, event.Action, event.Signature, event.Tier, event.CorrelationID, event.Outcome, event.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns the events of a session in insertion order.
func (s *Store) Query(sessionID string) ([]Event, error) {
	query := `SELECT seq, time, type, session_id, state, action_kind, action, signature, tier, correlation_id, outcome, detail
		FROM audit_events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			event Event
			ts    string
		)
		if err := rows.Scan(&event.Seq, &ts, &event.Type, &event.SessionID, &event.State, &event.ActionKind,
			&event.Action, &event.Signature, &event.Tier, &event.CorrelationID, &event.Outcome, &event.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit time %q: %w", ts, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
