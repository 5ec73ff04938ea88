// Append-only event and audit log.

package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// Event is one audit record. Events are never deduplicated or compressed.
type Event struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventLog is the event table, a sqlite database shared by every writer.
type EventLog struct {
	db *sql.DB
}

// OpenEventLog opens or creates the sqlite database at path.
func OpenEventLog(ctx context.Context, path string) (*EventLog, error) {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l := &EventLog{db: db}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event log: %w", err)
	}
	return l, nil
}

func (l *EventLog) migrate(ctx context.Context) error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_by_path ON events(path)`,
		`CREATE INDEX IF NOT EXISTS events_by_created_at ON events(created_at)`,
	} {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (l *EventLog) Close() error {
	return l.db.Close()
}

// Append inserts e.
func (l *EventLog) Append(ctx context.Context, e *Event) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (id, path, name, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Path, e.Name, string(e.Payload), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// List returns the newest events whose path starts with prefix.
func (l *EventLog) List(ctx context.Context, prefix string, limit int) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, path, name, payload, created_at FROM events
		WHERE substr(path, 1, ?) = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		utf8.RuneCountInString(prefix), prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Event
	for rows.Next() {
		var (
			e       Event
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.Name, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Count returns the number of events.
func (l *EventLog) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
