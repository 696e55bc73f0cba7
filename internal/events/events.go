// Package events is an optional, disabled-by-default append-only sink
// for dispatched messages, backed by SQLite. The bus's core contract
// (§4.1) is entirely file-based and works with this sink absent; it
// exists purely so an operator who wants to query dispatch history
// ("how many messages did agent X handle yesterday") doesn't have to
// grep outgoing/ files, mirroring the teacher's habit of backing every
// durable log with a queryable SQLite/Postgres store.
package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id  TEXT NOT NULL,
	channel     TEXT NOT NULL,
	sender      TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	status      TEXT NOT NULL, -- "completed" or "failed"
	error       TEXT,
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_events_agent ON dispatch_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_dispatch_events_ts ON dispatch_events(timestamp);
`

// Sink appends one row per dispatched message. A nil *Sink is valid and
// every method on it is a no-op, so callers can wire it unconditionally
// and leave it nil when events are disabled.
type Sink struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: create schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close releases the underlying database handle. Safe on a nil *Sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one dispatch outcome. Safe on a nil *Sink (no-op).
// Errors are the caller's responsibility to log; a broken events sink
// must never fail message dispatch itself.
func (s *Sink) Record(ctx context.Context, messageID, channel, sender, agentID, status, errText string, timestamp int64) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_events (message_id, channel, sender, agent_id, status, error, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID, channel, sender, agentID, status, errText, timestamp)
	return err
}
