package store

import (
	"context"
	"fmt"
	"time"
)

type migration struct {
	version int
	sql     string
}

// migrations is the fixed, in-binary list of schema changes. Unlike the
// file/embed-source abstraction golang-migrate provides, this list is
// applied by Open itself, each migration in its own plain database/sql
// transaction (BeginTx), before the Store is returned to any caller; it
// does not go through Exec or the write mutex.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	objective TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	parent_session_id TEXT REFERENCES sessions(id),
	config_snapshot TEXT,
	context_summary TEXT,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	total_input_tokens INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	metadata TEXT
);

CREATE TABLE agents (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	specialization TEXT,
	state TEXT NOT NULL,
	spawned_at TEXT NOT NULL,
	boundary_config TEXT,
	metadata TEXT,
	UNIQUE(session_id, name)
);

CREATE TABLE audit_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	agent_id TEXT,
	sequence INTEGER NOT NULL,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT,
	files_affected TEXT,
	gate_id TEXT,
	hmac TEXT,
	UNIQUE(session_id, sequence)
);
CREATE INDEX idx_audit_events_session ON audit_events(session_id, sequence);

CREATE TABLE context_store (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	key TEXT NOT NULL,
	agent_id TEXT,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, key)
);

CREATE TABLE file_locks (
	path TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	agent_id TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expires_at TEXT,
	PRIMARY KEY (path, session_id)
);

CREATE TABLE boundary_violations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	agent_id TEXT,
	timestamp TEXT NOT NULL,
	file_path TEXT NOT NULL,
	violation_type TEXT NOT NULL,
	enforcement_action TEXT NOT NULL,
	details TEXT
);
CREATE INDEX idx_boundary_violations_session ON boundary_violations(session_id, timestamp);
`,
	},
}

// migrate creates the schema_migrations bookkeeping table if absent, then
// applies every migration whose version exceeds the current maximum, each
// inside its own transaction, in ascending order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		s.log.Info().Int("version", m.version).Msg("applied schema migration")
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.version, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
