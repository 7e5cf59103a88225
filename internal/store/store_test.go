package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "k6s.db")
	s, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	var count int
	row := s.QueryRow(context.Background(), "SELECT COUNT(*) FROM schema_migrations")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("applied %d migrations, want %d", count, len(migrations))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k6s.db")
	s1, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
}

func TestWithImmediateTxCommitsAndRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Exec(ctx, `INSERT INTO sessions (id, objective, state, started_at) VALUES (?, ?, ?, ?)`,
		"sess-1", "test", "active", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	err := s.WithImmediateTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO context_store (session_id, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			"sess-1", "k", "v", "2026-01-01T00:00:01Z")
		return err
	})
	if err != nil {
		t.Fatalf("WithImmediateTx commit path: %v", err)
	}

	var value string
	row := s.QueryRow(ctx, "SELECT value FROM context_store WHERE session_id=? AND key=?", "sess-1", "k")
	if err := row.Scan(&value); err != nil {
		t.Fatalf("expected committed row, scan: %v", err)
	}
	if value != "v" {
		t.Fatalf("value = %q, want v", value)
	}

	boom := context.Canceled
	err = s.WithImmediateTx(ctx, func(tx *Tx) error {
		_, _ = tx.Exec(ctx, `INSERT INTO context_store (session_id, key, value, updated_at) VALUES (?, ?, ?, ?)`,
			"sess-1", "k2", "v2", "2026-01-01T00:00:02Z")
		return boom
	})
	if err != boom {
		t.Fatalf("expected rollback error to propagate, got %v", err)
	}

	var count int
	row = s.QueryRow(ctx, "SELECT COUNT(*) FROM context_store WHERE key='k2'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rolled-back insert to be absent, found %d rows", count)
	}
}
