// Package store provides the engine's single embedded relational store: a
// serialized-write SQLite database with a forward-only migration runner and
// an immediate-transaction primitive the lock manager depends on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store wraps one SQLite connection pool behind a single write mutex. Reads
// are allowed to run concurrently (WAL mode permits concurrent readers
// alongside the one in-flight writer); every write-shaped operation takes
// writeMu so callers never observe half-applied mutations.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	log     zerolog.Logger
	path    string
}

// Open creates the containing directory if needed, opens the database file
// with owner-only permissions, applies the pragma set the engine depends
// on, and runs any pending migrations.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1 << 5)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("could not restrict store file permissions")
	}

	s := &Store{db: db, log: log, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for read-only use. The engine's own
// components read through QueryRow and Query instead.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a write statement under the store's write mutex.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// QueryRow runs a read statement expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Query runs a read statement expected to return any number of rows. The
// caller must close the returned *sql.Rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// Tx is a write-reserved transaction obtained from WithImmediateTx.
type Tx struct {
	conn *sql.Conn
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tx exec: %w", err)
	}
	return res, nil
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Query runs a multi-row query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tx query: %w", err)
	}
	return rows, nil
}

// WithImmediateTx runs fn inside a BEGIN IMMEDIATE transaction, committing
// on a nil return and rolling back otherwise. database/sql's BeginTx only
// ever issues a deferred BEGIN, which leaves a TOCTOU window between a
// read and a subsequent write within the same logical transaction — the
// lock manager's acquire path needs the write-reservation to happen before
// it reads the current holder, so this bypasses sql.DB.BeginTx and issues
// BEGIN IMMEDIATE directly over a reserved connection.
func (s *Store) WithImmediateTx(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}

	tx := &Tx{conn: conn}
	if err := fn(tx); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			s.log.Warn().Err(rbErr).Msg("rollback failed after transaction error")
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
