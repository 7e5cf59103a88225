// Package lockmgr provides exclusive file locks coordinating concurrent
// writers within a session, acquired inside an immediate transaction so
// the check-then-insert sequence is race free.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/store"
)

// DefaultDuration is the lock lifetime used when a caller does not specify
// one explicitly.
const DefaultDuration = 300 * time.Second

// Manager acquires and releases file locks scoped to one session.
type Manager struct {
	store     *store.Store
	sessionID string
}

// New creates a Manager scoped to sessionID.
func New(s *store.Store, sessionID string) *Manager {
	return &Manager{store: s, sessionID: sessionID}
}

// AcquireResult is the structured outcome of an acquisition attempt —
// contention is never reported as an error.
type AcquireResult struct {
	Success bool
	Reason  string
	Lock    *model.FileLock
}

// Acquire attempts to reserve path for agentID for duration (DefaultDuration
// if zero). The whole check-then-write sequence runs inside one BEGIN
// IMMEDIATE transaction so two concurrent acquirers on the same path are
// serialized by the database writer lock rather than racing in application
// code.
func (m *Manager) Acquire(ctx context.Context, path, agentID string, duration time.Duration) (AcquireResult, error) {
	if duration <= 0 {
		duration = DefaultDuration
	}
	now := time.Now().UTC()
	expiresAt := now.Add(duration)

	var result AcquireResult
	err := m.store.WithImmediateTx(ctx, func(tx *store.Tx) error {
		existing, err := queryLock(ctx, tx, m.sessionID, path)
		if err != nil {
			return err
		}

		switch {
		case existing == nil:
			if err := insertLock(ctx, tx, m.sessionID, path, agentID, now, expiresAt); err != nil {
				return err
			}
			result = AcquireResult{Success: true, Lock: &model.FileLock{Path: path, SessionID: m.sessionID, AgentID: agentID, AcquiredAt: now, ExpiresAt: &expiresAt}}

		case existing.Expired(now):
			if err := deleteLock(ctx, tx, m.sessionID, path); err != nil {
				return err
			}
			if err := insertLock(ctx, tx, m.sessionID, path, agentID, now, expiresAt); err != nil {
				return err
			}
			result = AcquireResult{Success: true, Lock: &model.FileLock{Path: path, SessionID: m.sessionID, AgentID: agentID, AcquiredAt: now, ExpiresAt: &expiresAt}}

		case existing.AgentID == agentID:
			if err := updateExpiry(ctx, tx, m.sessionID, path, expiresAt); err != nil {
				return err
			}
			existing.ExpiresAt = &expiresAt
			result = AcquireResult{Success: true, Lock: existing}

		default:
			result = AcquireResult{Success: false, Reason: fmt.Sprintf("locked by agent %s until %s", existing.AgentID, existing.ExpiresAt.Format(time.RFC3339))}
		}
		return nil
	})
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return result, nil
}

// Release drops the lock on path if held by agentID. Releasing a lock that
// does not exist succeeds silently; releasing one held by a different
// agent fails with a reason.
func (m *Manager) Release(ctx context.Context, path, agentID string) (success bool, reason string, err error) {
	err = m.store.WithImmediateTx(ctx, func(tx *store.Tx) error {
		existing, err := queryLock(ctx, tx, m.sessionID, path)
		if err != nil {
			return err
		}
		if existing == nil {
			success = true
			return nil
		}
		if existing.AgentID != agentID {
			success = false
			reason = fmt.Sprintf("locked by agent %s, cannot release", existing.AgentID)
			return nil
		}
		if err := deleteLock(ctx, tx, m.sessionID, path); err != nil {
			return err
		}
		success = true
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("release lock %s: %w", path, err)
	}
	return success, reason, nil
}

// Check returns the current lock on path, sweeping and returning nil if it
// has expired.
func (m *Manager) Check(ctx context.Context, path string) (*model.FileLock, error) {
	row := m.store.QueryRow(ctx,
		"SELECT path, session_id, agent_id, acquired_at, expires_at FROM file_locks WHERE session_id = ? AND path = ?",
		m.sessionID, path)
	lock, err := scanLockRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("check lock %s: %w", path, err)
	}
	if lock.Expired(time.Now().UTC()) {
		if _, err := m.store.Exec(ctx, "DELETE FROM file_locks WHERE session_id = ? AND path = ?", m.sessionID, path); err != nil {
			return nil, fmt.Errorf("sweep expired lock %s: %w", path, err)
		}
		return nil, nil
	}
	return lock, nil
}

// ListLocks returns every non-expired lock in the session, optionally
// restricted to one agent, garbage-collecting any expired rows it
// encounters along the way.
func (m *Manager) ListLocks(ctx context.Context, agentID string) ([]model.FileLock, error) {
	query := "SELECT path, session_id, agent_id, acquired_at, expires_at FROM file_locks WHERE session_id = ?"
	args := []any{m.sessionID}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var active []model.FileLock
	var expiredPaths []string
	for rows.Next() {
		lock, err := scanLockRow(rows)
		if err != nil {
			return nil, err
		}
		if lock.Expired(now) {
			expiredPaths = append(expiredPaths, lock.Path)
			continue
		}
		active = append(active, *lock)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range expiredPaths {
		if _, err := m.store.Exec(ctx, "DELETE FROM file_locks WHERE session_id = ? AND path = ?", m.sessionID, p); err != nil {
			return nil, fmt.Errorf("sweep expired lock %s: %w", p, err)
		}
	}
	return active, nil
}

// ReleaseAllForAgent drops every lock held by agentID in this session.
func (m *Manager) ReleaseAllForAgent(ctx context.Context, agentID string) error {
	_, err := m.store.Exec(ctx, "DELETE FROM file_locks WHERE session_id = ? AND agent_id = ?", m.sessionID, agentID)
	if err != nil {
		return fmt.Errorf("release all for agent %s: %w", agentID, err)
	}
	return nil
}

// ReleaseAll drops every lock in this session, used during Runtime
// shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	_, err := m.store.Exec(ctx, "DELETE FROM file_locks WHERE session_id = ?", m.sessionID)
	if err != nil {
		return fmt.Errorf("release all locks: %w", err)
	}
	return nil
}

func queryLock(ctx context.Context, tx *store.Tx, sessionID, path string) (*model.FileLock, error) {
	row := tx.QueryRow(ctx, "SELECT path, session_id, agent_id, acquired_at, expires_at FROM file_locks WHERE session_id = ? AND path = ?", sessionID, path)
	lock, err := scanLockRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lock, err
}

func insertLock(ctx context.Context, tx *store.Tx, sessionID, path, agentID string, acquiredAt, expiresAt time.Time) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO file_locks (path, session_id, agent_id, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		path, sessionID, agentID, acquiredAt.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	return err
}

func deleteLock(ctx context.Context, tx *store.Tx, sessionID, path string) error {
	_, err := tx.Exec(ctx, "DELETE FROM file_locks WHERE session_id = ? AND path = ?", sessionID, path)
	return err
}

func updateExpiry(ctx context.Context, tx *store.Tx, sessionID, path string, expiresAt time.Time) error {
	_, err := tx.Exec(ctx, "UPDATE file_locks SET expires_at = ? WHERE session_id = ? AND path = ?", expiresAt.Format(time.RFC3339Nano), sessionID, path)
	return err
}

func scanLockRow(row interface{ Scan(...any) error }) (*model.FileLock, error) {
	var (
		lock       model.FileLock
		acquiredAt string
		expiresAt  sql.NullString
	)
	if err := row.Scan(&lock.Path, &lock.SessionID, &lock.AgentID, &acquiredAt, &expiresAt); err != nil {
		return nil, err
	}
	var err error
	lock.AcquiredAt, err = time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil {
		return nil, fmt.Errorf("parse acquired_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		lock.ExpiresAt = &t
	}
	return &lock, nil
}
