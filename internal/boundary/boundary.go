// Package boundary enforces per-agent file-scope policy: which paths an
// agent may read or write, expressed as glob patterns keyed by agent name.
package boundary

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/ids"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/store"
)

const wildcardAgentPattern = "*"

// Enforcer resolves and checks per-agent path policy against a fixed,
// ordered list of boundary configurations, and records violations.
type Enforcer struct {
	store       *store.Store
	configs     []config.BoundaryConfig
	projectRoot string
}

// New creates an Enforcer over a fixed boundary configuration list.
func New(s *store.Store, configs []config.BoundaryConfig, projectRoot string) *Enforcer {
	return &Enforcer{store: s, configs: configs, projectRoot: projectRoot}
}

// Configs returns the full ordered boundary configuration list.
func (e *Enforcer) Configs() []config.BoundaryConfig {
	return e.configs
}

// ResolveBoundary returns the first configuration whose pattern matches
// agentName, falling back to a "*" entry if present, or ok=false if no
// boundary applies (meaning: unrestricted access).
func (e *Enforcer) ResolveBoundary(agentName string) (cfg config.BoundaryConfig, ok bool) {
	var wildcard config.BoundaryConfig
	haveWildcard := false

	for _, c := range e.configs {
		if c.Pattern == wildcardAgentPattern {
			wildcard = c
			haveWildcard = true
			continue
		}
		matched, err := doublestar.Match(c.Pattern, agentName)
		if err == nil && matched {
			return c, true
		}
	}
	if haveWildcard {
		return wildcard, true
	}
	return config.BoundaryConfig{}, false
}

// CheckPathAllowed applies the resolution order the data model requires:
// an agent with no resolved boundary is allowed any path; otherwise a path
// outside the project root is denied; forbidden patterns always
// take precedence over allowed ones; an empty allow-list permits anything
// not forbidden; a non-empty allow-list requires an explicit match.
func (e *Enforcer) CheckPathAllowed(filePath, agentName string) (allowed bool, reason string) {
	cfg, ok := e.ResolveBoundary(agentName)
	if !ok {
		return true, ""
	}

	rel, err := relativize(e.projectRoot, filePath)
	if err != nil {
		return false, "outside project root"
	}

	for _, forbidden := range cfg.ForbiddenPaths {
		if matches(forbidden, rel) {
			return false, fmt.Sprintf("matches forbidden pattern %q", forbidden)
		}
	}

	if len(cfg.AllowedPaths) == 0 {
		return true, ""
	}
	for _, allow := range cfg.AllowedPaths {
		if matches(allow, rel) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("does not match allowed patterns for %s", agentName)
}

// ClassifyViolation infers a ViolationType from the reason string
// CheckPathAllowed returned, for callers (such as the filesystem watcher's
// forwarding path) that record a violation from the denial reason alone
// rather than tracking which branch of CheckPathAllowed produced it.
func ClassifyViolation(reason string) model.ViolationType {
	if strings.HasPrefix(reason, "matches forbidden pattern") {
		return model.ViolationForbiddenPath
	}
	return model.ViolationOutsideAllowed
}

func matches(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}

func relativize(root, filePath string) (string, error) {
	if !path.IsAbs(filePath) {
		clean := path.Clean(filePath)
		if strings.HasPrefix(clean, "..") {
			return "", fmt.Errorf("path escapes project root")
		}
		return clean, nil
	}
	if root == "" || !strings.HasPrefix(filePath, root) {
		return "", fmt.Errorf("path outside project root")
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(filePath, root), "/")
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes project root")
	}
	return rel, nil
}

// RecordViolation persists one boundary violation row and returns it.
func (e *Enforcer) RecordViolation(ctx context.Context, sessionID, agentID, filePath string, vType model.ViolationType, action model.EnforcementAction, details string) (model.BoundaryViolation, error) {
	v := model.BoundaryViolation{
		ID:                ids.New(),
		SessionID:         sessionID,
		AgentID:           agentID,
		Timestamp:         time.Now().UTC(),
		FilePath:          filePath,
		ViolationType:      vType,
		EnforcementAction: action,
		Details:           details,
	}
	_, err := e.store.Exec(ctx,
		`INSERT INTO boundary_violations (id, session_id, agent_id, timestamp, file_path, violation_type, enforcement_action, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, nullable(v.AgentID), v.Timestamp.Format(time.RFC3339Nano), v.FilePath, v.ViolationType, v.EnforcementAction, nullable(v.Details),
	)
	if err != nil {
		return v, fmt.Errorf("record violation: %w", err)
	}
	return v, nil
}

// GetViolations returns recorded violations for a session, newest first,
// optionally restricted to one agent.
func (e *Enforcer) GetViolations(ctx context.Context, sessionID, agentID string, limit int) ([]model.BoundaryViolation, error) {
	query := `SELECT id, session_id, agent_id, timestamp, file_path, violation_type, enforcement_action, details
		FROM boundary_violations WHERE session_id = ?`
	args := []any{sessionID}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get violations: %w", err)
	}
	defer rows.Close()

	var out []model.BoundaryViolation
	for rows.Next() {
		var (
			v          model.BoundaryViolation
			agentCol   sql.NullString
			details    sql.NullString
			ts         string
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &agentCol, &ts, &v.FilePath, &v.ViolationType, &v.EnforcementAction, &details); err != nil {
			return nil, err
		}
		v.AgentID = agentCol.String
		v.Details = details.String
		v.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
