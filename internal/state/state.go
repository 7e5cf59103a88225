// Package state implements session, agent, and context persistence over
// the engine's store, plus the resume-context summary fed to a successor
// session.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sibyllai/khoregos/internal/ids"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/store"
)

// Manager implements session, agent, and context CRUD over one Store.
type Manager struct {
	store *store.Store
}

// New creates a Manager bound to s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

const timeLayout = time.RFC3339Nano

// CreateSession inserts a new session row and returns it.
func (m *Manager) CreateSession(ctx context.Context, objective, configSnapshot, parentSessionID string) (*model.Session, error) {
	sess := &model.Session{
		ID:              ids.New(),
		Objective:       objective,
		State:           model.SessionCreated,
		StartedAt:       time.Now().UTC(),
		ParentSessionID: parentSessionID,
		ConfigSnapshot:  configSnapshot,
	}
	_, err := m.store.Exec(ctx,
		`INSERT INTO sessions (id, objective, state, started_at, parent_session_id, config_snapshot)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Objective, sess.State, sess.StartedAt.Format(timeLayout),
		nullable(sess.ParentSessionID), nullable(sess.ConfigSnapshot),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := m.store.QueryRow(ctx, sessionSelect+" WHERE id = ?", id)
	return scanSession(row)
}

// GetLatestSession returns the most recently started session, if any.
func (m *Manager) GetLatestSession(ctx context.Context) (*model.Session, error) {
	row := m.store.QueryRow(ctx, sessionSelect+" ORDER BY started_at DESC LIMIT 1")
	return scanSession(row)
}

// GetActiveSession returns the newest session still in created or active
// state, if any.
func (m *Manager) GetActiveSession(ctx context.Context) (*model.Session, error) {
	row := m.store.QueryRow(ctx,
		sessionSelect+" WHERE state IN (?, ?) ORDER BY started_at DESC LIMIT 1",
		model.SessionCreated, model.SessionActive)
	return scanSession(row)
}

// ListSessions returns sessions newest-first, optionally filtered by state.
func (m *Manager) ListSessions(ctx context.Context, limit, offset int, stateFilter model.SessionState) ([]*model.Session, error) {
	query := sessionSelect
	args := []any{}
	if stateFilter != "" {
		query += " WHERE state = ?"
		args = append(args, stateFilter)
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionSelect = `SELECT id, objective, state, started_at, ended_at, parent_session_id,
	config_snapshot, context_summary, total_cost_usd, total_input_tokens, total_output_tokens, metadata
	FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanSessionRow(row scanner) (*model.Session, error) {
	var (
		sess                                     model.Session
		endedAt, parentID, cfgSnap, ctxSum, meta sql.NullString
		startedAt                                string
	)
	err := row.Scan(&sess.ID, &sess.Objective, &sess.State, &startedAt, &endedAt, &parentID,
		&cfgSnap, &ctxSum, &sess.TotalCostUSD, &sess.TotalInputTokens, &sess.TotalOutputTokens, &meta)
	if err != nil {
		return nil, err
	}
	sess.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeLayout, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	sess.ParentSessionID = parentID.String
	sess.ConfigSnapshot = cfgSnap.String
	sess.ContextSummary = ctxSum.String
	sess.Metadata = meta.String
	return &sess, nil
}

func (m *Manager) transitionSession(ctx context.Context, id string, newState model.SessionState, setEnded bool) error {
	query := "UPDATE sessions SET state = ?"
	args := []any{newState}
	if setEnded {
		query += ", ended_at = ?"
		args = append(args, time.Now().UTC().Format(timeLayout))
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := m.store.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", id, newState, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition session %s to %s: no such session", id, newState)
	}
	return nil
}

func (m *Manager) MarkSessionActive(ctx context.Context, id string) error {
	return m.transitionSession(ctx, id, model.SessionActive, false)
}

func (m *Manager) MarkSessionPaused(ctx context.Context, id string) error {
	return m.transitionSession(ctx, id, model.SessionPaused, false)
}

func (m *Manager) MarkSessionCompleted(ctx context.Context, id string) error {
	return m.transitionSession(ctx, id, model.SessionCompleted, true)
}

func (m *Manager) MarkSessionFailed(ctx context.Context, id string) error {
	return m.transitionSession(ctx, id, model.SessionFailed, true)
}

// CreateAgent inserts a new agent row scoped to sessionID.
func (m *Manager) CreateAgent(ctx context.Context, sessionID, name string, role model.AgentRole, specialization, boundaryConfig string) (*model.Agent, error) {
	agent := &model.Agent{
		ID:             ids.New(),
		SessionID:      sessionID,
		Name:           name,
		Role:           role,
		Specialization: specialization,
		State:          model.AgentActive,
		SpawnedAt:      time.Now().UTC(),
		BoundaryConfig: boundaryConfig,
	}
	_, err := m.store.Exec(ctx,
		`INSERT INTO agents (id, session_id, name, role, specialization, state, spawned_at, boundary_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.SessionID, agent.Name, agent.Role, nullable(agent.Specialization),
		agent.State, agent.SpawnedAt.Format(timeLayout), nullable(agent.BoundaryConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", name, err)
	}
	return agent, nil
}

const agentSelect = `SELECT id, session_id, name, role, specialization, state, spawned_at, boundary_config, metadata FROM agents`

// GetAgentByName resolves an agent by its session-scoped unique name.
func (m *Manager) GetAgentByName(ctx context.Context, sessionID, name string) (*model.Agent, error) {
	row := m.store.QueryRow(ctx, agentSelect+" WHERE session_id = ? AND name = ?", sessionID, name)
	return scanAgent(row)
}

// GetAgent resolves an agent by id.
func (m *Manager) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := m.store.QueryRow(ctx, agentSelect+" WHERE id = ?", id)
	return scanAgent(row)
}

// ListAgents returns every agent registered for a session.
func (m *Manager) ListAgents(ctx context.Context, sessionID string) ([]*model.Agent, error) {
	rows, err := m.store.Query(ctx, agentSelect+" WHERE session_id = ? ORDER BY spawned_at ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func scanAgent(row scanner) (*model.Agent, error) {
	agent, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agent, err
}

func scanAgentRow(row scanner) (*model.Agent, error) {
	var (
		agent               model.Agent
		specialization      sql.NullString
		boundaryCfg, meta   sql.NullString
		spawnedAt           string
	)
	err := row.Scan(&agent.ID, &agent.SessionID, &agent.Name, &agent.Role, &specialization,
		&agent.State, &spawnedAt, &boundaryCfg, &meta)
	if err != nil {
		return nil, err
	}
	agent.SpawnedAt, err = time.Parse(timeLayout, spawnedAt)
	if err != nil {
		return nil, fmt.Errorf("parse spawned_at: %w", err)
	}
	agent.Specialization = specialization.String
	agent.BoundaryConfig = boundaryCfg.String
	agent.Metadata = meta.String
	return &agent, nil
}

func (m *Manager) transitionAgent(ctx context.Context, id string, newState model.AgentState) error {
	res, err := m.store.Exec(ctx, "UPDATE agents SET state = ? WHERE id = ?", newState, id)
	if err != nil {
		return fmt.Errorf("transition agent %s to %s: %w", id, newState, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition agent %s to %s: no such agent", id, newState)
	}
	return nil
}

func (m *Manager) MarkAgentIdle(ctx context.Context, id string) error      { return m.transitionAgent(ctx, id, model.AgentIdle) }
func (m *Manager) MarkAgentActive(ctx context.Context, id string) error    { return m.transitionAgent(ctx, id, model.AgentActive) }
func (m *Manager) MarkAgentCompleted(ctx context.Context, id string) error { return m.transitionAgent(ctx, id, model.AgentCompleted) }
func (m *Manager) MarkAgentFailed(ctx context.Context, id string) error    { return m.transitionAgent(ctx, id, model.AgentFailed) }

// SaveContext upserts a context entry, keeping updated_at monotonic for the
// (session, key) pair as the data model requires.
func (m *Manager) SaveContext(ctx context.Context, sessionID, key, agentID string, value []byte) error {
	_, err := m.store.Exec(ctx,
		`INSERT INTO context_store (session_id, key, agent_id, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET
			agent_id = excluded.agent_id,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		sessionID, key, nullable(agentID), string(value), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save context %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// LoadContext fetches one context entry. found is false if no row exists.
func (m *Manager) LoadContext(ctx context.Context, sessionID, key string) (entry *model.ContextEntry, found bool, err error) {
	row := m.store.QueryRow(ctx,
		"SELECT session_id, key, agent_id, value, updated_at FROM context_store WHERE session_id = ? AND key = ?",
		sessionID, key)

	var (
		e         model.ContextEntry
		agentID   sql.NullString
		value     string
		updatedAt string
	)
	err = row.Scan(&e.SessionID, &e.Key, &agentID, &value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load context %s/%s: %w", sessionID, key, err)
	}
	e.AgentID = agentID.String
	e.Value = []byte(value)
	e.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("parse updated_at: %w", err)
	}
	return &e, true, nil
}

// LoadAllContext returns every context entry for a session, optionally
// restricted to one agent.
func (m *Manager) LoadAllContext(ctx context.Context, sessionID, agentID string) ([]*model.ContextEntry, error) {
	query := "SELECT session_id, key, agent_id, value, updated_at FROM context_store WHERE session_id = ?"
	args := []any{sessionID}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY key ASC"

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load all context: %w", err)
	}
	defer rows.Close()

	var out []*model.ContextEntry
	for rows.Next() {
		var (
			e         model.ContextEntry
			agentCol  sql.NullString
			value     string
			updatedAt string
		)
		if err := rows.Scan(&e.SessionID, &e.Key, &agentCol, &value, &updatedAt); err != nil {
			return nil, err
		}
		e.AgentID = agentCol.String
		e.Value = []byte(value)
		e.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteContext removes one context entry. It is not an error to delete a
// key that does not exist.
func (m *Manager) DeleteContext(ctx context.Context, sessionID, key string) error {
	_, err := m.store.Exec(ctx, "DELETE FROM context_store WHERE session_id = ? AND key = ?", sessionID, key)
	if err != nil {
		return fmt.Errorf("delete context %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// GenerateResumeContext renders a portable Markdown summary of a session
// for injection into a successor session. The section layout is load
// bearing: downstream consumers parse these exact headings.
func (m *Manager) GenerateResumeContext(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("resume context: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("resume context: no such session %s", sessionID)
	}

	agents, err := m.ListAgents(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("resume context: %w", err)
	}
	entries, err := m.LoadAllContext(ctx, sessionID, "")
	if err != nil {
		return "", fmt.Errorf("resume context: %w", err)
	}

	var b strings.Builder
	b.WriteString("## Previous Session Context\n\n")
	fmt.Fprintf(&b, "**Objective:** %s\n", sess.Objective)
	fmt.Fprintf(&b, "**Started:** %s\n", sess.StartedAt.Format(time.RFC3339))
	if sess.ContextSummary != "" {
		fmt.Fprintf(&b, "\n%s\n", sess.ContextSummary)
	}

	b.WriteString("\n### Active Agents\n\n")
	if len(agents) == 0 {
		b.WriteString("_none_\n")
	}
	for _, a := range agents {
		spec := a.Specialization
		if spec == "" {
			spec = "general"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)\n", a.Name, a.Role, spec)
	}

	b.WriteString("\n### Saved Context\n\n")
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	if len(entries) == 0 {
		b.WriteString("_none_\n")
	}
	limit := len(entries)
	if limit > 10 {
		limit = 10
	}
	for _, e := range entries[:limit] {
		preview := string(e.Value)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", e.Key, preview)
	}

	return b.String(), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
