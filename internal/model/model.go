// Package model defines the entities persisted by the engine: sessions,
// agents, audit events, context entries, file locks, and boundary
// violations, plus their closed enumerations.
package model

import "time"

// SessionState is the lifecycle state of a governance session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// AgentRole distinguishes the session's lead from its teammates.
type AgentRole string

const (
	RoleLead     AgentRole = "lead"
	RoleTeammate AgentRole = "teammate"
)

// AgentState is the lifecycle state of one agent within a session.
type AgentState string

const (
	AgentActive    AgentState = "active"
	AgentIdle      AgentState = "idle"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
)

// EventType is the closed set of audit event kinds the engine records.
type EventType string

const (
	EventFileCreate        EventType = "file_create"
	EventFileModify        EventType = "file_modify"
	EventFileDelete        EventType = "file_delete"
	EventSessionStart      EventType = "session_start"
	EventSessionPause      EventType = "session_pause"
	EventSessionResume     EventType = "session_resume"
	EventSessionComplete   EventType = "session_complete"
	EventSessionFail       EventType = "session_fail"
	EventAgentSpawn        EventType = "agent_spawn"
	EventAgentComplete     EventType = "agent_complete"
	EventAgentFail         EventType = "agent_fail"
	EventTaskCreate        EventType = "task_create"
	EventTaskUpdate        EventType = "task_update"
	EventTaskComplete      EventType = "task_complete"
	EventGateTriggered     EventType = "gate_triggered"
	EventGateApproved      EventType = "gate_approved"
	EventGateDenied        EventType = "gate_denied"
	EventGateExpired       EventType = "gate_expired"
	EventBoundaryViolation EventType = "boundary_violation"
	EventBoundaryCheck     EventType = "boundary_check"
	EventLockAcquired      EventType = "lock_acquired"
	EventLockReleased      EventType = "lock_released"
	EventLockDenied        EventType = "lock_denied"
	EventContextSaved      EventType = "context_saved"
	EventContextLoaded     EventType = "context_loaded"
	EventCostReported      EventType = "cost_reported"
	EventBudgetWarning     EventType = "budget_warning"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventLog               EventType = "log"
	EventSystem            EventType = "system"
	EventToolUse           EventType = "tool_use"
)

// ViolationType distinguishes why a boundary check failed.
type ViolationType string

const (
	ViolationForbiddenPath ViolationType = "forbidden_path"
	ViolationOutsideAllowed ViolationType = "outside_allowed"
	ViolationResourceLimit ViolationType = "resource_limit"
)

// EnforcementAction records what the enforcer did about a violation.
type EnforcementAction string

const (
	ActionLogged   EnforcementAction = "logged"
	ActionReverted EnforcementAction = "reverted"
	ActionBlocked  EnforcementAction = "blocked"
)

// Session is one governance episode.
type Session struct {
	ID                string
	Objective         string
	State             SessionState
	StartedAt         time.Time
	EndedAt           *time.Time
	ParentSessionID   string
	ConfigSnapshot    string
	ContextSummary    string
	TotalCostUSD      float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	Metadata          string
}

// Agent is one named actor within a session.
type Agent struct {
	ID             string
	SessionID      string
	Name           string
	Role           AgentRole
	Specialization string
	State          AgentState
	SpawnedAt      time.Time
	BoundaryConfig string
	Metadata       string
}

// AuditEvent is one row in a session's monotonic audit log.
type AuditEvent struct {
	ID            string
	SessionID     string
	AgentID       string
	Sequence      int64
	Timestamp     time.Time
	EventType     EventType
	Action        string
	Details       string
	FilesAffected []string
	GateID        string
	HMAC          string
}

// ContextEntry is one key/value row in a session's context store.
type ContextEntry struct {
	SessionID string
	Key       string
	AgentID   string
	Value     []byte // opaque at the storage boundary; decoded by callers
	UpdatedAt time.Time
}

// FileLock is one exclusive reservation on a path within a session.
type FileLock struct {
	Path       string
	SessionID  string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the lock's expiry has passed as of now.
func (l FileLock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// BoundaryViolation is one recorded denial or flagged access.
type BoundaryViolation struct {
	ID                string
	SessionID         string
	AgentID           string
	Timestamp         time.Time
	FilePath          string
	ViolationType     ViolationType
	EnforcementAction EnforcementAction
	Details           string
}
