package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sibyllai/khoregos/internal/lockmgr"
	"github.com/sibyllai/khoregos/internal/model"
)

type toolHandler func(ctx context.Context, s *Server, input json.RawMessage) (any, error)

var handlers = map[string]toolHandler{
	"log":             handleLog,
	"save_context":    handleSaveContext,
	"load_context":    handleLoadContext,
	"acquire_lock":    handleAcquireLock,
	"release_lock":    handleReleaseLock,
	"get_boundaries":  handleGetBoundaries,
	"check_path":      handleCheckPath,
	"task_update":     handleTaskUpdate,
}

// eventTypeOrDefault falls back to the generic "log" event type for any
// value outside the closed set, per the error-handling rule that the
// ToolServer never rejects a request solely for an unrecognized event type.
func eventTypeOrDefault(raw string) model.EventType {
	switch model.EventType(raw) {
	case model.EventFileCreate, model.EventFileModify, model.EventFileDelete,
		model.EventSessionStart, model.EventSessionPause, model.EventSessionResume,
		model.EventSessionComplete, model.EventSessionFail, model.EventAgentSpawn,
		model.EventAgentComplete, model.EventAgentFail, model.EventTaskCreate,
		model.EventTaskUpdate, model.EventTaskComplete, model.EventGateTriggered,
		model.EventGateApproved, model.EventGateDenied, model.EventGateExpired,
		model.EventBoundaryViolation, model.EventBoundaryCheck, model.EventLockAcquired,
		model.EventLockReleased, model.EventLockDenied, model.EventContextSaved,
		model.EventContextLoaded, model.EventCostReported, model.EventBudgetWarning,
		model.EventBudgetExceeded, model.EventLog, model.EventSystem, model.EventToolUse:
		return model.EventType(raw)
	default:
		return model.EventLog
	}
}

type logInput struct {
	Action    string   `json:"action"`
	EventType string   `json:"event_type,omitempty"`
	AgentName string   `json:"agent_name,omitempty"`
	Details   string   `json:"details,omitempty"`
	Files     []string `json:"files,omitempty"`
}

func handleLog(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in logInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	if in.Action == "" {
		return nil, fmt.Errorf("log: action is required")
	}
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	eventType := model.EventLog
	if in.EventType != "" {
		eventType = eventTypeOrDefault(in.EventType)
	}
	event, err := s.auditLog.Log(eventType, in.Action, agentID, in.Details, in.Files, "")
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}
	return map[string]any{"status": "logged", "event_id": event.ID, "sequence": event.Sequence}, nil
}

type saveContextInput struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	AgentName string          `json:"agent_name,omitempty"`
}

func handleSaveContext(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in saveContextInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("save_context: %w", err)
	}
	if in.Key == "" {
		return nil, fmt.Errorf("save_context: key is required")
	}
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	if err := s.state.SaveContext(ctx, s.sessionID, in.Key, agentID, in.Value); err != nil {
		return nil, fmt.Errorf("save_context: %w", err)
	}
	if _, err := s.auditLog.Log(model.EventContextSaved, "save_context", agentID, in.Key, nil, ""); err != nil {
		return nil, fmt.Errorf("save_context: %w", err)
	}
	return map[string]any{"status": "saved", "key": in.Key, "updated_at": time.Now().UTC().Format(time.RFC3339Nano)}, nil
}

type loadContextInput struct {
	Key string `json:"key"`
}

func handleLoadContext(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in loadContextInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("load_context: %w", err)
	}
	entry, found, err := s.state.LoadContext(ctx, s.sessionID, in.Key)
	if err != nil {
		return nil, fmt.Errorf("load_context: %w", err)
	}
	if !found {
		return map[string]any{"status": "not_found", "key": in.Key}, nil
	}
	return map[string]any{
		"status":     "found",
		"key":        in.Key,
		"value":      json.RawMessage(entry.Value),
		"updated_at": entry.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

type acquireLockInput struct {
	Path            string `json:"path"`
	AgentName       string `json:"agent_name"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func handleAcquireLock(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in acquireLockInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("acquire_lock: %w", err)
	}
	if in.Path == "" || in.AgentName == "" {
		return nil, fmt.Errorf("acquire_lock: path and agent_name are required")
	}
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	duration := lockmgr.DefaultDuration
	if in.DurationSeconds > 0 {
		duration = time.Duration(in.DurationSeconds) * time.Second
	}
	res, err := s.locks.Acquire(ctx, in.Path, agentID, duration)
	if err != nil {
		return nil, fmt.Errorf("acquire_lock: %w", err)
	}
	if res.Success {
		if _, err := s.auditLog.Log(model.EventLockAcquired, "acquire_lock", agentID, in.Path, []string{in.Path}, ""); err != nil {
			return nil, fmt.Errorf("acquire_lock: %w", err)
		}
	} else {
		if _, err := s.auditLog.Log(model.EventLockDenied, "acquire_lock", agentID, res.Reason, []string{in.Path}, ""); err != nil {
			return nil, fmt.Errorf("acquire_lock: %w", err)
		}
	}
	return map[string]any{"success": res.Success, "reason": res.Reason, "path": in.Path}, nil
}

type releaseLockInput struct {
	Path      string `json:"path"`
	AgentName string `json:"agent_name"`
}

func handleReleaseLock(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in releaseLockInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("release_lock: %w", err)
	}
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	success, reason, err := s.locks.Release(ctx, in.Path, agentID)
	if err != nil {
		return nil, fmt.Errorf("release_lock: %w", err)
	}
	if success {
		if _, err := s.auditLog.Log(model.EventLockReleased, "release_lock", agentID, in.Path, []string{in.Path}, ""); err != nil {
			return nil, fmt.Errorf("release_lock: %w", err)
		}
	}
	return map[string]any{"success": success, "reason": reason, "path": in.Path}, nil
}

type getBoundariesInput struct {
	AgentName string `json:"agent_name"`
}

func handleGetBoundaries(_ context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in getBoundariesInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("get_boundaries: %w", err)
	}
	cfg, ok := s.boundary.ResolveBoundary(in.AgentName)
	if !ok {
		return map[string]any{"agent": in.AgentName, "has_boundary": false}, nil
	}
	return map[string]any{
		"agent":               in.AgentName,
		"has_boundary":        true,
		"allowed_paths":       cfg.AllowedPaths,
		"forbidden_paths":     cfg.ForbiddenPaths,
		"enforcement":         cfg.Enforcement,
		"max_tokens_per_hour": cfg.MaxTokensPerHour,
		"max_cost_per_hour":   cfg.MaxCostPerHour,
	}, nil
}

type checkPathInput struct {
	Path      string `json:"path"`
	AgentName string `json:"agent_name"`
}

func handleCheckPath(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in checkPathInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("check_path: %w", err)
	}
	allowed, reason := s.boundary.CheckPathAllowed(in.Path, in.AgentName)
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	if _, err := s.auditLog.Log(model.EventBoundaryCheck, "check_path", agentID, in.Path, []string{in.Path}, ""); err != nil {
		return nil, fmt.Errorf("check_path: %w", err)
	}
	out := map[string]any{"path": in.Path, "agent": in.AgentName, "allowed": allowed}
	if reason != "" {
		out["reason"] = reason
	}
	return out, nil
}

type taskUpdateInput struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Progress  string `json:"progress,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

func handleTaskUpdate(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var in taskUpdateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("task_update: %w", err)
	}
	if in.TaskID == "" || in.Status == "" {
		return nil, fmt.Errorf("task_update: task_id and status are required")
	}
	agentID, err := s.resolveAgentID(ctx, in.AgentName)
	if err != nil {
		return nil, err
	}
	details := in.Status
	if in.Progress != "" {
		details = in.Status + ": " + in.Progress
	}
	event, err := s.auditLog.Log(model.EventTaskUpdate, in.TaskID, agentID, details, nil, "")
	if err != nil {
		return nil, fmt.Errorf("task_update: %w", err)
	}
	return map[string]any{"status": "recorded", "task_id": in.TaskID, "event_id": event.ID}, nil
}
