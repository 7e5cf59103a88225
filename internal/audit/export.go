package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sibyllai/khoregos/internal/model"
)

type exportRecord struct {
	ID            string   `json:"id"`
	SessionID     string   `json:"session_id"`
	AgentID       string   `json:"agent_id,omitempty"`
	Sequence      int64    `json:"sequence"`
	Timestamp     string   `json:"timestamp"`
	EventType     string   `json:"event_type"`
	Action        string   `json:"action"`
	Details       string   `json:"details,omitempty"`
	FilesAffected []string `json:"files_affected,omitempty"`
	GateID        string   `json:"gate_id,omitempty"`
	HMAC          string   `json:"hmac,omitempty"`
}

// ExportJSON writes the full event set for this logger's session to w as a
// JSON array, ascending by sequence.
func (l *Logger) ExportJSON(ctx context.Context, w io.Writer) error {
	events, err := l.allEventsAscending(ctx)
	if err != nil {
		return err
	}
	records := make([]exportRecord, 0, len(events))
	for _, e := range events {
		records = append(records, toExportRecord(e))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("export json: %w", err)
	}
	return nil
}

// ExportCSV writes the full event set to w as CSV with a fixed header row.
func (l *Logger) ExportCSV(ctx context.Context, w io.Writer) error {
	events, err := l.allEventsAscending(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"timestamp", "sequence", "session_id", "agent_id", "event_type", "action", "files_affected"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			fmt.Sprintf("%d", e.Sequence),
			e.SessionID,
			e.AgentID,
			string(e.EventType),
			e.Action,
			strings.Join(e.FilesAffected, ";"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (l *Logger) allEventsAscending(ctx context.Context) ([]model.AuditEvent, error) {
	total, err := l.GetEventCount(ctx)
	if err != nil {
		return nil, err
	}
	descending, err := l.GetEvents(ctx, int(total), 0, "", "", nil)
	if err != nil {
		return nil, err
	}
	ascending := make([]model.AuditEvent, len(descending))
	for i, e := range descending {
		ascending[len(descending)-1-i] = e
	}
	return ascending, nil
}

func toExportRecord(e model.AuditEvent) exportRecord {
	return exportRecord{
		ID:            e.ID,
		SessionID:     e.SessionID,
		AgentID:       e.AgentID,
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp.Format(time.RFC3339Nano),
		EventType:     string(e.EventType),
		Action:        e.Action,
		Details:       e.Details,
		FilesAffected: e.FilesAffected,
		GateID:        e.GateID,
		HMAC:          e.HMAC,
	}
}
