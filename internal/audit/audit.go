// Package audit implements the buffered, monotonically sequenced
// per-session audit log: the system of record for every governed action.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/eventbus"
	"github.com/sibyllai/khoregos/internal/ids"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/store"
)

const (
	maxBufferedEvents = 100
	flushInterval     = 100 * time.Millisecond
	timeLayout        = time.RFC3339Nano
)

// Logger is bound to exactly one session and owns that session's sequence
// counter. Events are buffered in memory and flushed to the store whenever
// the buffer reaches maxBufferedEvents, flushInterval elapses, or Stop is
// called.
type Logger struct {
	store     *store.Store
	bus       *eventbus.Bus
	sessionID string
	log       zerolog.Logger

	mu     sync.Mutex
	seq    int64
	buffer []model.AuditEvent

	flushSignal chan struct{}
	stop        chan struct{}
	stopped     chan struct{}
}

// New creates a Logger for sessionID, initializing its sequence counter
// from the highest sequence already persisted for that session so a
// restart continues numbering without gaps or reuse.
func New(ctx context.Context, s *store.Store, bus *eventbus.Bus, sessionID string, log zerolog.Logger) (*Logger, error) {
	var maxSeq sql.NullInt64
	row := s.QueryRow(ctx, "SELECT MAX(sequence) FROM audit_events WHERE session_id = ?", sessionID)
	if err := row.Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max sequence for session %s: %w", sessionID, err)
	}

	return &Logger{
		store:       s,
		bus:         bus,
		sessionID:   sessionID,
		log:         log,
		seq:         maxSeq.Int64,
		flushSignal: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}, nil
}

// Start launches the background flush loop.
func (l *Logger) Start() {
	go l.loop()
}

func (l *Logger) loop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(l.stopped)

	for {
		select {
		case <-ticker.C:
			l.flush(context.Background())
		case <-l.flushSignal:
			l.flush(context.Background())
		case <-l.stop:
			l.flush(context.Background())
			return
		}
	}
}

// Log assigns the next sequence number, appends the event to the buffer,
// and enqueues it on the event bus (if any) before returning; the bus
// dispatches it to handlers asynchronously. It does not
// wait for the event to be durable — callers that need durability should
// rely on Stop's final flush or a subsequent GetEvents/ExportJSON read
// after a flush boundary.
func (l *Logger) Log(eventType model.EventType, action, agentID, details string, filesAffected []string, gateID string) (model.AuditEvent, error) {
	l.mu.Lock()
	l.seq++
	event := model.AuditEvent{
		ID:            ids.New(),
		SessionID:     l.sessionID,
		AgentID:       agentID,
		Sequence:      l.seq,
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		Action:        action,
		Details:       details,
		FilesAffected: filesAffected,
		GateID:        gateID,
	}
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= maxBufferedEvents
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(event)
	}
	if shouldFlush {
		select {
		case l.flushSignal <- struct{}{}:
		default:
		}
	}
	return event, nil
}

func (l *Logger) flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	err := l.store.WithImmediateTx(ctx, func(tx *store.Tx) error {
		for _, e := range pending {
			files := strings.Join(e.FilesAffected, ";")
			_, err := tx.Exec(ctx,
				`INSERT INTO audit_events (id, session_id, agent_id, sequence, timestamp, event_type, action, details, files_affected, gate_id, hmac)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.SessionID, nullable(e.AgentID), e.Sequence, e.Timestamp.Format(timeLayout),
				e.EventType, e.Action, nullable(e.Details), nullable(files), nullable(e.GateID), nullable(e.HMAC),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.log.Error().Err(err).Int("count", len(pending)).Str("session_id", l.sessionID).Msg("audit flush failed, re-queueing events")
		l.mu.Lock()
		l.buffer = append(pending, l.buffer...)
		l.mu.Unlock()
	}
}

// Stop flushes any remaining buffered events and halts the background
// loop. It is safe to call Stop more than once.
func (l *Logger) Stop(ctx context.Context) error {
	select {
	case <-l.stopped:
		return nil
	default:
	}
	close(l.stop)
	<-l.stopped
	l.mu.Lock()
	remaining := len(l.buffer)
	l.mu.Unlock()
	if remaining > 0 {
		return fmt.Errorf("stop: %d events could not be flushed", remaining)
	}
	return nil
}

// GetEventCount returns the total number of events for this logger's
// session: the persisted rows plus any still held in the buffer.
func (l *Logger) GetEventCount(ctx context.Context) (int64, error) {
	var persisted int64
	row := l.store.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE session_id = ?", l.sessionID)
	if err := row.Scan(&persisted); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	l.mu.Lock()
	pending := int64(len(l.buffer))
	l.mu.Unlock()
	return persisted + pending, nil
}

// GetEvents returns events for the session in descending sequence order,
// optionally filtered by type, agent, or a minimum timestamp.
func (l *Logger) GetEvents(ctx context.Context, limit, offset int, eventType model.EventType, agentID string, since *time.Time) ([]model.AuditEvent, error) {
	query := `SELECT id, session_id, agent_id, sequence, timestamp, event_type, action, details, files_affected, gate_id, hmac
		FROM audit_events WHERE session_id = ?`
	args := []any{l.sessionID}

	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC().Format(timeLayout))
	}
	query += " ORDER BY sequence DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := l.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row interface{ Scan(...any) error }) (model.AuditEvent, error) {
	var (
		e                              model.AuditEvent
		agentID, details, filesJoined  sql.NullString
		gateID, hmacVal                sql.NullString
		timestamp                      string
	)
	err := row.Scan(&e.ID, &e.SessionID, &agentID, &e.Sequence, &timestamp, &e.EventType,
		&e.Action, &details, &filesJoined, &gateID, &hmacVal)
	if err != nil {
		return e, err
	}
	e.Timestamp, err = time.Parse(timeLayout, timestamp)
	if err != nil {
		return e, fmt.Errorf("parse timestamp: %w", err)
	}
	e.AgentID = agentID.String
	e.Details = details.String
	e.GateID = gateID.String
	e.HMAC = hmacVal.String
	if filesJoined.Valid && filesJoined.String != "" {
		e.FilesAffected = strings.Split(filesJoined.String, ";")
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
