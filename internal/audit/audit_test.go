package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/state"
	"github.com/sibyllai/khoregos/internal/store"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "k6s.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mgr := state.New(s)
	sess, err := mgr.CreateSession(context.Background(), "obj", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	l, err := New(context.Background(), s, nil, sess.ID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New logger: %v", err)
	}
	l.Start()
	t.Cleanup(func() { l.Stop(context.Background()) })
	return l, sess.ID
}

func TestSequenceIsGapFreeUnderContention(t *testing.T) {
	l, _ := newTestLogger(t)

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Log(model.EventLog, "concurrent", "", "", nil, ""); err != nil {
				t.Errorf("Log: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	count, err := l.GetEventCount(context.Background())
	if err != nil {
		t.Fatalf("GetEventCount: %v", err)
	}
	if count != n {
		t.Fatalf("count = %d, want %d", count, n)
	}

	events, err := l.GetEvents(context.Background(), n, 0, "", "", nil)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	seen := make(map[int64]bool, n)
	for _, e := range events {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence %d", i)
		}
	}
}

func TestRestartContinuesSequence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "k6s.db")
	s, err := store.Open(ctx, dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	mgr := state.New(s)
	sess, err := mgr.CreateSession(ctx, "obj", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	l1, err := New(ctx, s, nil, sess.ID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New logger 1: %v", err)
	}
	l1.Start()
	for i := 0; i < 7; i++ {
		if _, err := l1.Log(model.EventLog, "a", "", "", nil, ""); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := l1.Stop(ctx); err != nil {
		t.Fatalf("Stop l1: %v", err)
	}

	l2, err := New(ctx, s, nil, sess.ID, zerolog.Nop())
	if err != nil {
		t.Fatalf("New logger 2: %v", err)
	}
	l2.Start()
	defer l2.Stop(ctx)

	event, err := l2.Log(model.EventLog, "b", "", "", nil, "")
	if err != nil {
		t.Fatalf("Log after restart: %v", err)
	}
	if event.Sequence != 8 {
		t.Fatalf("sequence after restart = %d, want 8", event.Sequence)
	}
}

func TestExportJSONAndCSVRoundTripOrdering(t *testing.T) {
	l, _ := newTestLogger(t)
	for i := 0; i < 5; i++ {
		if _, err := l.Log(model.EventLog, "step", "", "", []string{"a.go", "b.go"}, ""); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var jsonBuf, csvBuf strings.Builder
	if err := l.ExportJSON(context.Background(), &jsonBuf); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if err := l.ExportCSV(context.Background(), &csvBuf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	var records []exportRecord
	if err := json.Unmarshal([]byte(jsonBuf.String()), &records); err != nil {
		t.Fatalf("parse exported JSON: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 exported records, got %d", len(records))
	}
	for i, r := range records {
		if r.Sequence != int64(i+1) {
			t.Errorf("expected ascending-first export to start at sequence 1:\n%s", jsonBuf.String())
			break
		}
	}
	lines := strings.Split(strings.TrimSpace(csvBuf.String()), "\n")
	if len(lines) != 6 { // header + 5 events
		t.Fatalf("expected 6 CSV lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,sequence,session_id,agent_id,event_type,action,files_affected") {
		t.Fatalf("unexpected CSV header: %q", lines[0])
	}
}

func TestGetEventsFilterByType(t *testing.T) {
	l, _ := newTestLogger(t)
	if _, err := l.Log(model.EventLockAcquired, "lock", "", "", nil, ""); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if _, err := l.Log(model.EventLog, "other", "", "", nil, ""); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events, err := l.GetEvents(context.Background(), 10, 0, model.EventLockAcquired, "", nil)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != model.EventLockAcquired {
		t.Fatalf("filtered events = %+v", events)
	}
}
