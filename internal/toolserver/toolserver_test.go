package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/audit"
	"github.com/sibyllai/khoregos/internal/boundary"
	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/lockmgr"
	"github.com/sibyllai/khoregos/internal/state"
	"github.com/sibyllai/khoregos/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "k6s.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	st := state.New(s)
	sess, err := st.CreateSession(ctx, "obj", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	al, err := audit.New(ctx, s, nil, sess.ID, zerolog.Nop())
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	al.Start()
	t.Cleanup(func() { al.Stop(ctx) })

	be := boundary.New(s, []config.BoundaryConfig{{Pattern: "*", ForbiddenPaths: []string{".env*"}}}, "")
	lm := lockmgr.New(s, sess.ID)

	return New(sess.ID, st, al, be, lm, zerolog.Nop())
}

func dispatchJSON(t *testing.T, s *Server, tool string, input any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	resp := s.Dispatch(context.Background(), Request{ID: "req-1", Tool: tool, Input: raw})
	if resp.Error != "" {
		t.Fatalf("dispatch %s: %s", tool, resp.Error)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	return out
}

func TestLogToolAssignsSequence(t *testing.T) {
	s := newTestServer(t)
	out := dispatchJSON(t, s, "log", map[string]any{"action": "did a thing"})
	if out["status"] != "logged" {
		t.Fatalf("status = %v, want logged", out["status"])
	}
	if out["sequence"].(float64) != 1 {
		t.Fatalf("sequence = %v, want 1", out["sequence"])
	}
}

func TestSaveAndLoadContextRoundTrip(t *testing.T) {
	s := newTestServer(t)
	dispatchJSON(t, s, "save_context", map[string]any{"key": "progress", "value": "OAuth done"})

	out := dispatchJSON(t, s, "load_context", map[string]any{"key": "progress"})
	if out["status"] != "found" {
		t.Fatalf("status = %v, want found", out["status"])
	}
	if out["value"] != "OAuth done" {
		t.Fatalf("value = %v, want OAuth done", out["value"])
	}
}

func TestLoadContextMissingKey(t *testing.T) {
	s := newTestServer(t)
	out := dispatchJSON(t, s, "load_context", map[string]any{"key": "nope"})
	if out["status"] != "not_found" {
		t.Fatalf("status = %v, want not_found", out["status"])
	}
}

func TestAcquireAndReleaseLockTools(t *testing.T) {
	s := newTestServer(t)
	acquired := dispatchJSON(t, s, "acquire_lock", map[string]any{"path": "a.go", "agent_name": "dev"})
	if acquired["success"] != true {
		t.Fatalf("acquire success = %v", acquired["success"])
	}

	denied := dispatchJSON(t, s, "acquire_lock", map[string]any{"path": "a.go", "agent_name": "other"})
	if denied["success"] != false {
		t.Fatalf("expected second agent denied, got %v", denied)
	}

	released := dispatchJSON(t, s, "release_lock", map[string]any{"path": "a.go", "agent_name": "dev"})
	if released["success"] != true {
		t.Fatalf("release success = %v", released["success"])
	}
}

func TestCheckPathTool(t *testing.T) {
	s := newTestServer(t)
	out := dispatchJSON(t, s, "check_path", map[string]any{"path": ".env", "agent_name": "dev"})
	if out["allowed"] != false {
		t.Fatalf("expected .env denied, got %v", out)
	}
}

func TestUnknownToolReturnsError(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), Request{ID: "x", Tool: "does_not_exist", Input: []byte(`{}`)})
	if resp.Error == "" {
		t.Fatal("expected error response for unknown tool")
	}
}

func TestServeLineDelimitedTransport(t *testing.T) {
	s := newTestServer(t)
	input := `{"id":"r1","tool":"log","input":{"action":"hi"}}` + "\n"
	var out bytes.Buffer
	if err := s.Serve(context.Background(), bytes.NewBufferString(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatal("expected one response line")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "r1" || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServeMalformedLineDoesNotCrashServer(t *testing.T) {
	s := newTestServer(t)
	input := "not json\n" + `{"id":"r2","tool":"log","input":{"action":"ok"}}` + "\n"
	var out bytes.Buffer
	if err := s.Serve(context.Background(), bytes.NewBufferString(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	var responses []Response
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		responses = append(responses, resp)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	if responses[0].Error == "" {
		t.Fatalf("expected first response to carry a malformed-request error, got %+v", responses[0])
	}
	if responses[1].Error != "" || responses[1].ID != "r2" {
		t.Fatalf("expected second request to succeed, got %+v", responses[1])
	}
}
