package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/toolserver"
)

func requestFor(t *testing.T, tool string, input any) toolserver.Request {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return toolserver.Request{ID: "req-1", Tool: tool, Input: raw}
}

func newTestRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	return New(root, cfg, zerolog.Nop()), root
}

func TestStartCreatesSessionAndLivenessMarker(t *testing.T) {
	rt, root := newTestRuntime(t)
	ctx := context.Background()

	sess, err := rt.Start(ctx, "ship the thing", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected session id to be assigned")
	}

	markerPath := filepath.Join(root, EngineDirName, "daemon.state")
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("expected liveness marker at %s: %v", markerPath, err)
	}

	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(markerPath); !os.IsNotExist(err) {
		t.Fatalf("expected liveness marker removed after Stop, stat err = %v", err)
	}
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	rt, root := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Start(ctx, "first", ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer rt.Stop(ctx)

	second := New(root, config.Default(), zerolog.Nop())
	_, err := second.Start(ctx, "second", "")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Start(ctx, "obj", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestToolServerDispatchesAgainstLiveSession(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	sess, err := rt.Start(ctx, "obj", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(ctx)

	ts := rt.ToolServer()
	if ts == nil {
		t.Fatal("expected a non-nil tool server after Start")
	}

	resp := ts.Dispatch(ctx, requestFor(t, "log", map[string]any{"action": "did something"}))
	if resp.Error != "" {
		t.Fatalf("dispatch log tool: %s", resp.Error)
	}
	if rt.Session().ID != sess.ID {
		t.Fatalf("Session() = %s, want %s", rt.Session().ID, sess.ID)
	}
}

func TestWatcherEventsAreForwardedToAuditLog(t *testing.T) {
	rt, root := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Start(ctx, "obj", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(ctx)

	if err := os.WriteFile(filepath.Join(root, "app.go"), []byte("package app\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := rt.auditLog.GetEventCount(ctx)
		if err != nil {
			t.Fatalf("GetEventCount: %v", err)
		}
		// session_start is always logged first; a forwarded file_create
		// event would bring the count to at least 2.
		if count >= 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for watcher event to be forwarded to the audit log")
}
