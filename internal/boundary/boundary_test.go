package boundary

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/model"
	"github.com/sibyllai/khoregos/internal/state"
	"github.com/sibyllai/khoregos/internal/store"
)

func frontendConfigs() []config.BoundaryConfig {
	return []config.BoundaryConfig{
		{
			Pattern:        "frontend-*",
			AllowedPaths:   []string{"src/frontend/**", "src/shared/**"},
			ForbiddenPaths: []string{".env*", "src/backend/**"},
			Enforcement:    config.EnforcementAdvisory,
		},
		{
			Pattern:        "*",
			ForbiddenPaths: []string{".env*"},
			Enforcement:    config.EnforcementAdvisory,
		},
	}
}

func TestCheckPathAllowedFrontendBoundaryRule(t *testing.T) {
	e := New(nil, frontendConfigs(), "")

	cases := []struct {
		path        string
		agent       string
		wantAllowed bool
		wantReason  string
	}{
		{"src/frontend/app.tsx", "frontend-dev", true, ""},
		{"src/backend/api.py", "frontend-dev", false, "forbidden"},
		{"docs/readme.md", "frontend-dev", false, "allowed patterns"},
		{".env", "any-agent", false, "forbidden"},
	}

	for _, tc := range cases {
		allowed, reason := e.CheckPathAllowed(tc.path, tc.agent)
		if allowed != tc.wantAllowed {
			t.Errorf("CheckPathAllowed(%q, %q) allowed = %v, want %v (reason=%q)", tc.path, tc.agent, allowed, tc.wantAllowed, reason)
			continue
		}
		if !allowed && !strings.Contains(reason, tc.wantReason) {
			t.Errorf("CheckPathAllowed(%q, %q) reason = %q, want contains %q", tc.path, tc.agent, reason, tc.wantReason)
		}
	}
}

func TestResolveBoundaryFallsBackToWildcard(t *testing.T) {
	e := New(nil, frontendConfigs(), "")
	cfg, ok := e.ResolveBoundary("backend-dev")
	if !ok {
		t.Fatal("expected wildcard fallback to resolve")
	}
	if cfg.Pattern != "*" {
		t.Fatalf("resolved pattern = %q, want *", cfg.Pattern)
	}
}

func TestResolveBoundaryNoMatchNoWildcard(t *testing.T) {
	e := New(nil, []config.BoundaryConfig{{Pattern: "frontend-*"}}, "")
	_, ok := e.ResolveBoundary("backend-dev")
	if ok {
		t.Fatal("expected no boundary to resolve when nothing matches and there is no wildcard")
	}
}

func TestForbiddenTakesPrecedenceOverAllowed(t *testing.T) {
	e := New(nil, []config.BoundaryConfig{
		{
			Pattern:        "*",
			AllowedPaths:   []string{"src/**"},
			ForbiddenPaths: []string{"src/secrets/**"},
		},
	}, "")

	allowed, reason := e.CheckPathAllowed("src/secrets/key.pem", "any")
	if allowed {
		t.Fatalf("expected forbidden pattern to win over allowed, got allowed with reason %q", reason)
	}
}

func TestClassifyViolation(t *testing.T) {
	cases := []struct {
		reason string
		want   model.ViolationType
	}{
		{`matches forbidden pattern ".env*"`, model.ViolationForbiddenPath},
		{"does not match allowed patterns for frontend-dev", model.ViolationOutsideAllowed},
		{"outside project root", model.ViolationOutsideAllowed},
	}
	for _, tc := range cases {
		if got := ClassifyViolation(tc.reason); got != tc.want {
			t.Errorf("ClassifyViolation(%q) = %q, want %q", tc.reason, got, tc.want)
		}
	}
}

func TestRecordAndGetViolations(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "k6s.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	mgr := state.New(s)
	sess, err := mgr.CreateSession(ctx, "obj", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	e := New(s, nil, "")
	if _, err := e.RecordViolation(ctx, sess.ID, "", "src/backend/api.py", model.ViolationForbiddenPath, model.ActionLogged, "denied"); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}

	violations, err := e.GetViolations(ctx, sess.ID, "", 10)
	if err != nil {
		t.Fatalf("GetViolations: %v", err)
	}
	if len(violations) != 1 || violations[0].FilePath != "src/backend/api.py" {
		t.Fatalf("violations = %+v", violations)
	}
}
