package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`project:
  name: demo
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Name != "demo" {
		t.Fatalf("Project.Name = %q, want demo", cfg.Project.Name)
	}
	if cfg.Session.ContextRetentionDays != 30 {
		t.Fatalf("ContextRetentionDays = %d, want 30", cfg.Session.ContextRetentionDays)
	}
	if len(cfg.Boundaries) != 1 || cfg.Boundaries[0].Enforcement != EnforcementAdvisory {
		t.Fatalf("expected default wildcard advisory boundary, got %+v", cfg.Boundaries)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte("project:\n  nmae: typo\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadBoundaryEnforcementDefault(t *testing.T) {
	cfg, err := Load([]byte(`boundaries:
  - pattern: "frontend-*"
    allowed_paths: ["src/frontend/**"]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Boundaries[0].Enforcement != EnforcementAdvisory {
		t.Fatalf("Enforcement = %q, want advisory default", cfg.Boundaries[0].Enforcement)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/k6s.yaml")
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}
