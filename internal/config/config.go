// Package config defines the engine's declarative configuration document
// and decodes it from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for one governed project.
type Config struct {
	Project       ProjectConfig       `yaml:"project"`
	Session       SessionConfig       `yaml:"session"`
	Boundaries    []BoundaryConfig    `yaml:"boundaries"`
	Gates         []GateConfig        `yaml:"gates"`
	Observability ObservabilityConfig `yaml:"observability"`
	Plugins       []string            `yaml:"plugins"`
}

// ProjectConfig identifies the governed project.
type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SessionConfig holds defaults applied to every new session.
type SessionConfig struct {
	DefaultBudgetUSD     float64 `yaml:"default_budget_usd"`
	ContextRetentionDays int     `yaml:"context_retention_days"`
	AuditRetentionDays   int     `yaml:"audit_retention_days"`
}

// Enforcement selects how a BoundaryEnforcer reacts to a violation.
type Enforcement string

const (
	EnforcementAdvisory Enforcement = "advisory"
	EnforcementStrict   Enforcement = "strict"
)

// BoundaryConfig maps a glob over agent names to a file-scope policy.
type BoundaryConfig struct {
	Pattern          string      `yaml:"pattern"`
	AllowedPaths     []string    `yaml:"allowed_paths,omitempty"`
	ForbiddenPaths   []string    `yaml:"forbidden_paths,omitempty"`
	Enforcement      Enforcement `yaml:"enforcement"`
	MaxTokensPerHour int64       `yaml:"max_tokens_per_hour,omitempty"`
	MaxCostPerHour   float64     `yaml:"max_cost_per_hour,omitempty"`
}

// GateConfig declares a named policy checkpoint. Evaluation of gates
// themselves lives outside the core engine; the engine only persists and
// reports on them.
type GateConfig struct {
	Name        string   `yaml:"name"`
	TriggersOn  []string `yaml:"triggers_on"`
	RequireRole string   `yaml:"require_role,omitempty"`
	TimeoutSec  int      `yaml:"timeout_seconds,omitempty"`
}

// ObservabilityConfig toggles the event sinks the Runtime wires up.
type ObservabilityConfig struct {
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Webhooks      []WebhookConfig     `yaml:"webhooks"`
}

// PrometheusConfig configures the (currently stub) metrics sink.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// OpenTelemetryConfig configures span emission for session/gate events.
type OpenTelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// WebhookConfig configures a (currently stub) webhook delivery sink.
type WebhookConfig struct {
	URL        string   `yaml:"url"`
	EventTypes []string `yaml:"event_types,omitempty"`
	SecretEnv  string   `yaml:"secret_env,omitempty"`
}

// Default returns a configuration with every section defaulted, matching
// what an empty or partially-specified document should resolve to.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			DefaultBudgetUSD:     0,
			ContextRetentionDays: 30,
			AuditRetentionDays:   90,
		},
		Boundaries: []BoundaryConfig{
			{Pattern: "*", Enforcement: EnforcementAdvisory},
		},
	}
}

// Load decodes a YAML configuration document, rejecting unknown keys so a
// typo in a boundary pattern or a misspelled section fails loudly rather
// than silently falling back to defaults.
func Load(r []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(r))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Boundaries {
		if cfg.Boundaries[i].Enforcement == "" {
			cfg.Boundaries[i].Enforcement = EnforcementAdvisory
		}
	}
	return cfg, nil
}

// LoadFile reads and decodes a configuration document from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(data)
}

// ContextRetention returns the configured context retention window.
func (c *Config) ContextRetention() time.Duration {
	return time.Duration(c.Session.ContextRetentionDays) * 24 * time.Hour
}

// AuditRetention returns the configured audit retention window.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Session.AuditRetentionDays) * 24 * time.Hour
}
