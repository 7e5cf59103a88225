package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/model"
)

// EventSink receives every audit event the Runtime's bus dispatches. It is
// the seam observability integrations attach to without the core engine
// knowing anything about metrics or tracing backends.
type EventSink interface {
	HandleEvent(model.AuditEvent)
}

// noopSink satisfies EventSink without doing anything — the default when a
// section of the observability config is disabled.
type noopSink struct{}

func (noopSink) HandleEvent(model.AuditEvent) {}

// otelSink starts and immediately ends a span per session_* and gate_*
// event using the process's global tracer provider. Events are point in
// time, not long-lived operations, so the span brackets the event itself
// rather than spanning any real duration.
type otelSink struct {
	tracer trace.Tracer
}

func newOTelSink(cfg config.OpenTelemetryConfig) EventSink {
	if !cfg.Enabled {
		return noopSink{}
	}
	name := cfg.ServiceName
	if name == "" {
		name = "khoregos"
	}
	return &otelSink{tracer: otel.Tracer(name)}
}

func (s *otelSink) HandleEvent(event model.AuditEvent) {
	switch {
	case isSessionEvent(event.EventType), isGateEvent(event.EventType):
	default:
		return
	}
	_, span := s.tracer.Start(context.Background(), string(event.EventType))
	span.SetAttributes()
	span.End()
}

func isSessionEvent(t model.EventType) bool {
	switch t {
	case model.EventSessionStart, model.EventSessionPause, model.EventSessionResume,
		model.EventSessionComplete, model.EventSessionFail:
		return true
	default:
		return false
	}
}

func isGateEvent(t model.EventType) bool {
	switch t {
	case model.EventGateTriggered, model.EventGateApproved, model.EventGateDenied, model.EventGateExpired:
		return true
	default:
		return false
	}
}

// newPrometheusSink returns a sink for the prometheus observability
// section. Real counter emission is a future layer; the engine only
// guarantees the seam exists and is toggled by config.
func newPrometheusSink(cfg config.PrometheusConfig) EventSink {
	if !cfg.Enabled {
		return noopSink{}
	}
	return noopSink{}
}

// newWebhookSinks returns one stub sink per configured webhook. Real HTTP
// delivery with HMAC signing is out of scope for the core engine.
func newWebhookSinks(cfgs []config.WebhookConfig) []EventSink {
	sinks := make([]EventSink, 0, len(cfgs))
	for range cfgs {
		sinks = append(sinks, noopSink{})
	}
	return sinks
}
