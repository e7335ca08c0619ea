// Package observe provides application-wide observability primitives for
// sonicbridge: OpenTelemetry metrics and the SDK provider wiring.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sonicbridge metrics.
const meterName = "github.com/voxlink/sonicbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// BackendEvents counts envelopes exchanged with the inference backend.
	// Use with attribute.String("direction", "in"|"out").
	BackendEvents metric.Int64Counter

	// DroppedItems counts queue overflow drops. Use with
	// attribute.String("queue", "ingress"|"egress").
	DroppedItems metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// CredentialRefreshes counts credential refresh attempts. Use with
	//   attribute.String("status", "ok"|"error")
	CredentialRefreshes metric.Int64Counter

	// SessionErrors counts in-session faults by kind ("decode", "validation",
	// "send", "receive").
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// tool round-trips inside a realtime conversation.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BackendEvents, err = m.Int64Counter("sonicbridge.backend.events",
		metric.WithDescription("Total envelopes exchanged with the inference backend by direction."),
	); err != nil {
		return nil, err
	}
	if met.DroppedItems, err = m.Int64Counter("sonicbridge.queue.dropped",
		metric.WithDescription("Total items dropped on queue overflow by queue."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("sonicbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("sonicbridge.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CredentialRefreshes, err = m.Int64Counter("sonicbridge.credentials.refreshes",
		metric.WithDescription("Total credential refresh attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("sonicbridge.session.errors",
		metric.WithDescription("Total in-session faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonicbridge.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBackendEvent increments the backend event counter for a direction.
func (m *Metrics) RecordBackendEvent(ctx context.Context, direction string) {
	m.BackendEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordDrop increments the overflow-drop counter for a queue.
func (m *Metrics) RecordDrop(ctx context.Context, queue string) {
	m.DroppedItems.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordToolCall records one tool invocation with its outcome and duration
// in seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
	m.ToolExecutionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordCredentialRefresh records one refresh attempt outcome.
func (m *Metrics) RecordCredentialRefresh(ctx context.Context, status string) {
	m.CredentialRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError records one in-session fault by kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
