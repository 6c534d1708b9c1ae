// Package observe provides application-wide observability for CalmRoute:
// OpenTelemetry metrics, tracing, structured logging, and HTTP middleware
// for the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the ops server can
// serve a standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all CalmRoute metrics.
const meterName = "github.com/calmroute/calmroute"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BackendDuration tracks backend call latency. Use with attribute:
	//   attribute.String("kind", ...) — analyze, decide, voice, reroute, drive
	BackendDuration metric.Float64Histogram

	// SpeechInDuration tracks utterance transcription latency. Use with:
	//   attribute.String("provider", ...)
	SpeechInDuration metric.Float64Histogram

	// SpeechOutDuration tracks synthesis latency. Use with:
	//   attribute.String("provider", ...)
	SpeechOutDuration metric.Float64Histogram

	// --- Counters ---

	// MonitorCycles counts analysis cycles that ran to a backend call.
	MonitorCycles metric.Int64Counter

	// CycleSkips counts skipped analysis cycles. Use with attribute:
	//   attribute.String("reason", ...) — busy, empty_chunk, error
	CycleSkips metric.Int64Counter

	// InterventionsShown counts interventions that won arbitration. Use with:
	//   attribute.String("type", ...)
	InterventionsShown metric.Int64Counter

	// InterventionsDropped counts interventions discarded because another
	// one was already visible.
	InterventionsDropped metric.Int64Counter

	// Downgrades counts permanent cloud-to-local provider switches. Use with:
	//   attribute.String("capability", ...)
	Downgrades metric.Int64Counter

	// VoiceCommands counts processed voice commands. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	VoiceCommands metric.Int64Counter

	// --- Gauges ---

	// ActiveDrives tracks the number of drives in progress. The engine
	// allows at most one, so this reads as 0 or 1.
	ActiveDrives metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops server request time. Use with:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech and backend round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BackendDuration, err = m.Float64Histogram("calmroute.backend.duration",
		metric.WithDescription("Latency of backend calls by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechInDuration, err = m.Float64Histogram("calmroute.speech_in.duration",
		metric.WithDescription("Latency of utterance transcription by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechOutDuration, err = m.Float64Histogram("calmroute.speech_out.duration",
		metric.WithDescription("Latency of speech synthesis by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MonitorCycles, err = m.Int64Counter("calmroute.monitor.cycles",
		metric.WithDescription("Analysis cycles that reached the backend."),
	); err != nil {
		return nil, err
	}
	if met.CycleSkips, err = m.Int64Counter("calmroute.monitor.skips",
		metric.WithDescription("Skipped analysis cycles by reason."),
	); err != nil {
		return nil, err
	}
	if met.InterventionsShown, err = m.Int64Counter("calmroute.interventions.shown",
		metric.WithDescription("Interventions that became visible, by type."),
	); err != nil {
		return nil, err
	}
	if met.InterventionsDropped, err = m.Int64Counter("calmroute.interventions.dropped",
		metric.WithDescription("Interventions discarded while another was visible."),
	); err != nil {
		return nil, err
	}
	if met.Downgrades, err = m.Int64Counter("calmroute.provider.downgrades",
		metric.WithDescription("Permanent cloud-to-local provider switches by capability."),
	); err != nil {
		return nil, err
	}
	if met.VoiceCommands, err = m.Int64Counter("calmroute.voice.commands",
		metric.WithDescription("Processed voice commands by action and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveDrives, err = m.Int64UpDownCounter("calmroute.active_drives",
		metric.WithDescription("Number of drives in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("calmroute.http.request.duration",
		metric.WithDescription("Ops server request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCycleSkip records one skipped analysis cycle with its reason.
func (m *Metrics) RecordCycleSkip(ctx context.Context, reason string) {
	m.CycleSkips.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordInterventionShown records an intervention that won arbitration.
func (m *Metrics) RecordInterventionShown(ctx context.Context, kind string) {
	m.InterventionsShown.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", kind)),
	)
}

// RecordDowngrade records a permanent cloud-to-local switch.
func (m *Metrics) RecordDowngrade(ctx context.Context, capability string) {
	m.Downgrades.Add(ctx, 1,
		metric.WithAttributes(attribute.String("capability", capability)),
	)
}

// RecordVoiceCommand records a processed voice command.
func (m *Metrics) RecordVoiceCommand(ctx context.Context, action, status string) {
	m.VoiceCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}
