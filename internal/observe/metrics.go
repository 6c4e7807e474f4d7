// Package observe provides application-wide observability primitives for
// streamscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all streamscribe metrics.
const meterName = "github.com/MrWong99/streamscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BackendConnectDuration tracks the time from backend start to ready.
	// Use with attribute.String("backend", ...).
	BackendConnectDuration metric.Float64Histogram

	// FinalizeDuration tracks post-session audio finalization.
	// Use with attribute.String("container", ...).
	FinalizeDuration metric.Float64Histogram

	// --- Counters ---

	// Connections counts transport connections. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("outcome", ...)
	Connections metric.Int64Counter

	// Rejections counts refused connections. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("reason", ...)
	Rejections metric.Int64Counter

	// AudioBytes counts PCM bytes. Use with attribute:
	//   attribute.String("stage", "received"|"forwarded"|"archived")
	AudioBytes metric.Int64Counter

	// Segments counts emitted transcription segments. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	Segments metric.Int64Counter

	// RegistryUpdates counts applied registry snapshots. Use with attribute:
	//   attribute.String("source", ...)
	RegistryUpdates metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts classified backend failures. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("code", ...)
	BackendErrors metric.Int64Counter

	// WorkerFailures counts demux workers that failed or exited unexpectedly.
	WorkerFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks live transport connections per transport.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveWorkers tracks running demux worker processes.
	ActiveWorkers metric.Int64UpDownCounter

	// ActiveOrchestrators tracks per-channel orchestrators that have not been
	// disposed.
	ActiveOrchestrators metric.Int64UpDownCounter

	// RegistrySessions reports the number of sessions in the current
	// registry snapshot.
	RegistrySessions metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// backend handshakes and finalization runs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BackendConnectDuration, err = m.Float64Histogram("streamscribe.backend.connect.duration",
		metric.WithDescription("Time from backend start until it reported ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("streamscribe.archive.finalize.duration",
		metric.WithDescription("Duration of post-session audio finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Connections, err = m.Int64Counter("streamscribe.listener.connections",
		metric.WithDescription("Transport connections by transport and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Rejections, err = m.Int64Counter("streamscribe.listener.rejections",
		metric.WithDescription("Refused connections by transport and reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("streamscribe.audio.bytes",
		metric.WithDescription("PCM bytes by pipeline stage."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("streamscribe.segments",
		metric.WithDescription("Transcription segments by backend and kind."),
	); err != nil {
		return nil, err
	}
	if met.RegistryUpdates, err = m.Int64Counter("streamscribe.registry.updates",
		metric.WithDescription("Registry snapshots applied by source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("streamscribe.backend.errors",
		metric.WithDescription("Backend failures by backend and error code."),
	); err != nil {
		return nil, err
	}
	if met.WorkerFailures, err = m.Int64Counter("streamscribe.worker.failures",
		metric.WithDescription("Demux workers that failed or exited unexpectedly."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveStreams, err = m.Int64UpDownCounter("streamscribe.active_streams",
		metric.WithDescription("Number of live transport connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("streamscribe.active_workers",
		metric.WithDescription("Number of running demux worker processes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveOrchestrators, err = m.Int64UpDownCounter("streamscribe.active_orchestrators",
		metric.WithDescription("Number of live per-channel orchestrators."),
	); err != nil {
		return nil, err
	}
	if met.RegistrySessions, err = m.Int64Gauge("streamscribe.registry.sessions",
		metric.WithDescription("Sessions in the current registry snapshot."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordConnection counts one connection attempt on transport.
func (m *Metrics) RecordConnection(ctx context.Context, transport, outcome string) {
	m.Connections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRejection counts one refused connection.
func (m *Metrics) RecordRejection(ctx context.Context, transport, reason string) {
	m.Rejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("reason", reason),
		),
	)
}

// RecordAudio adds n bytes to the audio counter for stage.
func (m *Metrics) RecordAudio(ctx context.Context, stage string, n int) {
	m.AudioBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSegment counts one segment of kind ("partial" or "final").
func (m *Metrics) RecordSegment(ctx context.Context, backend, kind string) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", kind),
		),
	)
}

// RecordBackendError counts one classified backend failure.
func (m *Metrics) RecordBackendError(ctx context.Context, backend, code string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("code", code),
		),
	)
}

// RecordRegistryUpdate counts one applied snapshot from source and records
// its session count.
func (m *Metrics) RecordRegistryUpdate(ctx context.Context, source string, sessions int) {
	m.RegistryUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	m.RegistrySessions.Record(ctx, int64(sessions))
}
