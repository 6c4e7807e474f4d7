package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"streamscribe.backend.connect.duration", m.BackendConnectDuration},
		{"streamscribe.archive.finalize.duration", m.FinalizeDuration},
		{"streamscribe.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestConnectionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnection(ctx, "srt", "accepted")
	m.RecordConnection(ctx, "srt", "accepted")
	m.RecordConnection(ctx, "srt", "rejected")
	m.RecordRejection(ctx, "websocket", "unknown_session")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "streamscribe.listener.connections", "outcome", "accepted"); got != 2 {
		t.Errorf("accepted = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "streamscribe.listener.rejections", "reason", "unknown_session"); got != 1 {
		t.Errorf("rejections = %d, want 1", got)
	}
}

func TestAudioAndSegmentCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudio(ctx, "received", 3200)
	m.RecordAudio(ctx, "received", 800)
	m.RecordAudio(ctx, "forwarded", 4000)
	m.RecordSegment(ctx, "realtime", "final")
	m.RecordSegment(ctx, "realtime", "partial")
	m.RecordSegment(ctx, "realtime", "partial")
	m.RecordBackendError(ctx, "deepgram", "AUTHENTICATION_FAILURE")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "streamscribe.audio.bytes", "stage", "received"); got != 4000 {
		t.Errorf("received bytes = %d, want 4000", got)
	}
	if got := sumWhere(t, rm, "streamscribe.segments", "kind", "partial"); got != 2 {
		t.Errorf("partials = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "streamscribe.backend.errors", "code", "AUTHENTICATION_FAILURE"); got != 1 {
		t.Errorf("backend errors = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(5) as Add(5).
	m.ActiveWorkers.Add(ctx, 5)
	m.ActiveOrchestrators.Add(ctx, 1)
	m.ActiveOrchestrators.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 3, metric.WithAttributes(attribute.String("transport", "rtmp")))

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"streamscribe.active_workers", 5},
		{"streamscribe.active_orchestrators", 2},
		{"streamscribe.active_streams", 3},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordRegistryUpdate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRegistryUpdate(ctx, "file", 4)
	m.RecordRegistryUpdate(ctx, "file", 2)

	rm := collect(t, reader)
	if updates := findMetric(rm, "streamscribe.registry.updates"); updates == nil {
		t.Error("registry update counter not found")
	} else if sum := updates.Data.(metricdata.Sum[int64]); len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("registry updates = %+v, want one series with 2", sum.DataPoints)
	}
	met := findMetric(rm, "streamscribe.registry.sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 2 {
		t.Errorf("gauge = %+v, want last value 2", g.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
