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
		{"mnemo.retrieval.duration", m.RetrievalDuration},
		{"mnemo.llm.duration", m.LLMDuration},
		{"mnemo.embedding.duration", m.EmbeddingDuration},
		{"mnemo.reflection.duration", m.ReflectionDuration},
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

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("provider", "openai"),
		attribute.String("kind", "llm"),
		attribute.String("status", "ok"),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.RecordProviderRequest(ctx, "openai", "llm", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.provider.requests")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, "status", "ok"); got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
}

func TestRecordRetrieval(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRetrieval(ctx, "alice", "ok", 0.01, 12)
	m.RecordRetrieval(ctx, "alice", "ok", 0.02, 3)
	m.RecordRetrieval(ctx, "alice", "empty", 0.001, 0)

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.retrievals")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, "status", "ok"); got != 2 {
		t.Errorf("retrievals{status=ok} = %d, want 2", got)
	}

	cand := findMetric(rm, "mnemo.retrieval.candidates")
	if cand == nil {
		t.Fatal("candidates metric not found")
	}
	hist, ok := cand.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("candidates metric is not an int64 histogram")
	}
	if got := hist.DataPoints[0].Sum; got != 15 {
		t.Errorf("candidates sum = %d, want 15", got)
	}
}

func TestRecordReflectionWrite(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReflectionWrite(ctx, "alice", "created", 3)
	m.RecordReflectionWrite(ctx, "alice", "updated", 1)
	m.RecordReflectionWrite(ctx, "alice", "updated", 0)

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.reflection.written")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, "op", "created"); got != 3 {
		t.Errorf("written{op=created} = %d, want 3", got)
	}
	if got := sumFor(t, met, "op", "updated"); got != 1 {
		t.Errorf("written{op=updated} = %d, want 1", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, true)

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.embedding_cache.lookups")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, "result", "hit"); got != 2 {
		t.Errorf("lookups{result=hit} = %d, want 2", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "openai", "embeddings")

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.provider.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumFor(t, met, "kind", "embeddings"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestActiveAgentsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(2) as Add(3) + Add(-1).
	m.ActiveAgents.Add(ctx, 3)
	m.ActiveAgents.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.active_agents")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("gauge value = %d, want 2", got)
	}
}

// sumFor returns the value of the int64 sum data point whose attribute key
// equals value.
func sumFor(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", met.Name, key, value)
	return 0
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "mnemo.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
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
