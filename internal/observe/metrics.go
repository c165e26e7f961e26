// Package observe provides application-wide observability primitives for
// mnemo: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all mnemo metrics.
const meterName = "github.com/MrWong99/mnemo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RetrievalDuration tracks end-to-end retrieval latency, including
	// keyword extraction, embedding and scoring.
	RetrievalDuration metric.Float64Histogram

	// LLMDuration tracks completion latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding latency.
	EmbeddingDuration metric.Float64Histogram

	// ReflectionDuration tracks the latency of a whole reflection cycle.
	ReflectionDuration metric.Float64Histogram

	// --- Retrieval ---

	// Retrievals counts retrieval calls. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("status", ...)
	Retrievals metric.Int64Counter

	// RetrievalCandidates records how many ids the keyword pre-filter
	// produced per retrieval.
	RetrievalCandidates metric.Int64Histogram

	// --- Reflection ---

	// ReflectionBatches counts summarized batches. Use with attribute:
	//   attribute.String("agent", ...)
	ReflectionBatches metric.Int64Counter

	// ReflectionsWritten counts reflections written back to memory. Use with
	// attributes:
	//   attribute.String("agent", ...), attribute.String("op", "created"|"updated")
	ReflectionsWritten metric.Int64Counter

	// ReflectionAborts counts cycles aborted because no item fit the budget.
	ReflectionAborts metric.Int64Counter

	// SummarizerAttempts counts summarizer calls, including retries. Use with
	// attribute:
	//   attribute.String("status", "ok"|"malformed"|"error")
	SummarizerAttempts metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// EmbeddingCacheLookups counts query-embedding cache lookups. Use with
	// attribute:
	//   attribute.String("result", "hit"|"miss")
	EmbeddingCacheLookups metric.Int64Counter

	// --- Memory ---

	// MemoryRecords counts records appended to agent memories. Use with
	// attributes:
	//   attribute.String("agent", ...), attribute.String("kind", ...)
	MemoryRecords metric.Int64Counter

	// JournalErrors counts failed journal writes.
	JournalErrors metric.Int64Counter

	// ActiveAgents tracks the number of agents currently loaded.
	ActiveAgents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// in-memory retrievals up to multi-call reflection cycles.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var candidateBuckets = []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("mnemo.retrieval.duration",
		metric.WithDescription("Latency of memory retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("mnemo.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("mnemo.embedding.duration",
		metric.WithDescription("Latency of embedding requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReflectionDuration, err = m.Float64Histogram("mnemo.reflection.duration",
		metric.WithDescription("Latency of a reflection cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalCandidates, err = m.Int64Histogram("mnemo.retrieval.candidates",
		metric.WithDescription("Candidate ids produced by the keyword pre-filter."),
		metric.WithExplicitBucketBoundaries(candidateBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Retrievals, err = m.Int64Counter("mnemo.retrievals",
		metric.WithDescription("Total retrievals by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.ReflectionBatches, err = m.Int64Counter("mnemo.reflection.batches",
		metric.WithDescription("Total summarized reflection batches by agent."),
	); err != nil {
		return nil, err
	}
	if met.ReflectionsWritten, err = m.Int64Counter("mnemo.reflection.written",
		metric.WithDescription("Total reflections created or updated by agent."),
	); err != nil {
		return nil, err
	}
	if met.ReflectionAborts, err = m.Int64Counter("mnemo.reflection.aborts",
		metric.WithDescription("Total reflection cycles aborted for lack of budget."),
	); err != nil {
		return nil, err
	}
	if met.SummarizerAttempts, err = m.Int64Counter("mnemo.summarizer.attempts",
		metric.WithDescription("Total summarizer calls by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("mnemo.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("mnemo.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingCacheLookups, err = m.Int64Counter("mnemo.embedding_cache.lookups",
		metric.WithDescription("Total query-embedding cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.MemoryRecords, err = m.Int64Counter("mnemo.memory.records",
		metric.WithDescription("Total records appended by agent and kind."),
	); err != nil {
		return nil, err
	}
	if met.JournalErrors, err = m.Int64Counter("mnemo.journal.errors",
		metric.WithDescription("Total failed journal writes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveAgents, err = m.Int64UpDownCounter("mnemo.active_agents",
		metric.WithDescription("Number of agents currently loaded."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mnemo.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRetrieval records one retrieval with its latency and candidate count.
func (m *Metrics) RecordRetrieval(ctx context.Context, agent, status string, seconds float64, candidates int) {
	m.Retrievals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("status", status),
	))
	m.RetrievalDuration.Record(ctx, seconds)
	m.RetrievalCandidates.Record(ctx, int64(candidates))
}

// RecordReflectionWrite records created or updated reflections for agent.
func (m *Metrics) RecordReflectionWrite(ctx context.Context, agent, op string, n int) {
	if n == 0 {
		return
	}
	m.ReflectionsWritten.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("op", op),
	))
}

// RecordSummarizerAttempt records one summarizer call outcome.
func (m *Metrics) RecordSummarizerAttempt(ctx context.Context, status string) {
	m.SummarizerAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records an embedding cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EmbeddingCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordMemoryRecord records an appended record.
func (m *Metrics) RecordMemoryRecord(ctx context.Context, agent, kind string) {
	m.MemoryRecords.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("kind", kind),
	))
}
