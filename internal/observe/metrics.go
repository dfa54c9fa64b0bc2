// Package observe provides gateway observability: OpenTelemetry metrics
// bridged to Prometheus so they can be scraped via /metrics, plus HTTP
// middleware that records request latency.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/xrouter/llmgw"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CompletionDuration tracks end-to-end chat completion latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...)
	CompletionDuration metric.Float64Histogram

	// Requests counts chat completion requests. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...),
	//   attribute.String("status", ...)
	Requests metric.Int64Counter

	// StreamedChunks counts chunks delivered to callers. Use with attribute:
	//   attribute.String("provider", ...)
	StreamedChunks metric.Int64Counter

	// ProviderErrors counts upstream provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM completion latencies, which routinely run into tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CompletionDuration, err = m.Float64Histogram("llmgw.completion.duration",
		metric.WithDescription("End-to-end chat completion latency by provider and model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("llmgw.requests",
		metric.WithDescription("Total chat completion requests by provider, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamedChunks, err = m.Int64Counter("llmgw.stream.chunks",
		metric.WithDescription("Total stream chunks delivered to callers by provider."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("llmgw.provider.errors",
		metric.WithDescription("Total upstream provider errors by provider and code."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("llmgw.http.request.duration",
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

// RecordRequest records one completed chat completion request.
func (m *Metrics) RecordRequest(ctx context.Context, provider, model, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordCompletion records end-to-end completion latency in seconds.
func (m *Metrics) RecordCompletion(ctx context.Context, provider, model string, seconds float64) {
	m.CompletionDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// RecordChunks records n stream chunks delivered to the caller.
func (m *Metrics) RecordChunks(ctx context.Context, provider string, n int64) {
	m.StreamedChunks.Add(ctx, n,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError records one upstream provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string, code int) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", strconv.Itoa(code)),
		),
	)
}
