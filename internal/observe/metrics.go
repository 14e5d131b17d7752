// Package observe provides application-wide observability primitives for
// recordkit: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/recordkit/pkg/upsert"
)

// meterName is the instrumentation scope name used for all recordkit metrics.
const meterName = "github.com/MrWong99/recordkit"

// Metrics satisfies the pipeline's measurement hook.
var _ upsert.Recorder = (*Metrics)(nil)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Pipeline ---

	// OperationDuration tracks pipeline entry point latency. Attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	OperationDuration metric.Float64Histogram

	// LookupOutcomes counts lookups. Attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	LookupOutcomes metric.Int64Counter

	// Writes counts store writes. Attributes:
	//   attribute.String("kind", ...), attribute.String("op", ...), attribute.String("status", ...)
	Writes metric.Int64Counter

	// --- Seed import ---

	// SeedRecords counts imported seed entries. Attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SeedRecords metric.Int64Counter

	// --- Store ---

	// BreakerTransitions counts store circuit breaker state changes.
	// Attributes: attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ActiveRequests tracks the number of in-flight HTTP requests.
	ActiveRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// single-row database round trips.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OperationDuration, err = m.Float64Histogram("recordkit.operation.duration",
		metric.WithDescription("Latency of find-or-create and upsert operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LookupOutcomes, err = m.Int64Counter("recordkit.lookup.outcomes",
		metric.WithDescription("Total lookups by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Writes, err = m.Int64Counter("recordkit.writes",
		metric.WithDescription("Total store writes by kind, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.SeedRecords, err = m.Int64Counter("recordkit.seed.records",
		metric.WithDescription("Total seed entries imported by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("recordkit.store.breaker.transitions",
		metric.WithDescription("Store circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("recordkit.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveRequests, err = m.Int64UpDownCounter("recordkit.http.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordLookup implements [upsert.Recorder].
func (m *Metrics) RecordLookup(ctx context.Context, kind, outcome string) {
	m.LookupOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordWrite implements [upsert.Recorder].
func (m *Metrics) RecordWrite(ctx context.Context, kind, op, status string) {
	m.Writes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordOperation implements [upsert.Recorder].
func (m *Metrics) RecordOperation(ctx context.Context, op string, d time.Duration, err error) {
	m.OperationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status(err)),
		),
	)
}

// RecordSeed counts one imported seed entry.
func (m *Metrics) RecordSeed(ctx context.Context, kind string, err error) {
	m.SeedRecords.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status(err)),
		),
	)
}

// RecordBreakerTransition counts a store circuit breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
