package observe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
	"github.com/MrWong99/recordkit/pkg/upsert/memory"
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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumInt adds up every data point of an int64 sum, optionally restricted to
// points carrying all of the given attributes.
func sumInt(rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range attrs {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestRecorderMethods(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLookup(ctx, "users", "found")
	m.RecordLookup(ctx, "users", "found")
	m.RecordLookup(ctx, "users", "not_found")
	m.RecordWrite(ctx, "users", "insert", "ok")
	m.RecordWrite(ctx, "users", "insert", "error")
	m.RecordOperation(ctx, "upsert_by", 3*time.Millisecond, nil)
	m.RecordOperation(ctx, "upsert_by", 5*time.Millisecond, errors.New("x"))
	m.RecordSeed(ctx, "houses", nil)
	m.RecordBreakerTransition(ctx, "open")

	rm := collect(t, reader)

	counters := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"recordkit.lookup.outcomes", []attribute.KeyValue{attribute.String("outcome", "found")}, 2},
		{"recordkit.lookup.outcomes", []attribute.KeyValue{attribute.String("outcome", "not_found")}, 1},
		{"recordkit.writes", []attribute.KeyValue{attribute.String("status", "error")}, 1},
		{"recordkit.writes", nil, 2},
		{"recordkit.seed.records", []attribute.KeyValue{attribute.String("kind", "houses"), attribute.String("status", "ok")}, 1},
		{"recordkit.store.breaker.transitions", []attribute.KeyValue{attribute.String("to", "open")}, 1},
	}
	for _, tc := range counters {
		if got := sumInt(rm, tc.name, tc.attrs...); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.name, tc.attrs, got, tc.want)
		}
	}

	met := findMetric(rm, "recordkit.operation.duration")
	if met == nil {
		t.Fatal("operation duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Fatalf("got %d data points, want one per status", len(hist.DataPoints))
	}
}

func TestMetricsAsPipelineRecorder(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	houses := record.MustSchema("houses", "name")
	p := upsert.New(memory.New(), upsert.WithRecorder(m))
	rec := houses.MustNew(map[string]any{"name": "Ravenclaw"})
	for range 3 {
		if _, err := p.FindOrCreateBy(ctx, rec, upsert.By("name")); err != nil {
			t.Fatalf("FindOrCreateBy: %v", err)
		}
	}

	rm := collect(t, reader)
	if got := sumInt(rm, "recordkit.lookup.outcomes", attribute.String("outcome", "found")); got != 2 {
		t.Errorf("found lookups = %d, want 2", got)
	}
	if got := sumInt(rm, "recordkit.writes", attribute.String("op", "insert")); got != 1 {
		t.Errorf("inserts = %d, want 1", got)
	}
}

func TestProviderHandlerExposesMetrics(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordLookup(context.Background(), "users", "found")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recordkit_lookup_outcomes") {
		t.Errorf("metrics output missing recordkit_lookup_outcomes:\n%s", rec.Body.String())
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
