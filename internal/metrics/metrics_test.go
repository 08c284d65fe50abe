package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.TenantQuery(ctx, "BR", "ok", 120*time.Millisecond)
	m.TenantQuery(ctx, "AR", "error", time.Second)
	m.Transition(ctx, "approve", "ok")
	m.BulkItem(ctx, "reject", "failed")
	m.CacheLookup(ctx, true)

	got := collect(t, reader)

	queries, ok := got["portal.tenant.queries"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range queries.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	_, ok = got["portal.tenant.query.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
	assert.Contains(t, got, "portal.workflow.transitions")
	assert.Contains(t, got, "portal.bulk.items")
	assert.Contains(t, got, "portal.cache.lookups")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TenantQuery(ctx, "BR", "ok", time.Second)
	m.Transition(ctx, "approve", "ok")
	m.BulkItem(ctx, "approve", "ok")
	m.CacheLookup(ctx, false)
}

func TestNoop(t *testing.T) {
	m := Noop()
	require.NotNil(t, m)
	m.Transition(context.Background(), "approve", "ok")
}
