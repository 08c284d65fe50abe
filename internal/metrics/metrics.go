// Package metrics records portal metrics through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments used across the portal. A nil *Metrics
// records nothing.
type Metrics struct {
	tenantQueries  metric.Int64Counter
	tenantDuration metric.Float64Histogram
	transitions    metric.Int64Counter
	bulkItems      metric.Int64Counter
	cacheLookups   metric.Int64Counter
}

// New creates the instruments on the global meter provider.
func New(serviceName string) (*Metrics, error) {
	return NewWithMeter(otel.Meter(serviceName))
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.tenantQueries, err = meter.Int64Counter("portal.tenant.queries",
		metric.WithDescription("ERP queries issued per tenant, by status")); err != nil {
		return nil, fmt.Errorf("creating counter portal.tenant.queries: %w", err)
	}
	if m.tenantDuration, err = meter.Float64Histogram("portal.tenant.query.duration",
		metric.WithDescription("Per-tenant aggregation latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating histogram portal.tenant.query.duration: %w", err)
	}
	if m.transitions, err = meter.Int64Counter("portal.workflow.transitions",
		metric.WithDescription("Workflow transitions, by action and outcome")); err != nil {
		return nil, fmt.Errorf("creating counter portal.workflow.transitions: %w", err)
	}
	if m.bulkItems, err = meter.Int64Counter("portal.bulk.items",
		metric.WithDescription("Bulk action items, by action and outcome")); err != nil {
		return nil, fmt.Errorf("creating counter portal.bulk.items: %w", err)
	}
	if m.cacheLookups, err = meter.Int64Counter("portal.cache.lookups",
		metric.WithDescription("Aggregate cache lookups, by result")); err != nil {
		return nil, fmt.Errorf("creating counter portal.cache.lookups: %w", err)
	}

	return &m, nil
}

// Noop returns Metrics backed by a no-op meter, for tests and disabled setups.
func Noop() *Metrics {
	m, _ := NewWithMeter(noop.NewMeterProvider().Meter("noop"))
	return m
}

// TenantQuery records one tenant's part of an aggregate query.
func (m *Metrics) TenantQuery(ctx context.Context, tenant, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("status", status),
	)
	m.tenantQueries.Add(ctx, 1, attrs)
	m.tenantDuration.Record(ctx, d.Seconds(), attrs)
}

// Transition records a workflow transition attempt.
func (m *Metrics) Transition(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// BulkItem records one processed bulk item.
func (m *Metrics) BulkItem(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.bulkItems.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// CacheLookup records an aggregate cache hit or miss.
func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
