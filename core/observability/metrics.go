package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type instruments struct {
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	queryExecutionsTotal metric.Int64Counter
	queryDuration        metric.Float64Histogram
	backendOpsTotal      metric.Int64Counter
	backendOpDuration    metric.Float64Histogram
	cacheEventsTotal     metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	inst            instruments
)

func buildMeterProvider(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.Enabled || !cfg.MetricsEnabled {
		return sdkmetric.NewMeterProvider(), nil
	}

	exporter, err := otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter),
		),
	), nil
}

func initInstruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("querybridge/engine")
		inst.httpRequestsTotal, _ = meter.Int64Counter("querybridge.http.server.requests_total")
		inst.httpRequestDuration, _ = meter.Float64Histogram("querybridge.http.server.request_duration_ms")
		inst.queryExecutionsTotal, _ = meter.Int64Counter("querybridge.query.executions_total")
		inst.queryDuration, _ = meter.Float64Histogram("querybridge.query.execution_duration_ms")
		inst.backendOpsTotal, _ = meter.Int64Counter("querybridge.backend.operations_total")
		inst.backendOpDuration, _ = meter.Float64Histogram("querybridge.backend.operation_duration_ms")
		inst.cacheEventsTotal, _ = meter.Int64Counter("querybridge.cache.events_total")
	})
}

// RecordHTTPRequest records one served HTTP request
func RecordHTTPRequest(ctx context.Context, method, route string, status int, durationMS float64) {
	initInstruments()
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	inst.httpRequestsTotal.Add(ctx, 1, attrs)
	inst.httpRequestDuration.Record(ctx, durationMS, attrs)
}

// RecordQueryExecution records one engine execution, success or failure
func RecordQueryExecution(ctx context.Context, queryID, dataSource string, success, cached bool, durationMS float64) {
	initInstruments()
	attrs := metric.WithAttributes(
		attribute.String(AttrQueryID, queryID),
		attribute.String(AttrDataSource, dataSource),
		attribute.Bool("success", success),
		attribute.Bool(AttrCacheHit, cached),
	)
	inst.queryExecutionsTotal.Add(ctx, 1, attrs)
	inst.queryDuration.Record(ctx, durationMS, attrs)
}

// RecordBackendOperation records one backend round trip
func RecordBackendOperation(ctx context.Context, dataSource, operation string, success bool, durationMS float64) {
	initInstruments()
	attrs := metric.WithAttributes(
		attribute.String(AttrDataSource, dataSource),
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	)
	inst.backendOpsTotal.Add(ctx, 1, attrs)
	inst.backendOpDuration.Record(ctx, durationMS, attrs)
}

// RecordCacheEvent records a hit, miss or invalidation
func RecordCacheEvent(ctx context.Context, event string) {
	initInstruments()
	inst.cacheEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
