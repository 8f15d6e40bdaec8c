package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// buildTraceProvider assembles the trace export pipeline. With tracing
// disabled the provider carries no processors, so spans degrade to no-ops
// and call sites never need to guard span creation.
func buildTraceProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled || !cfg.TracesEnabled {
		return sdktrace.NewTracerProvider(), nil
	}

	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	// Keep sampled parents sampled so a query execution never loses its
	// child backend spans to the ratio sampler.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSamplingRate))

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	), nil
}
