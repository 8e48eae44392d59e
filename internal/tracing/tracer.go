// Package tracing wires an optional OpenTelemetry trace exporter
// around the admission pipeline, carried as ambient observability
// alongside structured logging and metrics.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// InitTracing initializes OpenTelemetry tracing with an OTLP/HTTP
// exporter. Sets up trace provider, propagators, and sampling for
// distributed tracing of the admission pipeline's stages.
// Returns a no-op shutdown function when tracing is disabled or no
// OTLP endpoint is configured.
func InitTracing(cfg config.TracingConfig) (func(), error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		return func() {}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	processor := trace.NewBatchSpanProcessor(
		exporter,
		trace.WithBatchTimeout(5*time.Second),
		trace.WithMaxExportBatchSize(512),
	)

	// Configure sampling based on ratio
	var sampler trace.Sampler
	switch {
	case cfg.SamplingRatio <= 0:
		sampler = trace.NeverSample()
	case cfg.SamplingRatio >= 1:
		sampler = trace.AlwaysSample()
	default:
		sampler = trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplingRatio))
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	tp.RegisterSpanProcessor(processor)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}, nil
}
