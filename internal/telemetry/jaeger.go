package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

// Noop is returned when tracing is disabled.
func Noop(context.Context) error { return nil }

// InitJaeger installs a global tracer provider exporting to a Jaeger collector.
// An empty endpoint disables tracing. sampleRatio below 1 samples that fraction
// of root spans; children follow their parent.
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64, logger zerolog.Logger) (Shutdown, error) {
	if jaegerEndpoint == "" {
		logger.Info().Msg("tracing disabled")
		return Noop, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Not merged with resource.Default: its schema URL differs from semconv's.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
	)

	sampler := sdktrace.AlwaysSample()
	if sampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info().Str("endpoint", jaegerEndpoint).Float64("sample_ratio", sampleRatio).Msg("jaeger tracing initialized")
	return tp.Shutdown, nil
}
