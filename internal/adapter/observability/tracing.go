// Package observability wires logging, Prometheus metrics, and OpenTelemetry
// tracing for the evaluation service.
package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
)

// SetupTracing installs the global tracer provider when an OTLP endpoint is
// configured and returns its shutdown func; without an endpoint tracing stays
// off and spans become no-ops.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
	))
	if err != nil {
		return nil, err
	}

	// TRACE_SAMPLE_RATIO overrides the env default: every span in dev, one in
	// ten in prod. Evaluation jobs fan out into per-file repo spans, so full
	// sampling under production load is too expensive.
	ratio := cfg.TraceSampleRatio
	if ratio <= 0 {
		ratio = 1.0
		if cfg.IsProd() {
			ratio = 0.1
		}
	}
	sampler := trace.ParentBased(trace.TraceIDRatioBased(ratio))
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_ratio", ratio))

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
