// Package tracing wires OpenTelemetry spans around iterations, stages,
// and parallel-block providers. Grounded on
// coreengine/observability/tracing.go (Jeeves)'s InitTracer: OTLP/gRPC
// exporter, resource attribution, shutdown-function-returning
// constructor — generalized from a fixed Jaeger endpoint to
// AGENTPIPE_OTLP_ENDPOINT, and from always-on to no-op-unless-configured
// so the dependency costs nothing when the env var is unset.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const endpointEnvVar = "AGENTPIPE_OTLP_ENDPOINT"

// Shutdown releases whatever tracer provider Init installed. Calling it
// when tracing was never enabled is always safe.
type Shutdown func(context.Context) error

// Init installs a tracer provider exporting to AGENTPIPE_OTLP_ENDPOINT, or
// a no-op provider if the env var is unset. version is the engine's
// build version, attached as a resource attribute.
func Init(ctx context.Context, serviceName, version string) (Shutdown, error) {
	endpoint := os.Getenv(endpointEnvVar)
	if endpoint == "" {
		// otel's global TracerProvider is a no-op until something calls
		// SetTracerProvider, so leaving it untouched is enough to make
		// every span in this package free when tracing isn't configured.
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter for %s: %w", endpoint, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the engine's named tracer, sourced from whatever
// provider Init installed (real or no-op).
func Tracer() trace.Tracer {
	return otel.Tracer("agentpipe")
}

// StartIterationSpan starts a span around one agent iteration.
func StartIterationSpan(ctx context.Context, session, stage string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "iteration",
		trace.WithAttributes(
			attribute.String("agentpipe.session", session),
			attribute.String("agentpipe.stage", stage),
			attribute.Int("agentpipe.iteration", iteration),
		),
	)
}

// StartStageSpan starts a span around an entire stage's iteration window.
func StartStageSpan(ctx context.Context, session, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("agentpipe.session", session),
			attribute.String("agentpipe.stage", stage),
		),
	)
}

// StartParallelProviderSpan starts a span around one provider's replay of
// a parallel block's nested stages.
func StartParallelProviderSpan(ctx context.Context, session, block, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "parallel_provider",
		trace.WithAttributes(
			attribute.String("agentpipe.session", session),
			attribute.String("agentpipe.block", block),
			attribute.String("agentpipe.provider", provider),
		),
	)
}
