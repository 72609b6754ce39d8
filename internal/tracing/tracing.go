// Package tracing sets up OpenTelemetry for the arrival worker: an OTLP/gRPC
// exporter, service resource attributes and the global tracer provider and
// propagator used by the tracking and alert packages.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stuartshay/arrival-worker/internal/config"
)

// ServiceNamespace groups the worker's spans with the rest of the location stack
const ServiceNamespace = "owntracks"

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceNamespace string
	ServiceVersion   string
	Environment      string
	OTLPEndpoint     string
	// SampleRatio of root spans kept; 0 or >= 1 keeps all
	SampleRatio float64
	Enabled     bool
}

// FromConfig derives the tracing setup from the service configuration. Tracing is
// off when OTEL_SDK_DISABLED is set or no collector endpoint is configured.
func FromConfig(cfg *config.Config, version string) Config {
	return Config{
		ServiceName:      cfg.ServiceName,
		ServiceNamespace: ServiceNamespace,
		ServiceVersion:   version,
		Environment:      cfg.Environment,
		OTLPEndpoint:     cfg.OTELEndpoint,
		SampleRatio:      cfg.OTELSampleRatio,
		Enabled:          cfg.OTELEndpoint != "" && !cfg.OTELDisabled,
	}
}

// Shutdown flushes and stops the tracer provider
type Shutdown func(context.Context) error

// InitTracer initializes the OpenTelemetry tracer provider
func InitTracer(cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	conn, err := grpc.NewClient(
		cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceNamespace(cfg.ServiceNamespace),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

// sampler honours the caller's decision and samples new traces by ratio
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
