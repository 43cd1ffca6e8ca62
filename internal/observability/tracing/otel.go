// Package tracing sets up OpenTelemetry for the intake API, the outbox relay
// and the care-plan worker. One order is followed from the HTTP submit
// through the outbox and Kafka to plan generation: the relay and worker
// continue the trace found in record headers.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// System is the service.namespace shared by every binary.
const System = "careplan"

// Config controls span export for one binary.
type Config struct {
	// Enabled turns on OTLP export. Propagation is installed either way so
	// trace headers written upstream survive a hop through a binary that
	// does not export.
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	// SampleRate applies to root spans only; child spans follow the parent
	// decision carried in traceparent.
	SampleRate float64
}

// DefaultConfig returns export-disabled settings for serviceName.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the tracer provider so binaries can flush on exit.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Propagator is the W3C trace-context and baggage propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Sampler samples root spans at rate and otherwise defers to the parent,
// so a care-plan job is traced exactly when its submit request was.
func Sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Resource describes the binary to the collector. The attributes are
// schemaless so the merge keeps the SDK default schema URL; two different
// schema URLs fail to merge.
func Resource(cfg Config) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceNamespace(System),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("careplan.component", cfg.ServiceName),
		),
	)
}

// Init installs the global propagator and, when enabled, a batching OTLP
// tracer provider. A disabled config returns a Provider whose Shutdown is a
// no-op.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(Propagator())
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := Resource(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.ServiceName, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
