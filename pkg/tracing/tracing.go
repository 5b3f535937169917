// Package tracing wires OpenTelemetry spans to a Jaeger collector and gives
// the signal and HTTP paths named span constructors.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the collector and the sampling rate.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Provider owns the SDK tracer provider. A zero Provider, returned when
// tracing is disabled, shuts down as a no-op.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs the global tracer provider and propagators.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// TraceSignalMessage traces the handling of one client signaling message.
func TraceSignalMessage(ctx context.Context, messageType, connectionID string) (context.Context, trace.Span) {
	return otel.Tracer("dicksword").Start(ctx, "signal."+messageType,
		trace.WithAttributes(
			attribute.String("signal.message_type", messageType),
			attribute.String("connection.id", connectionID),
		),
	)
}

// TraceHTTPRequest traces one inbound HTTP request.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return otel.Tracer("dicksword").Start(ctx, "http."+method,
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}
