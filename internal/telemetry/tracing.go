// Package telemetry wires OpenTelemetry tracing around the Request
// Handler, independent of the Prometheus metrics exposed at /metrics:
// metrics answer "how much/how fast", traces answer "where did this one
// request's time go across sessions, interceptors, and the dispatch to
// an upstream."
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the package-wide tracer used to start spans for proxy
// requests. It is a no-op until NewTracerProvider installs a real one.
var Tracer = otel.Tracer("github.com/shadowcat-mcp/shadowcat")

// NewTracerProvider builds a TracerProvider that writes spans as
// newline-delimited JSON to stdout and installs it as the global
// provider. There is no OTLP exporter here: wiring a collector endpoint
// is an operator deployment choice, not something the proxy core decides
// for them.
func NewTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer("github.com/shadowcat-mcp/shadowcat")
	return tp, nil
}

// StartRequestSpan starts a span for one inbound /mcp exchange, tagging it
// with the session and method so a trace backend can group a session's
// requests together.
func StartRequestSpan(ctx context.Context, sessionID, method string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "mcp.request",
		trace.WithAttributes(
			attribute.String("mcp.session_id", sessionID),
			attribute.String("mcp.method", method),
		),
	)
}
