/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the server and daemon.
//
// Custom span attributes use the `scanfleet.` prefix:
//   - scanfleet.session_id: the discovery session
//   - scanfleet.daemon_id: the daemon a session belongs to
//   - scanfleet.operation: start, update, cancel, reap, initiate, scan
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/scanfleet"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSessionSpan creates a span for a lifecycle operation on one session.
func StartSessionSpan(ctx context.Context, operation, sessionID, daemonID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "discovery."+operation,
		trace.WithAttributes(
			attribute.String("scanfleet.operation", operation),
			attribute.String("scanfleet.session_id", sessionID),
			attribute.String("scanfleet.daemon_id", daemonID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDispatchSpan creates a client span for a server→daemon call.
func StartDispatchSpan(ctx context.Context, operation, daemonID, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch."+operation,
		trace.WithAttributes(
			attribute.String("scanfleet.operation", operation),
			attribute.String("scanfleet.daemon_id", daemonID),
			attribute.String("url.full", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
