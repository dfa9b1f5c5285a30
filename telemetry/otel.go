package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds the SDK tracer provider worker processes
// register globally. No exporter is attached here; deployments add
// OTLP or stdout exporters via sdktrace options suited to their
// collector topology.
func NewTracerProvider(serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// OTelEmitter turns every Event into a zero-duration OpenTelemetry span,
// so phase transitions, checkpoint writes, and recovery decisions show
// up in distributed traces alongside the agent/sandbox spans the run
// orchestrator's callers create.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter wraps the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit starts and immediately ends a span named after the event, carrying
// tenant/run/phase identifiers and all Fields as attributes.
func (o *OTelEmitter) Emit(e Event) {
	_, span := o.tracer.Start(context.Background(), e.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("tenant_id", e.TenantID),
		attribute.String("run_id", e.RunID),
		attribute.String("phase", e.Phase),
	)
	for k, v := range e.Fields {
		span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", v)))
		if k == "error" {
			span.SetStatus(codes.Error, fmt.Sprintf("%v", v))
		}
	}
}
