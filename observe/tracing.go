package observe

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerOptions configures tracer initialization.
type TracerOptions struct {
	ServiceVersion string
	Writer         io.Writer // destination for the stdout exporter
	PrettyPrint    bool
}

// InitTracer installs a stdout-exporting tracer provider and returns a tracer
// plus a shutdown function that flushes pending spans.
func InitTracer(serviceName string, optFns ...func(o *TracerOptions)) (trace.Tracer, func(context.Context) error, error) {
	opts := TracerOptions{Writer: os.Stdout}
	for _, fn := range optFns {
		fn(&opts)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(opts.Writer)}
	if opts.PrettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	)
	otel.SetTracerProvider(provider)

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// NopTracer returns a tracer that records nothing.
func NopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("inquest")
}
