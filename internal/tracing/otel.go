// Package tracing wires an OTLP trace exporter for the worker's HTTP
// surface. Export only happens when OTEL_EXPORTER_OTLP_ENDPOINT is set;
// without it Tracer hands out no-op tracers and Shutdown does nothing.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultService = "cyrus-edge-worker"

var (
	setupOnce sync.Once
	active    trace.TracerProvider = noop.NewTracerProvider()
	flushable *sdktrace.TracerProvider
)

// Tracer returns the named tracer, initializing the exporter on first use.
func Tracer(name string) trace.Tracer {
	setupOnce.Do(setup)
	return active.Tracer(name)
}

// Shutdown flushes buffered spans. With tracing disabled there is nothing
// to flush.
func Shutdown(ctx context.Context) error {
	if flushable == nil {
		return nil
	}
	return flushable.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	provider, err := newProvider(context.Background(), endpoint)
	if err != nil {
		// Init failures leave the no-op provider in place; the worker
		// runs untraced rather than not at all.
		return
	}
	flushable = provider
	active = provider
	otel.SetTracerProvider(provider)
}

func newProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName())))
	if err != nil {
		res = resource.Default()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// serviceName honors the standard OTEL_SERVICE_NAME override.
func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultService
}

// stripScheme drops the URL scheme; otlptracehttp wants a bare host.
func stripScheme(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return rest
	}
	return endpoint
}
