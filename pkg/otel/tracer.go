package otel

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracerProvider   *sdktrace.TracerProvider
	tracerProviderMu sync.Mutex
)

// InitTracer installs the global tracer provider. A disabled config, or one
// without an endpoint, installs a noop provider.
func InitTracer(ctx context.Context, cfg Config) (trace.Tracer, error) {
	tracerProviderMu.Lock()
	defer tracerProviderMu.Unlock()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled || cfg.EndpointURL == "" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Tracer(cfg.ServiceName), nil
	}

	exporter, err := createExporter(ctx, cfg.EndpointURL)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(cfg.toResourceAttributes()...),
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

	tracerProvider = tp
	return tp.Tracer(cfg.ServiceName), nil
}

// sampler keeps the caller's sampling decision and applies ratio to new traces.
func sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio <= 0:
		root = sdktrace.NeverSample()
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

type exporterKind int

const (
	exporterHTTP exporterKind = iota
	exporterGRPC
	exporterGRPCSecure
)

// parseEndpoint selects the OTLP exporter from the endpoint scheme:
// grpc://host:port (plaintext) and grpcs://host:port use gRPC, http(s) URLs
// use OTLP over HTTP.
func parseEndpoint(endpoint string) (exporterKind, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, "", fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "grpc":
		return exporterGRPC, u.Host, nil
	case "grpcs":
		return exporterGRPCSecure, u.Host, nil
	case "http", "https":
		return exporterHTTP, endpoint, nil
	default:
		return 0, "", fmt.Errorf("unsupported tracing endpoint scheme %q", u.Scheme)
	}
}

func createExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	kind, target, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	switch kind {
	case exporterGRPC:
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(target), otlptracegrpc.WithInsecure())
	case exporterGRPCSecure:
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(target))
	default:
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(target))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter for %s: %w", endpoint, err)
	}
	return exporter, nil
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
func Shutdown(ctx context.Context) error {
	tracerProviderMu.Lock()
	defer tracerProviderMu.Unlock()

	if tracerProvider == nil {
		return nil
	}

	if err := tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	tracerProvider = nil
	return nil
}
