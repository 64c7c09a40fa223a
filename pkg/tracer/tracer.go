package tracer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gwotel "github.com/astro-web3/graph-gateway/pkg/otel"
)

const instrumentationName = "github.com/astro-web3/graph-gateway"

var (
	defaultTracer trace.Tracer
	initOnce      sync.Once
	errInit       error
)

// InitTracer installs the process tracer once; later calls return the first
// result.
func InitTracer(ctx context.Context, serviceName string, cfg gwotel.Config) error {
	initOnce.Do(func() {
		cfg.ServiceName = serviceName
		t, err := gwotel.InitTracer(ctx, cfg)
		if err != nil {
			errInit = err
			return
		}

		defaultTracer = t
	})

	return errInit
}

// Start opens a span named "<layer>.<pkg>.<Op>". Before InitTracer it goes
// through the global provider, which keeps the parent span context so trace
// headers still propagate.
func Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if defaultTracer == nil {
		return otel.Tracer(instrumentationName).Start(ctx, spanName, opts...)
	}

	return defaultTracer.Start(ctx, spanName, opts...)
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
