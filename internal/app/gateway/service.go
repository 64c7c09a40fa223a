package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/execution"
	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/pkg/logger"
	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

const defaultGrace = time.Second

// Recorder receives per-request measurements.
type Recorder interface {
	ObserveRequest(operation, outcome string, d time.Duration)
	ObserveRows(n int)
}

type Config struct {
	// Grace is how long an execution may take to return after its deadline
	// before it is abandoned and reported as a timeout.
	Grace time.Duration
}

// Request is a transport-independent GraphQL request.
type Request struct {
	Header        http.Header
	Query         string
	OperationName string
	Variables     map[string]any
	// ReadOnly rejects mutations, for transports with safe-method semantics.
	ReadOnly bool
}

type Result struct {
	RequestID string
	Mutation  bool
	Data      map[string]any
}

type Service interface {
	Serve(ctx context.Context, req Request) (*Result, error)
	Execute(ctx context.Context, op *graph.Operation, ec *execution.Context) (*Result, error)
	Revoke(ctx context.Context, header http.Header) error
}

type service struct {
	schema    *graph.Schema
	builder   *execution.Builder
	validator auth.Validator
	grace     time.Duration
	recorder  Recorder
}

func NewService(
	schema *graph.Schema,
	builder *execution.Builder,
	validator auth.Validator,
	cfg Config,
	recorder Recorder,
) Service {
	s := &service{
		schema:    schema,
		builder:   builder,
		validator: validator,
		grace:     cfg.Grace,
		recorder:  recorder,
	}
	if s.grace <= 0 {
		s.grace = defaultGrace
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s
}

// Serve builds the execution context, prepares the operation and executes
// it. The scope, once acquired, is released before Serve returns. Once the
// operation is known, a failed Serve still returns a Result carrying the
// request id and operation type, without data.
func (s *service) Serve(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "app.gateway.Serve")
	defer span.End()

	start := time.Now()

	ec, err := s.builder.Build(ctx, execution.RawRequest{Header: req.Header})
	if err != nil {
		span.RecordError(err)
		s.recorder.ObserveRequest("unknown", outcomeOf(err), time.Since(start))
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", ec.ID()))
	ctx = logger.WithRequestID(ctx, ec.ID())

	op, err := s.schema.Prepare(req.Query, req.OperationName, req.Variables)
	if err == nil && req.ReadOnly && op.IsMutation() {
		err = graph.NewOperationError("mutations are not allowed on a read-only request")
	}
	if err != nil {
		span.RecordError(err)
		if ferr := ec.Fail(ctx, false); ferr != nil {
			logger.WarnContext(ctx, "failed to release scope", logger.Err(ferr))
		}
		s.recorder.ObserveRequest("unknown", outcomeOf(err), time.Since(start))
		return nil, err
	}

	result, err := s.Execute(ctx, op, ec)
	s.recorder.ObserveRequest(operationType(op), outcomeOf(err), time.Since(start))
	return result, err
}

type outcome struct {
	data map[string]any
	err  error
}

// Execute runs op under the context's scope and deadline and moves ec to a
// terminal state. Failures are returned as *execution.Error, except operation
// errors which match graph.ErrInvalidOperation.
func (s *service) Execute(ctx context.Context, op *graph.Operation, ec *execution.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "app.gateway.Execute")
	defer span.End()
	ctx = logger.WithRequestID(ctx, ec.ID())

	span.SetAttributes(
		attribute.String("request.id", ec.ID()),
		attribute.String("graphql.operation.name", op.Name),
		attribute.String("graphql.operation.type", operationType(op)),
	)

	partial := &Result{RequestID: ec.ID(), Mutation: op.IsMutation()}

	if err := ec.Begin(); err != nil {
		span.RecordError(err)
		return partial, err
	}

	runCtx, cancel := context.WithDeadline(ctx, ec.Deadline())
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic during execution: %v", r)}
			}
		}()
		data, err := s.schema.Execute(runCtx, op, ec.Scope())
		done <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(s.grace)
		defer grace.Stop()

		select {
		case out = <-done:
		case <-grace.C:
			kind := execution.KindTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = execution.KindCanceled
			}
			execErr := execution.NewError(kind, fmt.Errorf("execution did not return within %s of cancellation: %w", s.grace, runCtx.Err()))
			return partial, s.fail(ctx, span, ec, execErr, true)
		}
	}

	if out.err != nil {
		if errors.Is(out.err, graph.ErrInvalidOperation) {
			return partial, s.fail(ctx, span, ec, out.err, false)
		}

		execErr := execution.Classify(out.err)
		if runCtx.Err() != nil {
			switch {
			case errors.Is(ctx.Err(), context.Canceled):
				execErr = execution.NewError(execution.KindCanceled, out.err)
			case errors.Is(runCtx.Err(), context.DeadlineExceeded):
				execErr = execution.NewError(execution.KindDeadlineExceeded, out.err)
			}
		}
		return partial, s.fail(ctx, span, ec, execErr, discards(execErr.Kind))
	}

	if err := ec.Complete(ctx); err != nil {
		logger.WarnContext(ctx, "failed to release scope", logger.Err(err))
	}

	for _, v := range out.data {
		if list, ok := v.([]any); ok {
			s.recorder.ObserveRows(len(list))
		}
	}

	logger.DebugContext(ctx, "operation executed",
		slog.String("operation", op.Name),
		slog.String("run_as", ec.Scope().RunAs()),
	)

	return &Result{RequestID: ec.ID(), Mutation: op.IsMutation(), Data: out.data}, nil
}

func (s *service) Revoke(ctx context.Context, header http.Header) error {
	ctx, span := tracer.Start(ctx, "app.gateway.Revoke")
	defer span.End()

	credential, err := auth.FromHeader(header)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.validator.Revoke(ctx, credential); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// fail moves ec to Failed, logs the full cause and returns err.
func (s *service) fail(ctx context.Context, span trace.Span, ec *execution.Context, err error, discard bool) error {
	span.RecordError(err)

	if ferr := ec.Fail(ctx, discard); ferr != nil {
		logger.WarnContext(ctx, "failed to release scope", logger.Err(ferr))
	}

	log := logger.WarnContext
	if k := execution.KindOf(err); k == execution.KindUnknown || k == execution.KindTimeout {
		log = logger.ErrorContext
	}
	log(ctx, "operation failed",
		slog.String("kind", string(execution.KindOf(err))),
		slog.Bool("session_discarded", discard),
		logger.Err(err),
	)
	return err
}

// discards reports whether a failure leaves the session in an unknown state.
func discards(kind execution.Kind) bool {
	switch kind {
	case execution.KindDeadlineExceeded, execution.KindTimeout, execution.KindCanceled, execution.KindBackendUnavailable:
		return true
	default:
		return false
	}
}

func operationType(op *graph.Operation) string {
	if op == nil {
		return "unknown"
	}
	return string(op.Type)
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := execution.KindOf(err); k != "" {
		return string(k)
	}
	if k := auth.KindOf(err); k != "" {
		return string(k)
	}
	if k := scope.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, graph.ErrInvalidOperation) {
		return "InvalidOperation"
	}
	return "error"
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, string, time.Duration) {}
func (nopRecorder) ObserveRows(int)                              {}
