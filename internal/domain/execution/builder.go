package execution

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"go.opentelemetry.io/otel/attribute"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/pkg/logger"
	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

const defaultDeadline = 10 * time.Second

type Config struct {
	Deadline time.Duration
	Now      func() time.Time
}

// RawRequest is the transport-independent part of an inbound request.
type RawRequest struct {
	Header http.Header
}

type Builder struct {
	validator auth.Validator
	resolver  scope.Resolver
	deadline  time.Duration
	now       func() time.Time
}

func NewBuilder(validator auth.Validator, resolver scope.Resolver, cfg Config) *Builder {
	b := &Builder{
		validator: validator,
		resolver:  resolver,
		deadline:  cfg.Deadline,
		now:       cfg.Now,
	}
	if b.deadline <= 0 {
		b.deadline = defaultDeadline
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Build validates the request credential and resolves its scope, strictly in
// that order. On error nothing is returned and no scope is held.
func (b *Builder) Build(ctx context.Context, req RawRequest) (*Context, error) {
	ctx, span := tracer.Start(ctx, "domain.execution.Build")
	defer span.End()

	ec := &Context{id: uuid.NewString()}
	ec.setState(StateCreated)
	span.SetAttributes(attribute.String("request.id", ec.id))

	ec.setState(StateValidating)
	credential, err := auth.FromHeader(req.Header)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	claims, err := b.validator.Validate(ctx, credential)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ec.setState(StateScopeResolving)
	sc, err := b.resolver.Resolve(ctx, claims)
	if err != nil {
		span.RecordError(err)
		logger.WarnContext(ctx, "failed to resolve scope",
			slog.String("request_id", ec.id),
			slog.String("subject", claims.Subject),
			logger.Err(err),
		)
		return nil, err
	}

	ec.claims = clone.Clone(claims).(*auth.ClaimSet)
	ec.scope = sc
	ec.deadline = b.now().Add(b.deadline)
	if d, ok := ctx.Deadline(); ok && d.Before(ec.deadline) {
		ec.deadline = d
	}
	ec.setState(StateReady)

	span.SetAttributes(
		attribute.String("auth.subject", claims.Subject),
		attribute.String("scope.run_as", sc.RunAs()),
	)
	logger.DebugContext(ctx, "execution context ready",
		slog.String("request_id", ec.id),
		slog.String("subject", claims.Subject),
		slog.String("run_as", sc.RunAs()),
		slog.Time("deadline", ec.deadline),
	)

	return ec, nil
}
