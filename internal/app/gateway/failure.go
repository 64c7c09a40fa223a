package gateway

import (
	"errors"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/execution"
	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
)

// Category groups failures by how a transport should report them.
type Category int

const (
	CategoryInternal Category = iota
	CategoryUnauthenticated
	CategoryUnavailable
	CategoryInvalid
	CategoryForbidden
	CategoryNotFound
	CategoryCanceled
)

// Failure is the caller-safe description of an error returned by Service.
type Failure struct {
	Category Category
	Code     string
	Message  string
	// Errors holds the document errors of an invalid operation.
	Errors gqlerror.List
	// RetryAfter is set when retrying later is expected to succeed.
	RetryAfter time.Duration
	// MissingCredential distinguishes an absent credential from a bad one.
	MissingCredential bool
}

const (
	poolRetryAfter = time.Second
	keysRetryAfter = 5 * time.Second
)

// Describe maps err onto a Failure. Causes never leak into the message.
func Describe(err error) Failure {
	var (
		authErr  *auth.Error
		scopeErr *scope.Error
		opErr    *graph.OperationError
	)

	switch {
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return Failure{Category: CategoryUnavailable, Code: "RevocationUnavailable", Message: "credential check unavailable"}
	case errors.Is(err, auth.ErrKeysUnavailable):
		return Failure{Category: CategoryUnavailable, Code: "KeysUnavailable", Message: "credential check unavailable", RetryAfter: keysRetryAfter}
	case errors.As(err, &authErr):
		return Failure{
			Category:          CategoryUnauthenticated,
			Code:              string(authErr.Kind),
			Message:           messageOr(authErr.Message, "invalid credential"),
			MissingCredential: authErr.Kind == auth.KindMissingCredential,
		}
	case errors.As(err, &scopeErr):
		if scopeErr.Kind == scope.KindPoolExhausted {
			return Failure{Category: CategoryUnavailable, Code: string(scopeErr.Kind), Message: "no store session available", RetryAfter: poolRetryAfter}
		}
		return Failure{Category: CategoryUnauthenticated, Code: string(scopeErr.Kind), Message: messageOr(scopeErr.Message, "store rejected the identity")}
	case errors.Is(err, scope.ErrPoolClosed):
		return Failure{Category: CategoryUnavailable, Code: "ShuttingDown", Message: "the gateway is shutting down"}
	case errors.As(err, &opErr):
		return Failure{Category: CategoryInvalid, Code: "InvalidOperation", Message: opErr.Error(), Errors: opErr.List}
	}

	// Store and context errors raised while opening a session arrive bare.
	execErr := execution.Classify(err)
	f := Failure{Code: string(execErr.Kind), Message: messageOr(execErr.Message, "internal error")}
	switch execErr.Kind {
	case execution.KindForbidden:
		f.Category = CategoryForbidden
	case execution.KindNotFound:
		f.Category = CategoryNotFound
	case execution.KindCanceled:
		f.Category = CategoryCanceled
	default:
		f.Category = CategoryInternal
	}
	return f
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
