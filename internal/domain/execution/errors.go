package execution

import (
	"context"
	"errors"

	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

type Kind string

const (
	KindConstraintViolation Kind = "ConstraintViolation"
	KindNotFound            Kind = "NotFound"
	KindBackendUnavailable  Kind = "BackendUnavailable"
	KindDeadlineExceeded    Kind = "DeadlineExceeded"
	KindTimeout             Kind = "Timeout"
	KindCanceled            Kind = "Canceled"
	KindForbidden           Kind = "Forbidden"
	KindUnknown             Kind = "Unknown"
)

// Error is the classified outcome of a failed execution. Message is safe to
// return to the caller; Err holds the full cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConstraintViolation = &Error{Kind: KindConstraintViolation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrBackendUnavailable  = &Error{Kind: KindBackendUnavailable}
	ErrDeadlineExceeded    = &Error{Kind: KindDeadlineExceeded}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrCanceled            = &Error{Kind: KindCanceled}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrUnknown             = &Error{Kind: KindUnknown}

	// ErrInvalidState is returned for a lifecycle transition that is not
	// allowed from the current state.
	ErrInvalidState = errors.New("invalid execution state")
)

var safeMessages = map[Kind]string{
	KindConstraintViolation: "a store constraint was violated",
	KindNotFound:            "the requested data does not exist",
	KindBackendUnavailable:  "the store is unavailable",
	KindDeadlineExceeded:    "the request deadline was exceeded",
	KindTimeout:             "the request timed out",
	KindCanceled:            "the request was canceled",
	KindForbidden:           "access denied",
	KindUnknown:             "internal error",
}

// NewError builds a classified error with the kind's safe message.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: safeMessages[kind], Err: cause}
}

// Classify maps an execution failure onto a Kind. Errors that already carry a
// kind are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, store.ErrConstraint):
		return NewError(KindConstraintViolation, err)
	case errors.Is(err, store.ErrNotFound):
		return NewError(KindNotFound, err)
	case errors.Is(err, store.ErrUnavailable):
		return NewError(KindBackendUnavailable, err)
	case errors.Is(err, store.ErrForbidden), errors.Is(err, graph.ErrForbidden):
		return NewError(KindForbidden, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, err)
	default:
		return NewError(KindUnknown, err)
	}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
