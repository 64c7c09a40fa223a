package graph

import (
	"errors"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

var (
	// ErrInvalidOperation is matched by every error caused by the request
	// document or its variables rather than by execution.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrForbidden is returned when a @hasRole requirement is not met.
	ErrForbidden = errors.New("forbidden")
)

// OperationError carries the GraphQL errors of a rejected operation.
type OperationError struct {
	List gqlerror.List
}

func (e *OperationError) Error() string {
	msgs := make([]string, 0, len(e.List))
	for _, err := range e.List {
		msgs = append(msgs, err.Message)
	}
	return ErrInvalidOperation.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *OperationError) Is(target error) bool {
	return target == ErrInvalidOperation
}

func operationErrorf(format string, args ...any) *OperationError {
	return &OperationError{List: gqlerror.List{gqlerror.Errorf(format, args...)}}
}

// NewOperationError rejects an operation with a single message.
func NewOperationError(message string) *OperationError {
	return &OperationError{List: gqlerror.List{gqlerror.Errorf("%s", message)}}
}
