package store

import (
	"context"
	"errors"
)

var (
	ErrAuthenticationRejected = errors.New("store rejected principal credentials")
	ErrConstraint             = errors.New("store constraint violated")
	ErrNotFound               = errors.New("store object not found")
	ErrForbidden              = errors.New("store denied access")
	ErrUnavailable            = errors.New("store unavailable")
)

// Principal is the identity a session is opened as.
type Principal struct {
	Name   string
	Secret string
}

// Session is an open backing-store session. Implementations are not safe for
// concurrent use; the pool hands a session to one request at a time.
type Session interface {
	Principal() string
}

// Row is one result record keyed by field name.
type Row map[string]any

// Query is a plan bound to the identity it must run as.
type Query struct {
	Plan  *Plan
	RunAs string
	Roles []string
}

// Backend is the narrow contract the gateway needs from a store.
type Backend interface {
	OpenSession(ctx context.Context, principal Principal) (Session, error)
	CloseSession(ctx context.Context, session Session) error
	RunQuery(ctx context.Context, session Session, query Query) ([]Row, error)
}
