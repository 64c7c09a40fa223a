package scope

import "errors"

type Kind string

const (
	KindPoolExhausted          Kind = "PoolExhausted"
	KindAuthenticationRejected Kind = "AuthenticationRejected"
)

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
	ErrPoolExhausted          = &Error{Kind: KindPoolExhausted}
	ErrAuthenticationRejected = &Error{Kind: KindAuthenticationRejected}

	ErrAlreadyReleased = errors.New("scope already released")
	ErrPoolClosed      = errors.New("pool closed")
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
