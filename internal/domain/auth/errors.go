package auth

import "errors"

type Kind string

const (
	KindMissingCredential   Kind = "MissingCredential"
	KindMalformedCredential Kind = "MalformedCredential"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindExpired             Kind = "Expired"
	KindRevoked             Kind = "Revoked"
)

// Error is an authentication failure. Message is safe to return to callers;
// Err holds the underlying cause for logs.
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

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMissingCredential   = &Error{Kind: KindMissingCredential}
	ErrMalformedCredential = &Error{Kind: KindMalformedCredential}
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrRevoked             = &Error{Kind: KindRevoked}

	// ErrRevocationUnavailable is returned when the revocation list cannot be
	// consulted. It is not an *Error: the credential was not judged.
	ErrRevocationUnavailable = errors.New("revocation list unavailable")
)

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the kind of an auth error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
