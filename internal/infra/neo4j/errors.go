package neo4j

import (
	"strings"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

// Error is a Neo4j status reported by the Query API.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return "neo4j " + e.Code + ": " + e.Message
}

// Unwrap maps the status code onto the store sentinel it represents.
func (e *Error) Unwrap() error {
	switch {
	case e.Code == "Neo.ClientError.Schema.ConstraintValidationFailed":
		return store.ErrConstraint
	case e.Code == "Neo.ClientError.Security.Unauthorized",
		e.Code == "Neo.ClientError.Security.AuthenticationRateLimit",
		e.Code == "Neo.ClientError.Security.CredentialsExpired":
		return store.ErrAuthenticationRejected
	case e.Code == "Neo.ClientError.Security.Forbidden",
		strings.HasPrefix(e.Code, "Neo.ClientError.Security.Authorization"):
		return store.ErrForbidden
	case e.Code == "Neo.ClientError.Database.DatabaseNotFound":
		return store.ErrNotFound
	case strings.HasPrefix(e.Code, "Neo.TransientError."),
		e.Code == "Neo.ClientError.Cluster.NotALeader":
		return store.ErrUnavailable
	default:
		return nil
	}
}
