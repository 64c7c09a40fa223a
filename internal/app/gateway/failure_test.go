package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/execution"
	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category gateway.Category
		code     string
	}{
		{"missing credential", auth.ErrMissingCredential, gateway.CategoryUnauthenticated, "MissingCredential"},
		{"expired", &auth.Error{Kind: auth.KindExpired, Message: "token expired"}, gateway.CategoryUnauthenticated, "Expired"},
		{"revocation down", fmt.Errorf("%w: dial tcp", auth.ErrRevocationUnavailable), gateway.CategoryUnavailable, "RevocationUnavailable"},
		{"pool exhausted", &scope.Error{Kind: scope.KindPoolExhausted}, gateway.CategoryUnavailable, "PoolExhausted"},
		{"store rejected", &scope.Error{Kind: scope.KindAuthenticationRejected}, gateway.CategoryUnauthenticated, "AuthenticationRejected"},
		{"pool closed", scope.ErrPoolClosed, gateway.CategoryUnavailable, "ShuttingDown"},
		{"invalid operation", graph.NewOperationError("bad"), gateway.CategoryInvalid, "InvalidOperation"},
		{"forbidden", execution.NewError(execution.KindForbidden, graph.ErrForbidden), gateway.CategoryForbidden, "Forbidden"},
		{"not found", execution.NewError(execution.KindNotFound, nil), gateway.CategoryNotFound, "NotFound"},
		{"canceled", execution.NewError(execution.KindCanceled, context.Canceled), gateway.CategoryCanceled, "Canceled"},
		{"timeout", execution.NewError(execution.KindTimeout, nil), gateway.CategoryInternal, "Timeout"},
		{"keys unavailable", fmt.Errorf("%w: status 502", auth.ErrKeysUnavailable), gateway.CategoryUnavailable, "KeysUnavailable"},
		{"bare cancel", context.Canceled, gateway.CategoryCanceled, "Canceled"},
		{"bare deadline", fmt.Errorf("acquire: %w", context.DeadlineExceeded), gateway.CategoryInternal, "DeadlineExceeded"},
		{"bare store outage", fmt.Errorf("%w: dial", store.ErrUnavailable), gateway.CategoryInternal, "BackendUnavailable"},
		{"unclassified", errors.New("boom"), gateway.CategoryInternal, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := gateway.Describe(tt.err)
			assert.Equal(t, tt.category, f.Category)
			assert.Equal(t, tt.code, f.Code)
			assert.NotEmpty(t, f.Message)
		})
	}
}

func TestDescribe_HidesCause(t *testing.T) {
	f := gateway.Describe(execution.NewError(execution.KindBackendUnavailable, errors.New("dial tcp 10.0.0.7:7687: refused")))
	assert.NotContains(t, f.Message, "10.0.0.7")

	f = gateway.Describe(&scope.Error{Kind: scope.KindPoolExhausted})
	assert.Equal(t, time.Second, f.RetryAfter)

	f = gateway.Describe(auth.ErrMissingCredential)
	assert.True(t, f.MissingCredential)
}

func TestDescribe_BareStoreErrorHidesCause(t *testing.T) {
	f := gateway.Describe(fmt.Errorf("%w: dial tcp 10.0.0.7:7687", store.ErrUnavailable))
	assert.Equal(t, "BackendUnavailable", f.Code)
	assert.NotContains(t, f.Message, "10.0.0.7")
}
