package gateway_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/directive"
	"github.com/astro-web3/graph-gateway/internal/domain/execution"
	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

const testSecret = "mypassword"

const testSchema = `
type Movie {
  title: String! @uppercase
  released: Int
}

type Account @hasRole(roles: ["reader:bank"]) {
  number: String!
}
`

type session string

func (s session) Principal() string { return string(s) }

type mockBackend struct {
	mu       sync.Mutex
	opened   int
	closed   int
	openFunc func(ctx context.Context, p store.Principal) error
	runFunc  func(ctx context.Context, s store.Session, q store.Query) ([]store.Row, error)
}

func (m *mockBackend) OpenSession(ctx context.Context, p store.Principal) (store.Session, error) {
	if m.openFunc != nil {
		if err := m.openFunc(ctx, p); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return session(p.Name), nil
}

func (m *mockBackend) CloseSession(context.Context, store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockBackend) RunQuery(ctx context.Context, s store.Session, q store.Query) ([]store.Row, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, s, q)
	}
	return nil, nil
}

func (m *mockBackend) counts() (opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

type memoryRevocations struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *memoryRevocations) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id], nil
}

func (m *memoryRevocations) Revoke(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = true
	return nil
}

type fixture struct {
	backend *mockBackend
	pool    *scope.Pool
	service gateway.Service
}

type options struct {
	deadline time.Duration
	grace    time.Duration
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	f := &fixture{backend: &mockBackend{}}

	keys, err := auth.NewHMACKeySource(testSecret)
	require.NoError(t, err)
	validator, err := auth.NewValidator(auth.Config{Algorithms: []string{"HS256"}}, keys,
		&memoryRevocations{ids: map[string]bool{}})
	require.NoError(t, err)

	pool, err := scope.NewBackendPool(scope.PoolConfig{MaxSize: 2, MaxIdlePerKey: 1}, f.backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	f.pool = pool

	resolver, err := scope.NewResolver(scope.ResolverConfig{Mode: scope.ModePerPrincipal}, f.backend, pool)
	require.NoError(t, err)

	pipeline := directive.NewPipeline()
	require.NoError(t, directive.RegisterBuiltins(pipeline))
	schema, err := graph.LoadSchema(testSchema, pipeline, graph.Options{})
	require.NoError(t, err)

	builder := execution.NewBuilder(validator, resolver, execution.Config{Deadline: opts.deadline})
	f.service = gateway.NewService(schema, builder, validator, gateway.Config{Grace: opts.grace}, nil)
	return f
}

func token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      user + "-id",
		"name":     user,
		"iat":      time.Now().Add(-time.Minute).Unix(),
		"exp":      time.Now().Add(time.Hour).Unix(),
		"user":     user,
		"password": user,
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func request(tok, query string) gateway.Request {
	h := http.Header{}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return gateway.Request{Header: h, Query: query}
}

func TestServe_ReturnsRowsAndReleasesScope(t *testing.T) {
	f := newFixture(t, options{})
	f.backend.runFunc = func(_ context.Context, s store.Session, q store.Query) ([]store.Row, error) {
		if s.Principal() != "jane" {
			return nil, fmt.Errorf("unexpected principal %s", s.Principal())
		}
		return []store.Row{
			{"title": "heat", "released": int64(1995)},
			{"title": "up", "released": int64(2009)},
			{"title": "alien", "released": int64(1979)},
		}, nil
	}

	result, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { title } }`))
	require.NoError(t, err)

	movies, ok := result.Data["movies"].([]any)
	require.True(t, ok)
	require.Len(t, movies, 3)
	assert.Equal(t, map[string]any{"title": "HEAT"}, movies[0])
	assert.NotEmpty(t, result.RequestID)
	assert.False(t, result.Mutation)

	assert.Equal(t, scope.Stats{Open: 1, Idle: 1}, f.pool.Stats())
}

func TestServe_MissingCredentialAcquiresNoScope(t *testing.T) {
	f := newFixture(t, options{})

	_, err := f.service.Serve(context.Background(), request("", `{ movies { title } }`))
	require.ErrorIs(t, err, auth.ErrMissingCredential)

	opened, _ := f.backend.counts()
	assert.Zero(t, opened)
	assert.Equal(t, scope.Stats{}, f.pool.Stats())
}

func TestServe_InvalidSignatureAcquiresNoScope(t *testing.T) {
	f := newFixture(t, options{})

	tok := token(t, "jane")
	_, err := f.service.Serve(context.Background(), request(tok[:len(tok)-2]+"xx", `{ movies { title } }`))
	require.Error(t, err)
	assert.Contains(t, []auth.Kind{auth.KindInvalidSignature, auth.KindMalformedCredential}, auth.KindOf(err))

	opened, _ := f.backend.counts()
	assert.Zero(t, opened)
}

func TestServe_InvalidOperationReleasesScope(t *testing.T) {
	f := newFixture(t, options{})

	_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { director } }`))
	require.ErrorIs(t, err, graph.ErrInvalidOperation)
	assert.Equal(t, scope.Stats{Open: 1, Idle: 1}, f.pool.Stats())
}

func TestExecute_DeadlineExceededWhenBackendCooperates(t *testing.T) {
	f := newFixture(t, options{deadline: 50 * time.Millisecond, grace: time.Second})
	f.backend.runFunc = func(ctx context.Context, _ store.Session, _ store.Query) ([]store.Row, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil, nil
		}
	}

	_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { title } }`))
	require.ErrorIs(t, err, execution.ErrDeadlineExceeded)

	_, closed := f.backend.counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, scope.Stats{}, f.pool.Stats())
}

func TestExecute_TimeoutWhenBackendIgnoresDeadline(t *testing.T) {
	f := newFixture(t, options{deadline: 50 * time.Millisecond, grace: 10 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.backend.runFunc = func(context.Context, store.Session, store.Query) ([]store.Row, error) {
		select {
		case <-release:
		case <-time.After(100 * time.Millisecond):
		}
		return nil, nil
	}

	start := time.Now()
	_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { title } }`))
	require.ErrorIs(t, err, execution.ErrTimeout)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, closed := f.backend.counts()
	assert.Equal(t, 1, closed)
	assert.Equal(t, scope.Stats{}, f.pool.Stats())
}

func TestExecute_CallerCanceled(t *testing.T) {
	f := newFixture(t, options{deadline: time.Minute, grace: time.Second})
	started := make(chan struct{})
	f.backend.runFunc = func(ctx context.Context, _ store.Session, _ store.Query) ([]store.Row, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.service.Serve(ctx, request(token(t, "jane"), `{ movies { title } }`))
	require.ErrorIs(t, err, execution.ErrCanceled)
	assert.Equal(t, scope.Stats{}, f.pool.Stats())
}

func TestExecute_ClassifiesBackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    *execution.Error
		discard bool
	}{
		{name: "constraint", err: store.ErrConstraint, want: execution.ErrConstraintViolation},
		{name: "not found", err: store.ErrNotFound, want: execution.ErrNotFound},
		{name: "forbidden", err: store.ErrForbidden, want: execution.ErrForbidden},
		{name: "unavailable", err: store.ErrUnavailable, want: execution.ErrBackendUnavailable, discard: true},
		{name: "unknown", err: fmt.Errorf("password=hunter2"), want: execution.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, options{})
			f.backend.runFunc = func(context.Context, store.Session, store.Query) ([]store.Row, error) {
				return nil, fmt.Errorf("run failed: %w", tt.err)
			}

			_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `mutation { createMovies(input: [{title: "x"}]) { title } }`))
			require.ErrorIs(t, err, tt.want)

			var execErr *execution.Error
			require.ErrorAs(t, err, &execErr)
			assert.NotContains(t, execErr.Message, "hunter2")

			if tt.discard {
				assert.Equal(t, scope.Stats{}, f.pool.Stats())
			} else {
				assert.Equal(t, scope.Stats{Open: 1, Idle: 1}, f.pool.Stats())
			}
		})
	}
}

func TestServe_ClassifiesSessionOpenFailures(t *testing.T) {
	t.Run("store unavailable", func(t *testing.T) {
		f := newFixture(t, options{})
		f.backend.openFunc = func(context.Context, store.Principal) error {
			return fmt.Errorf("%w: dial tcp 10.0.0.7:7687", store.ErrUnavailable)
		}

		_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { title } }`))
		require.Error(t, err)
		failure := gateway.Describe(err)
		assert.Equal(t, gateway.CategoryInternal, failure.Category)
		assert.Equal(t, "BackendUnavailable", failure.Code)
		assert.NotContains(t, failure.Message, "10.0.0.7")
		assert.Equal(t, scope.Stats{}, f.pool.Stats())
	})

	t.Run("caller canceled", func(t *testing.T) {
		f := newFixture(t, options{})
		ctx, cancel := context.WithCancel(context.Background())
		f.backend.openFunc = func(ctx context.Context, _ store.Principal) error {
			cancel()
			return ctx.Err()
		}

		_, err := f.service.Serve(ctx, request(token(t, "jane"), `{ movies { title } }`))
		require.ErrorIs(t, err, context.Canceled)
		failure := gateway.Describe(err)
		assert.Equal(t, gateway.CategoryCanceled, failure.Category)
		assert.Equal(t, "Canceled", failure.Code)
	})
}

func TestExecute_RecoversPanics(t *testing.T) {
	f := newFixture(t, options{})
	f.backend.runFunc = func(context.Context, store.Session, store.Query) ([]store.Row, error) {
		panic("driver bug")
	}

	_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ movies { title } }`))
	require.ErrorIs(t, err, execution.ErrUnknown)
	assert.Equal(t, 0, f.pool.Stats().InUse)
}

func TestExecute_HasRole(t *testing.T) {
	f := newFixture(t, options{})
	f.backend.runFunc = func(context.Context, store.Session, store.Query) ([]store.Row, error) {
		return []store.Row{{"number": "42"}}, nil
	}

	_, err := f.service.Serve(context.Background(), request(token(t, "jane"), `{ accounts { number } }`))
	require.ErrorIs(t, err, execution.ErrForbidden)

	result, err := f.service.Serve(context.Background(), request(token(t, "john", "reader:bank"), `{ accounts { number } }`))
	require.NoError(t, err)
	assert.Len(t, result.Data["accounts"], 1)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, options{})
	tok := token(t, "jane")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	require.NoError(t, f.service.Revoke(context.Background(), h))

	_, err := f.service.Serve(context.Background(), request(tok, `{ movies { title } }`))
	require.ErrorIs(t, err, auth.ErrRevoked)

	assert.ErrorIs(t, f.service.Revoke(context.Background(), http.Header{}), auth.ErrMissingCredential)
}

func TestServe_ReadOnlyRejectsMutation(t *testing.T) {
	f := newFixture(t, options{})

	req := request(token(t, "jane"), `mutation { deleteMovies }`)
	req.ReadOnly = true
	_, err := f.service.Serve(context.Background(), req)
	require.ErrorIs(t, err, graph.ErrInvalidOperation)

	opened, _ := f.backend.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, scope.Stats{Open: 1, Idle: 1}, f.pool.Stats())
}

func TestServe_FailedMutationReportsOperationType(t *testing.T) {
	f := newFixture(t, options{})
	f.backend.runFunc = func(context.Context, store.Session, store.Query) ([]store.Row, error) {
		return nil, store.ErrNotFound
	}

	result, err := f.service.Serve(context.Background(), request(token(t, "jane"), `mutation { deleteMovies }`))
	require.ErrorIs(t, err, execution.ErrNotFound)
	require.NotNil(t, result)
	assert.True(t, result.Mutation)
	assert.NotEmpty(t, result.RequestID)
	assert.Nil(t, result.Data)
}
