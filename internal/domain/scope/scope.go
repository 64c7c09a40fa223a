package scope

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
)

// Scope is a checked out store session bound to one request's identity.
// It must be released or discarded exactly once.
type Scope struct {
	pool    *Pool
	backend store.Backend
	key     string
	session store.Session
	mode    Mode
	runAs   string
	roles   []string

	done atomic.Bool
}

func (s *Scope) Mode() Mode {
	return s.mode
}

// Principal is the identity the underlying session was opened as.
func (s *Scope) Principal() string {
	return s.session.Principal()
}

// RunAs is the identity queries execute under. It differs from Principal
// only in impersonation mode.
func (s *Scope) RunAs() string {
	if s.runAs != "" {
		return s.runAs
	}
	return s.session.Principal()
}

func (s *Scope) Roles() []string {
	return slices.Clone(s.roles)
}

func (s *Scope) HasRole(role string) bool {
	return slices.Contains(s.roles, role)
}

// Run executes plan on the scope's session.
func (s *Scope) Run(ctx context.Context, plan *store.Plan) ([]store.Row, error) {
	if s.done.Load() {
		return nil, ErrAlreadyReleased
	}
	return s.backend.RunQuery(ctx, s.session, store.Query{
		Plan:  plan,
		RunAs: s.runAs,
		Roles: s.roles,
	})
}

// Release returns the session to the pool for reuse.
func (s *Scope) Release(ctx context.Context) error {
	return s.finish(ctx, true)
}

// Discard closes the session instead of pooling it. Used when the session may
// still be running an abandoned query.
func (s *Scope) Discard(ctx context.Context) error {
	return s.finish(ctx, false)
}

func (s *Scope) Released() bool {
	return s.done.Load()
}

func (s *Scope) finish(ctx context.Context, reuse bool) error {
	if !s.done.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return s.pool.release(ctx, s.key, s.session, reuse)
}
