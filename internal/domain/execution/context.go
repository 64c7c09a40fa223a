// Package execution assembles the per-request execution context: a verified
// identity, the store scope bound to it and the request deadline.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/huandu/go-clone"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

type State int32

const (
	StateCreated State = iota
	StateValidating
	StateScopeResolving
	StateReady
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateValidating:
		return "validating"
	case StateScopeResolving:
		return "scope_resolving"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Context is the immutable result of a successful Build. Only its lifecycle
// state changes, and the scope is released when a terminal state is entered.
type Context struct {
	id       string
	claims   *auth.ClaimSet
	scope    *scope.Scope
	deadline time.Time

	state atomic.Int32
}

func (c *Context) ID() string {
	return c.id
}

// Claims returns a copy of the verified claim set.
func (c *Context) Claims() *auth.ClaimSet {
	return clone.Clone(c.claims).(*auth.ClaimSet)
}

func (c *Context) Scope() *scope.Scope {
	return c.scope
}

func (c *Context) Deadline() time.Time {
	return c.deadline
}

func (c *Context) State() State {
	return State(c.state.Load())
}

// Begin moves a ready context to executing.
func (c *Context) Begin() error {
	return c.transition(StateReady, StateExecuting)
}

// Complete ends a successful execution and returns the session to the pool.
func (c *Context) Complete(ctx context.Context) error {
	if err := c.transition(StateExecuting, StateCompleted); err != nil {
		return err
	}
	return c.release(ctx, false)
}

// Fail ends the request from the ready or executing state. With discard the
// session is closed instead of pooled.
func (c *Context) Fail(ctx context.Context, discard bool) error {
	if err := c.transition(StateExecuting, StateFailed); err != nil {
		if err := c.transition(StateReady, StateFailed); err != nil {
			return err
		}
	}
	return c.release(ctx, discard)
}

// Close fails the context if it has not reached a terminal state yet.
func (c *Context) Close(ctx context.Context) {
	if c.State().Terminal() {
		return
	}
	if err := c.Fail(ctx, false); err == nil {
		logger.WarnContext(ctx, "execution context closed before completion",
			slog.String("request_id", c.id),
		)
	}
}

func (c *Context) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Context) transition(from, to State) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, c.State(), to)
	}
	return nil
}

func (c *Context) release(ctx context.Context, discard bool) error {
	var err error
	if discard {
		err = c.scope.Discard(ctx)
	} else {
		err = c.scope.Release(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to release scope: %w", err)
	}
	return nil
}
