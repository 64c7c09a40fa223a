// Package scope maps a verified identity onto a pooled backing-store session.
package scope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

type Mode string

const (
	// ModeImpersonation shares admin sessions and runs queries as the caller.
	ModeImpersonation Mode = "impersonation"
	// ModePerPrincipal opens sessions with the caller's own store credentials.
	ModePerPrincipal Mode = "per_principal"
)

func (m Mode) Valid() bool {
	return m == ModeImpersonation || m == ModePerPrincipal
}

type ResolverConfig struct {
	Mode  Mode
	Admin store.Principal
}

type Resolver interface {
	Resolve(ctx context.Context, claims *auth.ClaimSet) (*Scope, error)
}

type resolver struct {
	cfg     ResolverConfig
	backend store.Backend
	pool    *Pool
}

func NewResolver(cfg ResolverConfig, backend store.Backend, pool *Pool) (Resolver, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown scope mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeImpersonation && (cfg.Admin.Name == "" || cfg.Admin.Secret == "") {
		return nil, errors.New("impersonation mode requires admin credentials")
	}
	if backend == nil || pool == nil {
		return nil, errors.New("scope resolver requires a backend and a pool")
	}
	return &resolver{cfg: cfg, backend: backend, pool: pool}, nil
}

// NewBackendPool builds a pool whose sessions are closed through backend.
func NewBackendPool(cfg PoolConfig, backend store.Backend) (*Pool, error) {
	return NewPool(cfg, backend.CloseSession)
}

func (r *resolver) Resolve(ctx context.Context, claims *auth.ClaimSet) (*Scope, error) {
	if claims == nil || !claims.Verified {
		return nil, &Error{Kind: KindAuthenticationRejected, Message: "no verified identity"}
	}

	var (
		key       string
		principal store.Principal
		runAs     string
	)
	switch r.cfg.Mode {
	case ModeImpersonation:
		runAs = claims.PrincipalName()
		if runAs == "" {
			return nil, &Error{Kind: KindAuthenticationRejected, Message: "identity has no principal name"}
		}
		principal = r.cfg.Admin
		key = "impersonation"
	case ModePerPrincipal:
		if claims.Principal == "" || claims.Secret == "" {
			return nil, &Error{Kind: KindAuthenticationRejected, Message: "identity carries no store credentials"}
		}
		principal = store.Principal{Name: claims.Principal, Secret: claims.Secret}
		key = principalKey(principal)
	}

	session, err := r.pool.acquire(ctx, key, func(ctx context.Context) (store.Session, error) {
		return r.backend.OpenSession(ctx, principal)
	})
	if err != nil {
		if errors.Is(err, store.ErrAuthenticationRejected) {
			logger.WarnContext(ctx, "store rejected principal",
				slog.String("principal", principal.Name),
				slog.String("mode", string(r.cfg.Mode)),
			)
			return nil, &Error{Kind: KindAuthenticationRejected, Message: "store rejected the principal", Err: err}
		}
		return nil, err
	}

	return &Scope{
		pool:    r.pool,
		backend: r.backend,
		key:     key,
		session: session,
		mode:    r.cfg.Mode,
		runAs:   runAs,
		roles:   slices.Clone(claims.Roles),
	}, nil
}

// principalKey keys per-principal sessions by name and a secret digest so a
// changed password never reuses a session opened with the old one.
func principalKey(p store.Principal) string {
	sum := sha256.Sum256([]byte(p.Secret))
	return p.Name + ":" + hex.EncodeToString(sum[:8])
}
