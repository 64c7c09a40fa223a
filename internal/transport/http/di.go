package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/astro-web3/graph-gateway/internal/app/gateway"
	"github.com/astro-web3/graph-gateway/internal/config"
	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/domain/directive"
	"github.com/astro-web3/graph-gateway/internal/domain/execution"
	"github.com/astro-web3/graph-gateway/internal/domain/graph"
	"github.com/astro-web3/graph-gateway/internal/domain/scope"
	"github.com/astro-web3/graph-gateway/internal/domain/store"
	"github.com/astro-web3/graph-gateway/internal/infra/cache"
	"github.com/astro-web3/graph-gateway/internal/infra/jwks"
	"github.com/astro-web3/graph-gateway/internal/infra/neo4j"
	"github.com/astro-web3/graph-gateway/internal/infra/sqlite"
	grpctransport "github.com/astro-web3/graph-gateway/internal/transport/grpc"
	httpclient "github.com/astro-web3/graph-gateway/pkg/http"
	"github.com/astro-web3/graph-gateway/pkg/logger"
	"github.com/astro-web3/graph-gateway/pkg/metrics"
	"github.com/astro-web3/graph-gateway/pkg/otel"
	"github.com/astro-web3/graph-gateway/pkg/tracer"
)

type Server struct {
	httpServer *http.Server
	// closers run in reverse order on shutdown.
	closers []func(ctx context.Context) error
}

const (
	idleTimeoutMultiplier = 2
	serviceName           = "graph-gateway"
)

// NewServer wires the gateway from configuration. Startup errors, including
// an invalid schema, are returned and leave nothing running.
func NewServer(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	logger.Init(logger.Options{
		Level:     cfg.Observability.LogLevel,
		Format:    cfg.Observability.Format,
		AddSource: cfg.Observability.LogSource,
	})

	otelCfg := otel.DefaultConfig()
	otelCfg.EndpointURL = cfg.Observability.TracingEndpointURL
	otelCfg.Enabled = cfg.Observability.TraceEnabled
	otelCfg.SampleRatio = cfg.Observability.TraceSampleRatio
	if err := tracer.InitTracer(ctx, serviceName, otelCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	s := &Server{}
	defer func() {
		if err != nil {
			_ = s.close(context.WithoutCancel(ctx))
		}
	}()

	schema, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := s.newBackend(ctx, cfg, schema.Labels())
	if err != nil {
		return nil, err
	}

	validator, err := s.newValidator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := scope.NewBackendPool(scope.PoolConfig{
		MaxSize:        cfg.Pool.MaxSize,
		MaxIdlePerKey:  cfg.Pool.MaxIdlePerKey,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create session pool: %w", err)
	}
	s.closers = append(s.closers, pool.Close)

	resolver, err := scope.NewResolver(scope.ResolverConfig{
		Mode:  scope.Mode(cfg.Pool.Mode),
		Admin: store.Principal{Name: cfg.Store.Admin.Name, Secret: cfg.Store.Admin.Secret},
	}, backend, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create scope resolver: %w", err)
	}

	builder := execution.NewBuilder(validator, resolver, execution.Config{Deadline: cfg.Execution.Deadline})

	var mounts []Mount
	var recorder gateway.Recorder
	if cfg.Observability.MetricsEnabled {
		m := metrics.New()
		m.RegisterPool(func() metrics.PoolStats {
			st := pool.Stats()
			return metrics.PoolStats{Open: st.Open, InUse: st.InUse, Idle: st.Idle, Waiting: st.Waiting, Exhausted: st.Exhausted}
		})
		recorder = m
		mounts = append(mounts, Mount{Method: http.MethodGet, Path: "/metrics", Handler: m.Handler()})
	}

	service := gateway.NewService(schema, builder, validator, gateway.Config{Grace: cfg.Execution.Grace}, recorder)

	rpcPath, rpcHandler := grpctransport.NewServiceHandler(service)
	mounts = append(mounts, Mount{Method: http.MethodPost, Path: rpcPath, Handler: rpcHandler})

	router := NewRouter(NewHandler(service), cfg, mounts...)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.ReadTimeout * idleTimeoutMultiplier,
	}

	logger.InfoContext(ctx, "gateway ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("pool_mode", cfg.Pool.Mode),
		slog.Int("node_types", len(schema.Nodes())),
		slog.Int("directive_bindings", len(schema.Bindings())),
	)
	return s, nil
}

func loadSchema(cfg *config.Config) (*graph.Schema, error) {
	sdl, err := os.ReadFile(cfg.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	pipeline := directive.NewPipeline()
	if err := directive.RegisterBuiltins(pipeline); err != nil {
		return nil, err
	}

	schema, err := graph.LoadSchema(string(sdl), pipeline, graph.Options{MaxLimit: cfg.Schema.MaxLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", cfg.Schema.Path, err)
	}
	return schema, nil
}

func (s *Server) newBackend(ctx context.Context, cfg *config.Config, labels []store.Label) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "neo4j":
		client := httpclient.New(httpclient.Options{
			BaseURL: cfg.Store.Neo4j.Endpoint,
			Timeout: cfg.Store.Neo4j.Timeout,
		})
		return neo4j.New(neo4j.Config{Endpoint: cfg.Store.Neo4j.Endpoint, Database: cfg.Store.Neo4j.Database}, client)
	case "sqlite":
		db, err := sqlite.Open(ctx, sqlite.Config{
			Path:          cfg.Store.SQLite.Path,
			BusyTimeoutMS: cfg.Store.SQLite.BusyTimeoutMS,
		}, labels)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })

		principals := slices.Clone(cfg.Store.SQLite.Principals)
		if cfg.Store.Admin.Name != "" {
			principals = append(principals, cfg.Store.Admin)
		}
		for _, p := range principals {
			if err := db.PutPrincipal(ctx, p.Name, p.Secret); err != nil {
				return nil, fmt.Errorf("failed to provision principal %s: %w", p.Name, err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (s *Server) newValidator(ctx context.Context, cfg *config.Config) (auth.Validator, error) {
	var keys auth.KeySource
	var err error
	switch {
	case cfg.Auth.JWKSURL != "":
		keys = jwks.New(cfg.Auth.JWKSURL, httpclient.New(httpclient.Options{RetryCount: httpclient.DefaultRetry}), cfg.Auth.JWKSRefresh)
	case cfg.Auth.PublicKeyPEM != "":
		keys, err = auth.NewPEMKeySource(cfg.Auth.PublicKeyPEM)
	default:
		keys, err = auth.NewHMACKeySource(cfg.Auth.HMACSecret)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verification key: %w", err)
	}

	var revocations auth.RevocationList
	switch cfg.Auth.Revocation {
	case "memory":
		revocations = cache.NewMemoryRevocationList()
	case "redis":
		client, err := cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return client.Close() })
		revocations = cache.NewRevocationList(client)
	}

	claims := auth.DefaultClaimNames()
	if c := cfg.Auth.Claims; c.Name != "" || c.Principal != "" || c.Secret != "" || c.Roles != "" {
		claims = auth.ClaimNames{Name: c.Name, Principal: c.Principal, Secret: c.Secret, Roles: c.Roles}
	}

	validator, err := auth.NewValidator(auth.Config{
		Algorithms:    cfg.Auth.Algorithms,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		RequireExpiry: cfg.Auth.RequireExpiry,
		MaxAge:        cfg.Auth.MaxAge,
		Leeway:        cfg.Auth.Leeway,
		RevocationTTL: cfg.Auth.RevocationTTL,
		Claims:        claims,
	}, keys, revocations)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}
	return validator, nil
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown stops accepting requests, waits for in-flight ones and then closes
// the pool and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
