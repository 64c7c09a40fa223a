package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "GRAPH_GATEWAY"

type Principal struct {
	Name   string `mapstructure:"name" validate:"required"`
	Secret string `mapstructure:"secret"`
}

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Schema struct {
		Path     string `mapstructure:"path" validate:"required"`
		MaxLimit int    `mapstructure:"max_limit" validate:"gte=1"`
	} `mapstructure:"schema"`

	Store struct {
		Driver string    `mapstructure:"driver" validate:"oneof=neo4j sqlite"`
		Admin  Principal `mapstructure:"admin" validate:"-"`
		Neo4j  struct {
			Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
			Database string        `mapstructure:"database"`
			Timeout  time.Duration `mapstructure:"timeout"`
		} `mapstructure:"neo4j"`
		SQLite struct {
			Path          string `mapstructure:"path"`
			BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" validate:"gte=0"`
			// Principals are created or updated at startup.
			Principals []Principal `mapstructure:"principals" validate:"dive"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"store"`

	Pool struct {
		Mode           string        `mapstructure:"mode" validate:"oneof=impersonation per_principal"`
		MaxSize        int           `mapstructure:"max_size" validate:"gte=1"`
		MaxIdlePerKey  int           `mapstructure:"max_idle_per_key" validate:"gte=0"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	} `mapstructure:"pool"`

	Auth struct {
		Algorithms    []string      `mapstructure:"algorithms" validate:"required,min=1,dive,oneof=HS256 HS384 HS512 RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512 EdDSA"`
		HMACSecret    string        `mapstructure:"hmac_secret"`
		PublicKeyPEM  string        `mapstructure:"public_key_pem"`
		JWKSURL       string        `mapstructure:"jwks_url" validate:"omitempty,url"`
		JWKSRefresh   time.Duration `mapstructure:"jwks_refresh"`
		Issuer        string        `mapstructure:"issuer"`
		Audience      string        `mapstructure:"audience"`
		RequireExpiry bool          `mapstructure:"require_expiry"`
		MaxAge        time.Duration `mapstructure:"max_age"`
		Leeway        time.Duration `mapstructure:"leeway"`
		RevocationTTL time.Duration `mapstructure:"revocation_ttl"`
		Revocation    string        `mapstructure:"revocation" validate:"oneof=none memory redis"`
		Claims        struct {
			Name      string `mapstructure:"name"`
			Principal string `mapstructure:"principal"`
			Secret    string `mapstructure:"secret"`
			Roles     string `mapstructure:"roles"`
		} `mapstructure:"claims"`
	} `mapstructure:"auth"`

	Redis struct {
		URL      string `mapstructure:"url"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Execution struct {
		Deadline time.Duration `mapstructure:"deadline" validate:"gt=0"`
		Grace    time.Duration `mapstructure:"grace" validate:"gte=0"`
	} `mapstructure:"execution"`

	Observability struct {
		MetricsEnabled     bool    `mapstructure:"metrics_enabled"`
		TraceEnabled       bool    `mapstructure:"trace_enabled"`
		TracingEndpointURL string  `mapstructure:"tracing_endpoint_url"`
		TraceSampleRatio   float64 `mapstructure:"trace_sample_ratio" validate:"gte=0,lte=1"`
		LogLevel           string  `mapstructure:"log_level"`
		Format             string  `mapstructure:"log_format"`
		LogSource          bool    `mapstructure:"log_source"`
	} `mapstructure:"observability"`

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("schema.max_limit", 100)

	v.SetDefault("store.driver", "neo4j")
	v.SetDefault("store.neo4j.database", "neo4j")
	v.SetDefault("store.neo4j.timeout", 30*time.Second)
	v.SetDefault("store.sqlite.busy_timeout_ms", 5000)

	v.SetDefault("pool.mode", "impersonation")
	v.SetDefault("pool.max_size", 16)
	v.SetDefault("pool.max_idle_per_key", 4)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.acquire_timeout", 2*time.Second)

	v.SetDefault("auth.algorithms", []string{"HS256"})
	v.SetDefault("auth.jwks_refresh", 10*time.Minute)
	v.SetDefault("auth.require_expiry", true)
	v.SetDefault("auth.leeway", 30*time.Second)
	v.SetDefault("auth.revocation_ttl", 24*time.Hour)
	v.SetDefault("auth.revocation", "memory")

	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("execution.deadline", 10*time.Second)
	v.SetDefault("execution.grace", time.Second)

	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
}

// Load reads config.yaml from the given directories, merges config.<APP_ENV>.yaml
// when present and applies GRAPH_GATEWAY_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main; it exits on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		slog.Default().Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	return cfg
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Auth.HMACSecret == "" && c.Auth.PublicKeyPEM == "" && c.Auth.JWKSURL == "" {
		return errors.New("invalid config: one of auth.hmac_secret, auth.public_key_pem or auth.jwks_url is required")
	}
	if c.Auth.Revocation == "redis" && c.Redis.URL == "" {
		return errors.New("invalid config: redis.url is required for redis revocation")
	}
	if c.Store.Driver == "neo4j" && c.Store.Neo4j.Endpoint == "" {
		return errors.New("invalid config: store.neo4j.endpoint is required for the neo4j driver")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		return errors.New("invalid config: store.sqlite.path is required for the sqlite driver")
	}
	if c.Pool.Mode == "impersonation" && c.Store.Admin.Name == "" {
		return errors.New("invalid config: store.admin.name is required in impersonation mode")
	}
	return nil
}
