package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
schema:
  path: ./schema.graphql
store:
  admin:
    name: neo4j
    secret: password
  neo4j:
    endpoint: http://localhost:7474
auth:
  hmac_secret: s3cret
`

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", minimal)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Schema.MaxLimit)
	assert.Equal(t, "neo4j", cfg.Store.Driver)
	assert.Equal(t, "neo4j", cfg.Store.Neo4j.Database)
	assert.Equal(t, "impersonation", cfg.Pool.Mode)
	assert.Equal(t, 16, cfg.Pool.MaxSize)
	assert.Equal(t, []string{"HS256"}, cfg.Auth.Algorithms)
	assert.Equal(t, 10*time.Second, cfg.Execution.Deadline)
	assert.Equal(t, time.Second, cfg.Execution.Grace)
	assert.Equal(t, "memory", cfg.Auth.Revocation)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", minimal)

	t.Setenv("GRAPH_GATEWAY_POOL_MODE", "per_principal")
	t.Setenv("GRAPH_GATEWAY_EXECUTION_DEADLINE", "250ms")
	t.Setenv("GRAPH_GATEWAY_SCHEMA_PATH", "/etc/gateway/schema.graphql")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "per_principal", cfg.Pool.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.Deadline)
	assert.Equal(t, "/etc/gateway/schema.graphql", cfg.Schema.Path)
}

func TestLoad_AppEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", minimal)
	writeConfig(t, dir, "config.test.yaml", "pool:\n  max_size: 3\n")

	t.Setenv("APP_ENV", "test")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxSize)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)

	t.Setenv("APP_ENV", "staging")
	_, err = Load(dir)
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]string
	}{
		{name: "unknown pool mode", extra: map[string]string{"GRAPH_GATEWAY_POOL_MODE": "shared"}},
		{name: "unknown driver", extra: map[string]string{"GRAPH_GATEWAY_STORE_DRIVER": "postgres"}},
		{name: "zero deadline", extra: map[string]string{"GRAPH_GATEWAY_EXECUTION_DEADLINE": "0s"}},
		{name: "unsupported algorithm", extra: map[string]string{"GRAPH_GATEWAY_AUTH_ALGORITHMS": "none"}},
		{name: "unknown revocation backend", extra: map[string]string{"GRAPH_GATEWAY_AUTH_REVOCATION": "file"}},
		{name: "redis without url", extra: map[string]string{"GRAPH_GATEWAY_AUTH_REVOCATION": "redis"}},
		{name: "sqlite without path", extra: map[string]string{"GRAPH_GATEWAY_STORE_DRIVER": "sqlite"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "config.yaml", minimal)
			for k, v := range tt.extra {
				t.Setenv(k, v)
			}

			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestValidate_KeyMaterial(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", minimal)
	cfg, err := Load(dir)
	require.NoError(t, err)

	cfg.Auth.HMACSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "auth.hmac_secret")

	cfg.Auth.JWKSURL = "https://issuer.example.com/.well-known/jwks.json"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}
