package jwks_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	"github.com/astro-web3/graph-gateway/internal/infra/jwks"
	httpclient "github.com/astro-web3/graph-gateway/pkg/http"
)

func serveKeySet(t *testing.T, keys ...jose.JSONWebKey) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	body, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestKeySet_VerifiesRS256Token(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv, hits := serveKeySet(t, jose.JSONWebKey{
		Key:       &priv.PublicKey,
		KeyID:     "k1",
		Algorithm: "RS256",
		Use:       "sig",
	})

	keys := jwks.New(srv.URL, httpclient.New(httpclient.Options{}), time.Minute)
	v, err := auth.NewValidator(auth.Config{Algorithms: []string{"RS256"}}, keys, nil)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "jane",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claims, err := v.Validate(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, "jane", claims.Subject)
	}
	assert.Equal(t, int32(1), hits.Load(), "key set should be fetched once and cached")
}

func TestKeySet_UnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv, hits := serveKeySet(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256"})
	keys := jwks.New(srv.URL, httpclient.New(httpclient.Options{}), time.Minute)

	_, err = keys.VerificationKey(context.Background(), "RS256", "k1")
	require.NoError(t, err)

	_, err = keys.VerificationKey(context.Background(), "RS256", "rotated")
	assert.ErrorIs(t, err, auth.ErrUnknownKey)
	assert.Equal(t, int32(1), hits.Load(), "unknown kid right after a fetch must not refetch")
}

func TestKeySet_AlgorithmMismatch(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv, _ := serveKeySet(t, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256"})
	keys := jwks.New(srv.URL, httpclient.New(httpclient.Options{}), time.Minute)

	_, err = keys.VerificationKey(context.Background(), "RS512", "k1")
	assert.ErrorIs(t, err, auth.ErrUnknownKey)
}

func TestKeySet_EndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	keys := jwks.New(srv.URL, httpclient.New(httpclient.Options{}), time.Minute)
	_, err := keys.VerificationKey(context.Background(), "RS256", "k1")
	require.ErrorIs(t, err, auth.ErrKeysUnavailable)
	assert.Contains(t, err.Error(), "status 502")

	// Failures are remembered instead of refetched on every request.
	_, err = keys.VerificationKey(context.Background(), "RS256", "k1")
	assert.ErrorIs(t, err, auth.ErrKeysUnavailable)
}

func TestKeySet_StaleKeyOutlivesEndpointFailure(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	body, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256"}}})
	require.NoError(t, err)

	var failing atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	// Every lookup after the first finds the cached set stale.
	keys := jwks.New(srv.URL, httpclient.New(httpclient.Options{}), time.Nanosecond)
	v, err := auth.NewValidator(auth.Config{Algorithms: []string{"RS256"}}, keys, nil)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "jane",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	require.NoError(t, err)

	failing.Store(true)
	for i := 0; i < 3; i++ {
		claims, err := v.Validate(context.Background(), signed)
		require.NoError(t, err)
		assert.Equal(t, "jane", claims.Subject)
	}
	assert.Equal(t, int32(2), hits.Load(), "a failed refresh is not retried within the refresh interval")

	// An unknown kid while the endpoint is down is an outage, not a bad token.
	token.Header["kid"] = "k2"
	other, err := token.SignedString(priv)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), other)
	assert.ErrorIs(t, err, auth.ErrKeysUnavailable)
	assert.NotErrorIs(t, err, auth.ErrInvalidSignature)
}
