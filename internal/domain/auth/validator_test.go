package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
)

const testSecret = "mypassword"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockRevocationList struct {
	revoked  map[string]time.Duration
	checkErr error
}

func (m *mockRevocationList) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if m.checkErr != nil {
		return false, m.checkErr
	}
	_, ok := m.revoked[tokenID]
	return ok, nil
}

func (m *mockRevocationList) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.revoked[tokenID] = ttl
	return nil
}

func newHMACValidator(t *testing.T, mutate func(*auth.Config), revocations auth.RevocationList) auth.Validator {
	t.Helper()
	keys, err := auth.NewHMACKeySource(testSecret)
	require.NoError(t, err)

	cfg := auth.Config{
		Algorithms:    []string{"HS256"},
		RequireExpiry: true,
		Now:           func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := auth.NewValidator(cfg, keys, revocations)
	require.NoError(t, err)
	return v
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func janeClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":      "jane-id",
		"name":     "Jane Doe",
		"iat":      fixedNow.Add(-time.Minute).Unix(),
		"exp":      fixedNow.Add(time.Hour).Unix(),
		"user":     "jane",
		"password": "jane",
		"roles":    []string{"reader:bank"},
	}
}

func TestValidate_WellFormedToken(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	claims, err := v.Validate(context.Background(), sign(t, janeClaims()))
	require.NoError(t, err)

	assert.True(t, claims.Verified)
	assert.Equal(t, "jane-id", claims.Subject)
	assert.Equal(t, "Jane Doe", claims.Name)
	assert.Equal(t, "jane", claims.Principal)
	assert.Equal(t, "jane", claims.Secret)
	assert.Equal(t, []string{"reader:bank"}, claims.Roles)
	assert.True(t, claims.HasRole("reader:bank"))
	assert.True(t, strings.HasPrefix(claims.TokenID, "sha256:"))
}

func TestValidate_SubjectsRoundTrip(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	for _, subject := range []string{"jane", "john", "7f0c1c2e", "user@example.com"} {
		c := janeClaims()
		c["sub"] = subject
		claims, err := v.Validate(context.Background(), sign(t, c))
		require.NoError(t, err, subject)
		assert.Equal(t, subject, claims.Subject)
	}
}

func TestValidate_NumericSubject(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	c := janeClaims()
	c["sub"] = 1
	claims, err := v.Validate(context.Background(), sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
}

func TestValidate_SignatureBitFlip(t *testing.T) {
	v := newHMACValidator(t, nil, nil)
	token := sign(t, janeClaims())

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)

	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), sig...)
			tampered[i] ^= 1 << bit
			forged := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(tampered)

			_, err := v.Validate(context.Background(), forged)
			require.Truef(t, errors.Is(err, auth.ErrInvalidSignature),
				"byte %d bit %d: expected InvalidSignature, got %v", i, bit, err)
		}
	}
}

func TestValidate_EncodedSignatureBitFlip(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	for n := 0; n < 20; n++ {
		c := janeClaims()
		c["jti"] = fmt.Sprintf("token-%d", n)
		token := sign(t, c)

		prefix := token[:strings.LastIndex(token, ".")+1]
		sig := token[len(prefix):]
		for i := 0; i < len(sig); i++ {
			for bit := 0; bit < 8; bit++ {
				tampered := []byte(sig)
				tampered[i] ^= 1 << bit

				_, err := v.Validate(context.Background(), prefix+string(tampered))
				require.Truef(t, errors.Is(err, auth.ErrInvalidSignature),
					"token %d char %d bit %d (%q -> %q): expected InvalidSignature, got %v",
					n, i, bit, sig[i], tampered[i], err)
			}
		}
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, janeClaims()).SignedString([]byte("other"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestValidate_UnsignedTokenRejected(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, janeClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestValidate_Malformed(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	for _, credential := range []string{"not-a-jwt", "a.b", "a.b.c", "!!!.###.$$$"} {
		_, err := v.Validate(context.Background(), credential)
		assert.ErrorIs(t, err, auth.ErrMalformedCredential, credential)
	}
}

func TestValidate_Missing(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	_, err := v.Validate(context.Background(), "  ")
	assert.ErrorIs(t, err, auth.ErrMissingCredential)
}

func TestValidate_ExpiryPolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		cfg    func(*auth.Config)
	}{
		{
			name:   "expired",
			mutate: func(c jwt.MapClaims) { c["exp"] = fixedNow.Add(-time.Minute).Unix() },
		},
		{
			name:   "missing exp when required",
			mutate: func(c jwt.MapClaims) { delete(c, "exp") },
		},
		{
			name:   "issued in the future",
			mutate: func(c jwt.MapClaims) { c["iat"] = fixedNow.Add(time.Hour).Unix() },
		},
		{
			name:   "older than max age",
			mutate: func(c jwt.MapClaims) { c["iat"] = fixedNow.Add(-48 * time.Hour).Unix() },
			cfg:    func(cfg *auth.Config) { cfg.MaxAge = 24 * time.Hour },
		},
		{
			name:   "no iat with max age",
			mutate: func(c jwt.MapClaims) { delete(c, "iat") },
			cfg:    func(cfg *auth.Config) { cfg.MaxAge = time.Hour },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newHMACValidator(t, tt.cfg, nil)
			c := janeClaims()
			tt.mutate(c)

			_, err := v.Validate(context.Background(), sign(t, c))
			assert.ErrorIs(t, err, auth.ErrExpired)
		})
	}
}

func TestValidate_TamperedBeforeExpiryCheck(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	c := janeClaims()
	c["exp"] = fixedNow.Add(-time.Hour).Unix()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("other"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestValidate_IssuerAndAudience(t *testing.T) {
	v := newHMACValidator(t, func(cfg *auth.Config) {
		cfg.Issuer = "https://issuer.example"
		cfg.Audience = "graph-gateway"
	}, nil)

	c := janeClaims()
	c["iss"] = "https://issuer.example"
	c["aud"] = "graph-gateway"
	_, err := v.Validate(context.Background(), sign(t, c))
	require.NoError(t, err)

	c["aud"] = "someone-else"
	_, err = v.Validate(context.Background(), sign(t, c))
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestValidate_BadClaimTypes(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	c := janeClaims()
	c["roles"] = map[string]any{"admin": true}
	_, err := v.Validate(context.Background(), sign(t, c))
	assert.ErrorIs(t, err, auth.ErrMalformedCredential)

	c = janeClaims()
	delete(c, "sub")
	_, err = v.Validate(context.Background(), sign(t, c))
	assert.ErrorIs(t, err, auth.ErrMalformedCredential)
}

func TestValidate_CommaSeparatedRoles(t *testing.T) {
	v := newHMACValidator(t, nil, nil)

	c := janeClaims()
	c["roles"] = "reader:bank, writer:bank"
	claims, err := v.Validate(context.Background(), sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, []string{"reader:bank", "writer:bank"}, claims.Roles)
}

func TestValidate_CustomClaimNames(t *testing.T) {
	v := newHMACValidator(t, func(cfg *auth.Config) {
		cfg.Claims = auth.ClaimNames{Name: "nm", Principal: "db_user", Secret: "db_pass", Roles: "grp"}
	}, nil)

	c := jwt.MapClaims{
		"sub":     "42",
		"exp":     fixedNow.Add(time.Hour).Unix(),
		"db_user": "neo",
		"db_pass": "secret",
		"grp":     []string{"admin"},
	}
	claims, err := v.Validate(context.Background(), sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, "neo", claims.Principal)
	assert.Equal(t, "secret", claims.Secret)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}

func TestValidate_RSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	keys, err := auth.NewPEMKeySource(pemKey)
	require.NoError(t, err)
	v, err := auth.NewValidator(auth.Config{
		Algorithms: []string{"RS256"},
		Now:        func() time.Time { return fixedNow },
	}, keys, nil)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, janeClaims()).SignedString(priv)
	require.NoError(t, err)
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jane-id", claims.Subject)

	// HS256 signed with the public key bytes must not pass as RS256.
	confused, err := jwt.NewWithClaims(jwt.SigningMethodHS256, janeClaims()).SignedString([]byte(pemKey))
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), confused)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestValidate_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	keys, err := auth.NewPEMKeySource(pemKey)
	require.NoError(t, err)
	v, err := auth.NewValidator(auth.Config{
		Algorithms: []string{"EdDSA", "RS256"},
		Now:        func() time.Time { return fixedNow },
	}, keys, nil)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, janeClaims()).SignedString(priv)
	require.NoError(t, err)
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jane-id", claims.Subject)

	// An Ed25519 key never verifies an RSA signature.
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := jwt.NewWithClaims(jwt.SigningMethodRS256, janeClaims()).SignedString(rsaKey)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), other)
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

type mockKeySource struct {
	err error
}

func (m *mockKeySource) VerificationKey(context.Context, string, string) (any, error) {
	return nil, m.err
}

func TestValidate_KeysUnavailable(t *testing.T) {
	v, err := auth.NewValidator(auth.Config{
		Algorithms: []string{"HS256"},
		Now:        func() time.Time { return fixedNow },
	}, &mockKeySource{err: fmt.Errorf("%w: status 502", auth.ErrKeysUnavailable)}, nil)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), sign(t, janeClaims()))
	require.ErrorIs(t, err, auth.ErrKeysUnavailable)
	assert.Empty(t, auth.KindOf(err), "an outage must not be reported as a bad credential")

	v, err = auth.NewValidator(auth.Config{
		Algorithms: []string{"HS256"},
		Now:        func() time.Time { return fixedNow },
	}, &mockKeySource{err: fmt.Errorf("%w: kid %q", auth.ErrUnknownKey, "k9")}, nil)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), sign(t, janeClaims()))
	assert.ErrorIs(t, err, auth.ErrInvalidSignature)
}

func TestNewPEMKeySource_Garbage(t *testing.T) {
	_, err := auth.NewPEMKeySource("-----BEGIN PUBLIC KEY-----\nbm9wZQ==\n-----END PUBLIC KEY-----")
	assert.Error(t, err)
}

func TestValidate_Revocation(t *testing.T) {
	revocations := &mockRevocationList{revoked: map[string]time.Duration{}}
	v := newHMACValidator(t, nil, revocations)
	token := sign(t, janeClaims())

	_, err := v.Validate(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, v.Revoke(context.Background(), token))
	assert.Equal(t, time.Hour, revocations.revoked[auth.Digest(token)])

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrRevoked)
}

func TestValidate_RevocationByJTI(t *testing.T) {
	revocations := &mockRevocationList{revoked: map[string]time.Duration{"token-1": time.Hour}}
	v := newHMACValidator(t, nil, revocations)

	c := janeClaims()
	c["jti"] = "token-1"
	_, err := v.Validate(context.Background(), sign(t, c))
	assert.ErrorIs(t, err, auth.ErrRevoked)
}

func TestValidate_RevocationUnavailable(t *testing.T) {
	revocations := &mockRevocationList{revoked: map[string]time.Duration{}, checkErr: errors.New("dial tcp: refused")}
	v := newHMACValidator(t, nil, revocations)

	_, err := v.Validate(context.Background(), sign(t, janeClaims()))
	assert.ErrorIs(t, err, auth.ErrRevocationUnavailable)
	assert.Empty(t, auth.KindOf(err))
}

func TestFromHeader(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr error
	}{
		{name: "missing", value: "", wantErr: auth.ErrMissingCredential},
		{name: "bearer", value: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", value: "bearer abc", want: "abc"},
		{name: "basic scheme", value: "Basic dXNlcjpwYXNz", wantErr: auth.ErrMalformedCredential},
		{name: "no token", value: "Bearer   ", wantErr: auth.ErrMalformedCredential},
		{name: "no scheme", value: "abc.def.ghi", wantErr: auth.ErrMalformedCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.value != "" {
				header.Set("Authorization", tt.value)
			}
			got, err := auth.FromHeader(header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasRole_Unverified(t *testing.T) {
	claims := &auth.ClaimSet{Subject: "jane", Roles: []string{"admin"}}
	assert.False(t, claims.HasRole("admin"))
}
