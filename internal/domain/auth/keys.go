package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnknownKey = errors.New("no verification key for token")

	// ErrKeysUnavailable is returned by a KeySource that could not load its
	// keys. Like ErrRevocationUnavailable, the credential was not judged.
	ErrKeysUnavailable = errors.New("verification keys unavailable")
)

// KeySource supplies the key a token signed with alg (and optional kid) must
// verify against.
type KeySource interface {
	VerificationKey(ctx context.Context, alg, kid string) (any, error)
}

type staticKeySource struct {
	key any
}

// NewHMACKeySource verifies HS256/HS384/HS512 tokens with a shared secret.
func NewHMACKeySource(secret string) (KeySource, error) {
	if secret == "" {
		return nil, errors.New("hmac secret is empty")
	}
	return &staticKeySource{key: []byte(secret)}, nil
}

// NewPEMKeySource verifies RS*/PS*/ES*/EdDSA tokens with a PEM encoded public
// key.
func NewPEMKeySource(pemKey string) (KeySource, error) {
	// Keys passed through env vars often carry literal "\n" sequences.
	data := []byte(strings.ReplaceAll(pemKey, `\n`, "\n"))

	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return &staticKeySource{key: key}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return &staticKeySource{key: key}, nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &staticKeySource{key: key}, nil
}

func (s *staticKeySource) VerificationKey(_ context.Context, alg, _ string) (any, error) {
	if !keyMatchesAlg(s.key, alg) {
		return nil, fmt.Errorf("%w: key does not support %s", ErrUnknownKey, alg)
	}
	return s.key, nil
}

func keyMatchesAlg(key any, alg string) bool {
	switch key.(type) {
	case []byte:
		return strings.HasPrefix(alg, "HS")
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(alg, "ES")
	case ed25519.PublicKey:
		return alg == jwt.SigningMethodEdDSA.Alg()
	default:
		return false
	}
}
