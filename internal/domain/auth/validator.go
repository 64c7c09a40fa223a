package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/astro-web3/graph-gateway/pkg/logger"
)

const bearerScheme = "bearer"

// RevocationList is a denylist of token ids.
type RevocationList interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

type Validator interface {
	Validate(ctx context.Context, credential string) (*ClaimSet, error)
	// Revoke validates credential and adds it to the revocation list until it
	// would have expired anyway.
	Revoke(ctx context.Context, credential string) error
}

type Config struct {
	Algorithms    []string
	Issuer        string
	Audience      string
	RequireExpiry bool
	MaxAge        time.Duration
	Leeway        time.Duration
	RevocationTTL time.Duration
	Claims        ClaimNames
	Now           func() time.Time
}

type validator struct {
	cfg         Config
	keys        KeySource
	revocations RevocationList
	parser      *jwt.Parser
}

// NewValidator builds a Validator. revocations may be nil.
func NewValidator(cfg Config, keys KeySource, revocations RevocationList) (Validator, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if len(cfg.Algorithms) == 0 {
		return nil, errors.New("at least one signing algorithm must be allowed")
	}
	if cfg.Claims == (ClaimNames{}) {
		cfg.Claims = DefaultClaimNames()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithStrictDecoding(),
	}
	if cfg.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &validator{
		cfg:         cfg,
		keys:        keys,
		revocations: revocations,
		parser:      jwt.NewParser(opts...),
	}, nil
}

// FromHeader extracts the bearer credential from an Authorization header.
func FromHeader(header http.Header) (string, error) {
	value := strings.TrimSpace(header.Get("Authorization"))
	if value == "" {
		return "", ErrMissingCredential
	}

	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", newError(KindMalformedCredential, "authorization header must use the Bearer scheme", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", newError(KindMalformedCredential, "bearer token is empty", nil)
	}
	return token, nil
}

func (v *validator) Validate(ctx context.Context, credential string) (*ClaimSet, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrMissingCredential
	}

	mapClaims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(credential, mapClaims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, t.Method.Alg(), kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeysUnavailable) {
			logger.ErrorContext(ctx, "failed to load verification keys", logger.Err(err))
			return nil, err
		}
		authErr := classify(err)
		if authErr.Kind == KindMalformedCredential && tamperedSignature(credential) {
			authErr = newError(KindInvalidSignature, "token signature could not be verified", err)
		}
		logger.DebugContext(ctx, "credential rejected",
			slog.String("kind", string(authErr.Kind)),
			logger.Err(err),
		)
		return nil, authErr
	}

	claims, err := v.extract(mapClaims, credential)
	if err != nil {
		return nil, err
	}

	if v.cfg.MaxAge > 0 {
		if claims.IssuedAt.IsZero() {
			return nil, newError(KindExpired, "token carries no issue time", nil)
		}
		if v.cfg.Now().Sub(claims.IssuedAt) > v.cfg.MaxAge+v.cfg.Leeway {
			return nil, newError(KindExpired, "token is older than the allowed maximum age", nil)
		}
	}

	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to consult revocation list", logger.Err(err))
			return nil, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
		}
		if revoked {
			return nil, newError(KindRevoked, "token has been revoked", nil)
		}
	}

	claims.Verified = true
	return claims, nil
}

func (v *validator) Revoke(ctx context.Context, credential string) error {
	if v.revocations == nil {
		return errors.New("revocation is not configured")
	}

	claims, err := v.Validate(ctx, credential)
	if err != nil {
		return err
	}

	ttl := v.cfg.RevocationTTL
	switch {
	case !claims.ExpiresAt.IsZero():
		ttl = claims.ExpiresAt.Sub(v.cfg.Now()) + v.cfg.Leeway
	case v.cfg.MaxAge > 0:
		ttl = claims.IssuedAt.Add(v.cfg.MaxAge).Sub(v.cfg.Now()) + v.cfg.Leeway
	}
	if ttl <= 0 {
		return nil
	}

	if err := v.revocations.Revoke(ctx, claims.TokenID, ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}

	logger.InfoContext(ctx, "token revoked",
		slog.String("subject", claims.Subject),
		slog.Duration("ttl", ttl),
	)
	return nil
}

func (v *validator) extract(mc jwt.MapClaims, credential string) (*ClaimSet, error) {
	claims := &ClaimSet{}

	subject, err := stringClaim(mc, "sub")
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, newError(KindMalformedCredential, "token has no subject", nil)
	}
	claims.Subject = subject

	if claims.Name, err = stringClaim(mc, v.cfg.Claims.Name); err != nil {
		return nil, err
	}
	if claims.Principal, err = stringClaim(mc, v.cfg.Claims.Principal); err != nil {
		return nil, err
	}
	if claims.Secret, err = stringClaim(mc, v.cfg.Claims.Secret); err != nil {
		return nil, err
	}
	if claims.Roles, err = listClaim(mc, v.cfg.Claims.Roles); err != nil {
		return nil, err
	}

	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	claims.TokenID, err = stringClaim(mc, "jti")
	if err != nil {
		return nil, err
	}
	if claims.TokenID == "" {
		claims.TokenID = Digest(credential)
	}

	return claims, nil
}

// Digest is the identifier used for tokens without a jti claim.
func Digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func stringClaim(mc jwt.MapClaims, key string) (string, error) {
	raw, ok := mc[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", newError(KindMalformedCredential, fmt.Sprintf("claim %q has unexpected type", key), nil)
	}
}

func listClaim(mc jwt.MapClaims, key string) ([]string, error) {
	raw, ok := mc[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, newError(KindMalformedCredential, fmt.Sprintf("claim %q must be a list of strings", key), nil)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, newError(KindMalformedCredential, fmt.Sprintf("claim %q has unexpected type", key), nil)
	}
}

// tamperedSignature reports whether the header and claims segments decode but
// the signature segment does not, which is what an altered signature looks
// like under strict decoding.
func tamperedSignature(credential string) bool {
	parts := strings.SplitN(credential, ".", 3)
	if len(parts) != 3 {
		return false
	}
	strict := base64.RawURLEncoding.Strict()
	for _, segment := range parts[:2] {
		if _, err := strict.DecodeString(segment); err != nil {
			return false
		}
	}
	_, err := strict.DecodeString(parts[2])
	return err != nil
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(KindMalformedCredential, "token could not be decoded", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(KindInvalidSignature, "token signature could not be verified", err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(KindExpired, "token is outside its validity window", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newError(KindInvalidSignature, "token was not issued for this service", err)
	default:
		return newError(KindMalformedCredential, "token claims are invalid", err)
	}
}
