package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
	httpclient "github.com/astro-web3/graph-gateway/pkg/http"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

const (
	DefaultTTL = 10 * time.Minute
	// Unknown kids trigger a refetch at most this often.
	minRefreshInterval = 30 * time.Second
)

// KeySet is a remote JSON Web Key Set, cached for ttl.
type KeySet struct {
	url    string
	client *httpclient.Client
	ttl    time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	keys        []jose.JSONWebKey
	fetchedAt   time.Time
	attemptedAt time.Time
	lastErr     error

	group singleflight.Group
}

var _ auth.KeySource = (*KeySet)(nil)

func New(url string, client *httpclient.Client, ttl time.Duration) *KeySet {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if client == nil {
		client = httpclient.Default()
	}
	return &KeySet{
		url:    url,
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// VerificationKey returns the key for alg and kid, refetching the set when it
// is stale or the kid is unknown. A failed refetch falls back to the cached
// key; with nothing cached it reports auth.ErrKeysUnavailable.
func (k *KeySet) VerificationKey(ctx context.Context, alg, kid string) (any, error) {
	k.mu.RLock()
	now := k.now()
	fresh := !k.fetchedAt.IsZero() && now.Sub(k.fetchedAt) < k.ttl
	recent := !k.attemptedAt.IsZero() && now.Sub(k.attemptedAt) < minRefreshInterval
	lastErr := k.lastErr
	key, found := k.find(alg, kid)
	k.mu.RUnlock()

	switch {
	case found && (fresh || (recent && lastErr != nil)):
		return key, nil
	case !found && recent && lastErr != nil:
		return nil, fmt.Errorf("%w: %w", auth.ErrKeysUnavailable, lastErr)
	case !found && recent:
		return nil, fmt.Errorf("%w: kid %q", auth.ErrUnknownKey, kid)
	}

	if err := k.refresh(ctx); err != nil {
		if found {
			logger.WarnContext(ctx, "key set refresh failed, using cached key",
				slog.String("url", k.url),
				logger.Err(err),
			)
			return key, nil
		}
		return nil, fmt.Errorf("%w: %w", auth.ErrKeysUnavailable, err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, found := k.find(alg, kid); found {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", auth.ErrUnknownKey, kid)
}

// find must be called with k.mu held.
func (k *KeySet) find(alg, kid string) (any, bool) {
	var match *jose.JSONWebKey
	for i := range k.keys {
		key := &k.keys[i]
		if key.Use != "" && key.Use != "sig" {
			continue
		}
		if key.Algorithm != "" && key.Algorithm != alg {
			continue
		}
		if kid != "" {
			if key.KeyID == kid {
				match = key
				break
			}
			continue
		}
		if match != nil {
			// Several candidates and no kid to choose between them.
			return nil, false
		}
		match = key
	}
	if match == nil {
		return nil, false
	}
	if match.IsPublic() {
		return match.Key, true
	}
	return match.Public().Key, true
}

func (k *KeySet) refresh(ctx context.Context) error {
	_, err, _ := k.group.Do(k.url, func() (any, error) {
		set, err := k.fetch(ctx)

		k.mu.Lock()
		k.attemptedAt = k.now()
		k.lastErr = err
		if err == nil {
			k.keys = set.Keys
			k.fetchedAt = k.attemptedAt
		}
		k.mu.Unlock()

		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "key set refreshed",
			slog.String("url", k.url),
			slog.Int("keys", len(set.Keys)),
		)
		return nil, nil
	})
	return err
}

func (k *KeySet) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	resp, err := k.client.Get(context.WithoutCancel(ctx), k.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key set: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode())
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(resp.Body(), &set); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	return &set, nil
}
