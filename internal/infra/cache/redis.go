package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
)

const revokedKeyPrefix = "gateway:revoked:"

type redisRevocations struct {
	client *redis.Client
}

var _ auth.RevocationList = (*redisRevocations)(nil)

const pingTimeout = 2 * time.Second

// NewRedisClient connects to url and checks the server answers before
// returning. The client is closed again when it does not.
func NewRedisClient(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opt.Addr, err)
	}

	return client, nil
}

// NewRevocationList stores revoked token ids in redis with the remaining
// token lifetime as TTL, so entries vanish once the token would have expired.
func NewRevocationList(client *redis.Client) auth.RevocationList {
	return &redisRevocations{client: client}
}

func (r *redisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation in redis: %w", err)
	}
	return n > 0, nil
}

func (r *redisRevocations) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	// The value is informational; presence of the key is what counts.
	if err := r.client.Set(ctx, revokedKeyPrefix+tokenID, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store revocation in redis: %w", err)
	}
	return nil
}
