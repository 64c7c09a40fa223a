package cache

import (
	"context"
	"sync"
	"time"

	"github.com/astro-web3/graph-gateway/internal/domain/auth"
)

// memoryRevocations is a process-local revocation list for single-instance
// deployments without redis.
type memoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ auth.RevocationList = (*memoryRevocations)(nil)

func NewMemoryRevocationList() auth.RevocationList {
	return newMemoryRevocations(time.Now)
}

func newMemoryRevocations(now func() time.Time) *memoryRevocations {
	return &memoryRevocations{entries: map[string]time.Time{}, now: now}
}

func (m *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(expires) {
		delete(m.entries, tokenID)
		return false, nil
	}
	return true, nil
}

func (m *memoryRevocations) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, id)
		}
	}
	m.entries[tokenID] = now.Add(ttl)
	return nil
}
