package claims

import (
	"context"
	"fmt"
	"sync"

	"github.com/opside/reconciler/internal/core"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	claims map[string]core.ClaimCandidate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]core.ClaimCandidate)}
}

func (m *MemoryStore) Save(ctx context.Context, claim *core.ClaimCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[claim.ClaimID] = *claim
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, claimID string) (*core.ClaimCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[claimID]
	if !ok {
		return nil, fmt.Errorf("claims: claim %s not found", claimID)
	}
	return &c, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.claims)
}
