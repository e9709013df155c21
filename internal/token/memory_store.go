package token

import (
	"context"
	"sync"
	"time"

	"depot/api/internal/model"
)

// MemoryStore keeps tokens in process memory. Entries are never swept;
// expiration is enforced lazily by the service on lookup.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]model.Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]model.Token)}
}

func (m *MemoryStore) Set(_ context.Context, key string, t model.Token, _ time.Duration) error {
	m.mu.Lock()
	m.tokens[key] = t
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (model.Token, bool, error) {
	m.mu.RLock()
	t, ok := m.tokens[key]
	m.mu.RUnlock()
	return t, ok, nil
}
