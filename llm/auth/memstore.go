package auth

import (
	"context"
	"sync"

	"github.com/greyhelm/lorekeeper/types"
)

// MemoryStore keeps tokens in a process-lifetime map. Useful for tests and
// embedding scenarios where persistence is unwanted.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]types.TokenInfo
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]types.TokenInfo)}
}

func (s *MemoryStore) Load(ctx context.Context, provider string) (*types.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[provider]
	if !ok {
		return nil, ErrNotFound
	}
	out := tok
	return &out, nil
}

func (s *MemoryStore) Save(ctx context.Context, provider string, token *types.TokenInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider] = *token
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}
