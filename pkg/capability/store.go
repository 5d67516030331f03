package capability

import (
	"context"
	"errors"
	"sync"
)

// ErrTokenNotFound is returned by stores for unknown token ids.
var ErrTokenNotFound = errors.New("capability: token not found")

// Store persists token records. Implementations must be safe for concurrent
// use; linearizability per token id is provided by the Service's per-token
// locks, not by the store.
type Store interface {
	Put(ctx context.Context, t Token) error
	Get(ctx context.Context, tokenID string) (Token, error)
	// Delete removes a token record. Deleting an absent id is a no-op.
	Delete(ctx context.Context, tokenID string) error
}

// MemoryStore keeps tokens in process memory. The default for single-node
// deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Put(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenID] = t
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tokenID string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}
