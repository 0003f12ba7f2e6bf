package session

import (
	"context"
	"sync"
)

// MemoryStore is the process-local fallback used when Redis is not configured.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (s *MemoryStore) SaveState(_ context.Context, sessionKey string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionKey] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, sessionKey string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *MemoryStore) DeleteState(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionKey)
	return nil
}
