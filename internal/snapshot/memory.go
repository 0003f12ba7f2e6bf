package snapshot

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func (s *MemoryStore) Create(_ context.Context, snap Snapshot) (Ref, error) {
	snap = prepare(snap)
	s.mu.Lock()
	s.items[snap.ID] = snap
	s.mu.Unlock()
	return Ref{ID: snap.ID, WordCount: snap.WordCount}, nil
}

func (s *MemoryStore) Fetch(_ context.Context, id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Content = snap.Content.Clone()
	return snap, nil
}
