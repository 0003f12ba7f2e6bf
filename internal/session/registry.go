package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tempandmajor/ottowrite-sub000/internal/undo"
)

// StateStore is where undo history lives between requests and restarts.
type StateStore interface {
	undo.StateSaver
	LoadState(ctx context.Context, sessionKey string) ([]byte, error)
	DeleteState(ctx context.Context, sessionKey string) error
}

type evicted struct {
	key     string
	manager *undo.Manager
}

// Registry owns the live undo managers, one per (user, document) pair.
// Managers evicted from the LRU are persisted and reloaded on next use.
type Registry struct {
	store        StateStore
	flusher      *undo.Flusher
	maxStackSize int
	logger       *slog.Logger

	mu      sync.Mutex
	cache   *lru.Cache[string, *undo.Manager]
	evicted []evicted
}

func NewRegistry(store StateStore, flusher *undo.Flusher, maxSessions, maxStackSize int, logger *slog.Logger) (*Registry, error) {
	if maxSessions < 1 {
		maxSessions = 1024
	}
	r := &Registry{
		store:        store,
		flusher:      flusher,
		maxStackSize: maxStackSize,
		logger:       logger,
	}
	cache, err := lru.NewWithEvict[string, *undo.Manager](maxSessions, r.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

func Key(userID, documentID string) string {
	return userID + ":" + documentID
}

// Manager returns the caller's undo manager for a document, restoring any
// persisted history the first time it is requested.
func (r *Registry) Manager(ctx context.Context, userID, documentID string) (*undo.Manager, error) {
	key := Key(userID, documentID)

	r.mu.Lock()
	if m, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m := undo.New(r.maxStackSize)
	state, err := r.store.LoadState(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := m.ImportState(state); err != nil {
			r.logger.Warn("discarding unreadable undo state", "session", key, "error", err)
		}
	}

	r.mu.Lock()
	if existing, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.cache.Add(key, m)
	pending := r.evicted
	r.evicted = nil
	r.mu.Unlock()

	if r.flusher != nil {
		r.flusher.Track(key, m)
	}
	r.persistEvicted(pending)
	return m, nil
}

// Forget drops a session and its persisted history.
func (r *Registry) Forget(ctx context.Context, userID, documentID string) error {
	key := Key(userID, documentID)
	r.mu.Lock()
	r.cache.Remove(key)
	r.evicted = nil
	r.mu.Unlock()
	if r.flusher != nil {
		r.flusher.Untrack(key)
	}
	return r.store.DeleteState(ctx, key)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// handleEviction runs under r.mu, inside cache.Add or cache.Remove.
func (r *Registry) handleEviction(key string, m *undo.Manager) {
	r.evicted = append(r.evicted, evicted{key: key, manager: m})
}

func (r *Registry) persistEvicted(pending []evicted) {
	for _, e := range pending {
		if r.flusher != nil {
			r.flusher.Untrack(e.key)
		}
		state, err := e.manager.ExportState()
		if err != nil {
			r.logger.Warn("undo state export failed", "session", e.key, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.SaveState(ctx, e.key, state); err != nil {
			r.logger.Warn("persist evicted undo state failed", "session", e.key, "error", err)
		}
		cancel()
	}
}
