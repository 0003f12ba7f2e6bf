package undo

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StateSaver persists exported manager state under a session key.
type StateSaver interface {
	SaveState(ctx context.Context, key string, state []byte) error
}

// Flusher periodically persists every tracked manager whose history changed
// since its last save. Saves run on the flusher goroutine and never hold a
// manager's lock while talking to the saver.
type Flusher struct {
	saver    StateSaver
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewFlusher(saver StateSaver, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{
		saver:    saver,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		managers: make(map[string]*Manager),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (f *Flusher) Track(key string, m *Manager) {
	f.mu.Lock()
	f.managers[key] = m
	f.mu.Unlock()
}

func (f *Flusher) Untrack(key string) {
	f.mu.Lock()
	delete(f.managers, key)
	f.mu.Unlock()
}

// Start launches the background loop. Calling it more than once is a no-op.
func (f *Flusher) Start() {
	f.startOnce.Do(func() {
		go f.loop()
	})
}

func (f *Flusher) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			f.Flush(ctx)
			cancel()
		}
	}
}

// Flush saves every dirty manager once and returns how many were written.
func (f *Flusher) Flush(ctx context.Context) int {
	f.mu.Lock()
	pending := make(map[string]*Manager, len(f.managers))
	for key, m := range f.managers {
		pending[key] = m
	}
	f.mu.Unlock()

	saved := 0
	for key, m := range pending {
		if f.Save(ctx, key, m) {
			saved++
		}
	}
	return saved
}

// Save writes one manager if it has unsaved changes. Failures are logged and
// retried on the next tick.
func (f *Flusher) Save(ctx context.Context, key string, m *Manager) bool {
	state, revision, dirty, err := m.pendingState()
	if err != nil {
		f.logger.Warn("undo state export failed", "session", key, "error", err)
		return false
	}
	if !dirty {
		return false
	}
	if err := f.saver.SaveState(ctx, key, state); err != nil {
		f.logger.Warn("undo state flush failed", "session", key, "error", err)
		return false
	}
	m.markSaved(revision)
	return true
}

// Stop ends the loop and performs a final flush bounded by ctx.
func (f *Flusher) Stop(ctx context.Context) {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	f.startOnce.Do(func() {
		close(f.done)
	})
	select {
	case <-f.done:
		f.Flush(ctx)
	case <-ctx.Done():
	}
}
