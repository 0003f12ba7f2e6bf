package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope", time.Hour); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestSaveAndLoadState(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	state := []byte(`{"version":1,"undoStack":[],"redoStack":[]}`)
	if err := store.SaveState(ctx, "user-1:doc-1", state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	got, err := store.LoadState(ctx, "user-1:doc-1")
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if string(got) != string(state) {
		t.Errorf("LoadState = %s, want %s", got, state)
	}
	if !s.Exists("undo:user-1:doc-1") {
		t.Error("expected key with undo: prefix")
	}
	if ttl := s.TTL("undo:user-1:doc-1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestLoadExpiredState(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveState(ctx, "k", []byte("{}")); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	s.FastForward(2 * time.Hour)

	if _, err := store.LoadState(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadState after expiry error = %v, want ErrNotFound", err)
	}
}

func TestDeleteState(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.SaveState(ctx, "k", []byte("{}")); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := store.DeleteState(ctx, "k"); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}
	if _, err := store.LoadState(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadState after delete error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteState(ctx, "missing"); err != nil {
		t.Errorf("DeleteState for missing key failed: %v", err)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	state := []byte("abc")
	if err := store.SaveState(ctx, "k", state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	state[0] = 'x'

	got, err := store.LoadState(ctx, "k")
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("LoadState = %q, want abc", got)
	}
}
