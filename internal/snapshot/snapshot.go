// Package snapshot stores immutable content snapshots referenced by undo
// history entries.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

var ErrNotFound = errors.New("snapshot not found")

type Snapshot struct {
	ID          string          `json:"id"`
	DocumentID  string          `json:"documentId"`
	Content     content.Content `json:"content"`
	WordCount   int             `json:"wordCount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Ref is what Create hands back to the undo manager.
type Ref struct {
	ID        string `json:"id"`
	WordCount int    `json:"wordCount"`
}

type Store interface {
	Create(ctx context.Context, snap Snapshot) (Ref, error)
	Fetch(ctx context.Context, id string) (Snapshot, error)
}

// prepare fills the id, timestamp and server-side word count of a snapshot
// about to be written.
func prepare(snap Snapshot) Snapshot {
	if snap.ID == "" {
		snap.ID = util.NewID("snap")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	snap.Content = snap.Content.Clone()
	snap.WordCount = content.WordCount(snap.Content)
	return snap
}

func encode(snap Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
