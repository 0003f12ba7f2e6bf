// Package undo implements a bounded, per-session undo/redo history over
// content snapshots.
package undo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tempandmajor/ottowrite-sub000/internal/snapshot"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

const (
	DefaultMaxStackSize = 50
	stateVersion        = 1
)

var ErrInvalidState = errors.New("undo: invalid exported state")

// Entry points at a snapshot; the manager never holds content itself.
type Entry struct {
	ID             string    `json:"id"`
	SnapshotID     string    `json:"snapshotId"`
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	WordCountDelta int       `json:"wordCountDelta"`
}

// Manager is safe for concurrent use; the background flusher reads it while
// the owning session pushes and pops.
type Manager struct {
	mu             sync.Mutex
	maxStackSize   int
	undoStack      []Entry
	redoStack      []Entry
	currentEntryID string
	revision       uint64
	savedRevision  uint64
}

func New(maxStackSize int) *Manager {
	if maxStackSize < 1 {
		maxStackSize = DefaultMaxStackSize
	}
	return &Manager{maxStackSize: maxStackSize}
}

func (m *Manager) MaxStackSize() int {
	return m.maxStackSize
}

// Push records a new state. Any redo history is discarded and the oldest
// entries fall off once the stack exceeds its bound.
func (m *Manager) Push(ref snapshot.Ref, previousWordCount int, description string) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := Entry{
		ID:             util.NewID("ur"),
		SnapshotID:     ref.ID,
		Timestamp:      time.Now().UTC(),
		Description:    description,
		WordCountDelta: ref.WordCount - previousWordCount,
	}
	m.undoStack = append(m.undoStack, entry)
	m.redoStack = nil
	m.currentEntryID = entry.ID
	m.trim()
	m.revision++
	return entry
}

// Undo moves the top entry to the redo stack and returns the snapshot id of
// the state to restore. ok is false when nothing remains to restore.
func (m *Manager) Undo() (snapshotID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.undoStack) == 0 {
		return "", false
	}
	top := m.undoStack[len(m.undoStack)-1]
	m.undoStack = m.undoStack[:len(m.undoStack)-1]
	m.redoStack = append(m.redoStack, top)
	m.trim()
	m.revision++

	if len(m.undoStack) == 0 {
		m.currentEntryID = ""
		return "", false
	}
	current := m.undoStack[len(m.undoStack)-1]
	m.currentEntryID = current.ID
	return current.SnapshotID, true
}

// Redo reapplies the most recently undone entry and returns its snapshot id.
func (m *Manager) Redo() (snapshotID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.redoStack) == 0 {
		return "", false
	}
	top := m.redoStack[len(m.redoStack)-1]
	m.redoStack = m.redoStack[:len(m.redoStack)-1]
	m.undoStack = append(m.undoStack, top)
	m.currentEntryID = top.ID
	m.trim()
	m.revision++
	return top.SnapshotID, true
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

func (m *Manager) CurrentEntryID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentEntryID
}

// Len returns the undo and redo stack depths.
func (m *Manager) Len() (undoDepth, redoDepth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack), len(m.redoStack)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undoStack = nil
	m.redoStack = nil
	m.currentEntryID = ""
	m.revision++
}

type exportedState struct {
	Version        int     `json:"version"`
	UndoStack      []Entry `json:"undoStack"`
	RedoStack      []Entry `json:"redoStack"`
	CurrentEntryID string  `json:"currentEntryId"`
}

func (m *Manager) ExportState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exportLocked()
}

func (m *Manager) exportLocked() ([]byte, error) {
	payload, err := json.Marshal(exportedState{
		Version:        stateVersion,
		UndoStack:      nonNilEntries(m.undoStack),
		RedoStack:      nonNilEntries(m.redoStack),
		CurrentEntryID: m.currentEntryID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal undo state: %w", err)
	}
	return payload, nil
}

// ImportState replaces the history with a previously exported state. On any
// error the manager is left untouched.
func (m *Manager) ImportState(data []byte) error {
	var raw struct {
		Version        *int            `json:"version"`
		UndoStack      json.RawMessage `json:"undoStack"`
		RedoStack      json.RawMessage `json:"redoStack"`
		CurrentEntryID string          `json:"currentEntryId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if raw.Version == nil || *raw.Version != stateVersion {
		return fmt.Errorf("%w: unsupported version", ErrInvalidState)
	}
	undoStack, err := decodeStack(raw.UndoStack)
	if err != nil {
		return fmt.Errorf("%w: undoStack: %v", ErrInvalidState, err)
	}
	redoStack, err := decodeStack(raw.RedoStack)
	if err != nil {
		return fmt.Errorf("%w: redoStack: %v", ErrInvalidState, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.undoStack = undoStack
	m.redoStack = redoStack
	m.currentEntryID = raw.CurrentEntryID
	m.trim()
	m.revision++
	m.savedRevision = m.revision
	return nil
}

func decodeStack(raw json.RawMessage) ([]Entry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("expected an array")
	}
	var entries []Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, err
	}
	for i, entry := range entries {
		if entry.ID == "" || entry.SnapshotID == "" {
			return nil, fmt.Errorf("entry %d is missing id or snapshotId", i)
		}
	}
	return entries, nil
}

// pendingState returns the exported state when it changed since the last
// save.
func (m *Manager) pendingState() ([]byte, uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revision == m.savedRevision {
		return nil, 0, false, nil
	}
	state, err := m.exportLocked()
	if err != nil {
		return nil, 0, false, err
	}
	return state, m.revision, true, nil
}

func (m *Manager) markSaved(revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revision > m.savedRevision {
		m.savedRevision = revision
	}
}

func (m *Manager) trim() {
	if over := len(m.undoStack) - m.maxStackSize; over > 0 {
		m.undoStack = append([]Entry(nil), m.undoStack[over:]...)
	}
	if over := len(m.redoStack) - m.maxStackSize; over > 0 {
		m.redoStack = append([]Entry(nil), m.redoStack[over:]...)
	}
}

func nonNilEntries(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
