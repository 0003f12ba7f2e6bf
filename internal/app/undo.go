package app

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/snapshot"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/undo"
)

type PushUndoInput struct {
	Content     content.Content `json:"content"`
	Description string          `json:"description"`
}

type UndoState struct {
	CanUndo        bool   `json:"canUndo"`
	CanRedo        bool   `json:"canRedo"`
	UndoDepth      int    `json:"undoDepth"`
	RedoDepth      int    `json:"redoDepth"`
	CurrentEntryID string `json:"currentEntryId"`
	MaxStackSize   int    `json:"maxStackSize"`
}

type PushUndoResult struct {
	Entry undo.Entry `json:"entry"`
	State UndoState  `json:"state"`
}

// UndoStepResult is the snapshot to restore after an undo or redo. Snapshot
// is nil when there is nothing to restore.
type UndoStepResult struct {
	Snapshot *snapshot.Snapshot `json:"snapshot"`
	State    UndoState          `json:"state"`
}

func stateOf(m *undo.Manager) UndoState {
	undoDepth, redoDepth := m.Len()
	return UndoState{
		CanUndo:        undoDepth > 0,
		CanRedo:        redoDepth > 0,
		UndoDepth:      undoDepth,
		RedoDepth:      redoDepth,
		CurrentEntryID: m.CurrentEntryID(),
		MaxStackSize:   m.MaxStackSize(),
	}
}

// undoManager resolves the caller's history for a document they own.
func (s *Service) undoManager(ctx context.Context, session Session, documentID string) (*undo.Manager, store.Document, error) {
	if s.sessions == nil || s.snapshots == nil {
		return nil, store.Document{}, invalidOperation("Undo history is not enabled")
	}
	doc, err := s.store.GetDocument(ctx, documentID, session.UserID)
	if err != nil {
		return nil, store.Document{}, s.lookupFailure("Document", err)
	}
	m, err := s.sessions.Manager(ctx, session.UserID, documentID)
	if err != nil {
		s.logger.Error("load undo session failed", "document_id", documentID, "error", err)
		return nil, store.Document{}, internalError(err)
	}
	return m, doc, nil
}

// PushUndo snapshots content and records it as the newest undo step. The
// word-count delta is measured against the stored document.
func (s *Service) PushUndo(ctx context.Context, session Session, documentID string, input PushUndoInput) (PushUndoResult, error) {
	input.Description = strings.TrimSpace(input.Description)
	if err := validation.Validate(input.Description, validation.RuneLength(0, 500)); err != nil {
		return PushUndoResult{}, validationError("description: "+err.Error(), nil)
	}
	m, doc, err := s.undoManager(ctx, session, documentID)
	if err != nil {
		return PushUndoResult{}, err
	}

	ref, err := s.snapshots.Create(ctx, snapshot.Snapshot{
		DocumentID:  documentID,
		Content:     content.Sanitize(input.Content),
		Description: input.Description,
	})
	if err != nil {
		s.logger.Error("create snapshot failed", "document_id", documentID, "error", err)
		return PushUndoResult{}, internalError(err)
	}

	entry := m.Push(ref, doc.WordCount, input.Description)
	return PushUndoResult{Entry: entry, State: stateOf(m)}, nil
}

func (s *Service) Undo(ctx context.Context, session Session, documentID string) (UndoStepResult, error) {
	m, _, err := s.undoManager(ctx, session, documentID)
	if err != nil {
		return UndoStepResult{}, err
	}
	snapshotID, ok := m.Undo()
	return s.restore(ctx, m, documentID, snapshotID, ok)
}

func (s *Service) Redo(ctx context.Context, session Session, documentID string) (UndoStepResult, error) {
	m, _, err := s.undoManager(ctx, session, documentID)
	if err != nil {
		return UndoStepResult{}, err
	}
	snapshotID, ok := m.Redo()
	return s.restore(ctx, m, documentID, snapshotID, ok)
}

func (s *Service) UndoState(ctx context.Context, session Session, documentID string) (UndoState, error) {
	m, _, err := s.undoManager(ctx, session, documentID)
	if err != nil {
		return UndoState{}, err
	}
	return stateOf(m), nil
}

// ClearUndo discards the caller's undo and redo history for a document.
func (s *Service) ClearUndo(ctx context.Context, session Session, documentID string) error {
	if _, _, err := s.undoManager(ctx, session, documentID); err != nil {
		return err
	}
	if err := s.sessions.Forget(ctx, session.UserID, documentID); err != nil {
		s.logger.Error("clear undo session failed", "document_id", documentID, "error", err)
		return internalError(err)
	}
	return nil
}

func (s *Service) restore(ctx context.Context, m *undo.Manager, documentID, snapshotID string, ok bool) (UndoStepResult, error) {
	result := UndoStepResult{State: stateOf(m)}
	if !ok {
		return result, nil
	}
	snap, err := s.snapshots.Fetch(ctx, snapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return UndoStepResult{}, notFound("Snapshot")
	}
	if err != nil {
		s.logger.Error("fetch snapshot failed", "snapshot_id", snapshotID, "error", err)
		return UndoStepResult{}, internalError(err)
	}
	if snap.DocumentID != documentID {
		return UndoStepResult{}, notFound("Snapshot")
	}
	result.Snapshot = &snap
	return result, nil
}
