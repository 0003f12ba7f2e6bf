package app

import (
	"context"
	"encoding/json"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
)

const (
	AutosaveSaved    = "saved"
	AutosaveConflict = "conflict"
)

type AutosaveInput struct {
	DocumentID string          `json:"documentId"`
	BaseHash   string          `json:"baseHash"`
	Content    content.Content `json:"content"`
}

// ServerState is the authoritative document state handed back with a
// conflict so the caller can resolve it.
type ServerState struct {
	Content   content.Content `json:"content"`
	Structure json.RawMessage `json:"structure,omitempty"`
	WordCount int             `json:"wordCount"`
	Hash      string          `json:"hash"`
}

// AutosaveResult is either saved, carrying the new base hash, or conflict,
// carrying the server state. A conflict is not an error.
type AutosaveResult struct {
	Status    string       `json:"status"`
	Hash      string       `json:"hash"`
	WordCount int          `json:"wordCount"`
	Server    *ServerState `json:"server,omitempty"`
}

func savedResult(hash string, wordCount int) AutosaveResult {
	return AutosaveResult{Status: AutosaveSaved, Hash: hash, WordCount: wordCount}
}

func conflictResult(doc store.Document) AutosaveResult {
	return AutosaveResult{
		Status:    AutosaveConflict,
		Hash:      doc.ContentHash,
		WordCount: doc.WordCount,
		Server: &ServerState{
			Content:   doc.Content,
			Structure: doc.Content.Structure,
			WordCount: doc.WordCount,
			Hash:      doc.ContentHash,
		},
	}
}

func validateBaseHash(baseHash string) error {
	if err := validation.Validate(baseHash, validation.Required); err != nil {
		return validationError("baseHash is required", nil)
	}
	if _, err := content.ParseHash(baseHash); err != nil {
		return validationError("baseHash is not a valid content hash", nil)
	}
	return nil
}

// Autosave writes the caller's content only if the document still carries
// BaseHash. Otherwise nothing is written and the current server state comes
// back for resolution.
func (s *Service) Autosave(ctx context.Context, session Session, input AutosaveInput) (AutosaveResult, error) {
	if err := validation.Validate(input.DocumentID, validation.Required); err != nil {
		return AutosaveResult{}, validationError("documentId is required", nil)
	}
	if err := validateBaseHash(input.BaseHash); err != nil {
		return AutosaveResult{}, err
	}

	doc, err := s.store.GetDocument(ctx, input.DocumentID, session.UserID)
	if err != nil {
		return AutosaveResult{}, s.lookupFailure("Document", err)
	}
	if doc.ContentHash != input.BaseHash {
		return conflictResult(doc), nil
	}

	body := content.Sanitize(input.Content)
	wordCount := content.WordCount(body)
	newHash := content.HashOf(body).String()
	if newHash == doc.ContentHash && wordCount == doc.WordCount {
		return savedResult(newHash, wordCount), nil
	}

	err = s.store.UpdateDocumentContent(ctx, store.ContentUpdate{
		DocumentID:   doc.ID,
		OwnerID:      session.UserID,
		ExpectedHash: input.BaseHash,
		Content:      body,
		WordCount:    wordCount,
		NewHash:      newHash,
		UpdatedAt:    s.now(),
	})
	if errors.Is(err, store.ErrStaleWrite) {
		s.logger.Debug("autosave lost race", "document_id", doc.ID)
		return s.freshConflict(ctx, session, doc.ID)
	}
	if err != nil {
		return AutosaveResult{}, s.storeFailure("autosave", err)
	}
	return savedResult(newHash, wordCount), nil
}

// freshConflict re-reads the document after a lost conditional update.
func (s *Service) freshConflict(ctx context.Context, session Session, documentID string) (AutosaveResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.UserID)
	if err != nil {
		return AutosaveResult{}, s.lookupFailure("Document", err)
	}
	return conflictResult(doc), nil
}
