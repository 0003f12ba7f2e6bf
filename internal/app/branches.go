package app

import (
	"context"
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

const mainBranchName = "main"

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

type CreateBranchInput struct {
	DocumentID   string  `json:"documentId"`
	Name         string  `json:"name"`
	FromBranchID *string `json:"fromBranchId,omitempty"`
}

func (in CreateBranchInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.DocumentID, validation.Required),
		validation.Field(&in.Name,
			validation.Required,
			validation.Match(branchNamePattern).Error("must be 1-100 letters, digits, '-' or '_'"),
		),
	)
}

// CreateBranch forks a branch from fromBranchID, or from main when none is
// given. The new branch starts at its source's head and is never main or
// active.
func (s *Service) CreateBranch(ctx context.Context, session Session, input CreateBranchInput) (store.Branch, error) {
	if err := input.Validate(); err != nil {
		return store.Branch{}, invalidInput(err)
	}

	if _, err := s.store.GetDocument(ctx, input.DocumentID, session.UserID); err != nil {
		return store.Branch{}, s.lookupFailure("Document", err)
	}

	var source store.Branch
	if input.FromBranchID != nil && strings.TrimSpace(*input.FromBranchID) != "" {
		from, err := s.store.GetBranch(ctx, *input.FromBranchID, session.UserID)
		if err != nil {
			return store.Branch{}, s.lookupFailure("Source branch", err)
		}
		if from.DocumentID != input.DocumentID {
			return store.Branch{}, validationError("Source branch belongs to a different document", nil)
		}
		source = from
	} else {
		main, err := s.store.GetMainBranch(ctx, input.DocumentID, session.UserID)
		if err != nil {
			return store.Branch{}, s.lookupFailure("Main branch", err)
		}
		source = main
	}

	now := s.now()
	branch := store.Branch{
		ID:           util.NewID("br"),
		DocumentID:   input.DocumentID,
		OwnerID:      session.UserID,
		Name:         input.Name,
		Content:      source.Content.Clone(),
		WordCount:    source.WordCount,
		BaseCommitID: source.BaseCommitID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateBranch(ctx, branch); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Branch{}, conflictError("A branch named " + input.Name + " already exists")
		}
		return store.Branch{}, s.lookupFailure("Document", err)
	}

	if s.mirror != nil {
		if err := s.mirror.EnsureBranch(branch.DocumentID, branch.Name, source.Name); err != nil {
			s.logger.Warn("mirror branch failed", "branch_id", branch.ID, "error", err)
		}
	}
	return branch, nil
}

// ListBranches returns a document's branches oldest first.
func (s *Service) ListBranches(ctx context.Context, session Session, documentID string) ([]store.Branch, error) {
	if _, err := s.store.GetDocument(ctx, documentID, session.UserID); err != nil {
		return nil, s.lookupFailure("Document", err)
	}
	branches, err := s.store.ListBranches(ctx, documentID, session.UserID)
	if err != nil {
		return nil, s.storeFailure("list branches", err)
	}
	return branches, nil
}

func (s *Service) DeleteBranch(ctx context.Context, session Session, branchID string) error {
	branch, err := s.store.GetBranch(ctx, branchID, session.UserID)
	if err != nil {
		return s.lookupFailure("Branch", err)
	}
	if branch.IsMain {
		return invalidOperation("The main branch cannot be deleted")
	}
	if branch.IsActive {
		return invalidOperation("The active branch cannot be deleted; switch to another branch first")
	}
	if err := s.store.DeleteBranch(ctx, branchID, session.UserID); err != nil {
		return s.lookupFailure("Branch", err)
	}

	if s.mirror != nil {
		if err := s.mirror.DeleteBranch(branch.DocumentID, branch.Name); err != nil {
			s.logger.Warn("mirror branch delete failed", "branch_id", branch.ID, "error", err)
		}
	}
	return nil
}

type ActivateBranchInput struct {
	BaseHash string `json:"baseHash"`
}

// ActivateBranch loads a branch into the document's working copy. Like an
// autosave it only proceeds while the caller's baseHash is current, so
// unsaved edits on the previous branch are never overwritten.
func (s *Service) ActivateBranch(ctx context.Context, session Session, branchID string, input ActivateBranchInput) (AutosaveResult, error) {
	if err := validateBaseHash(input.BaseHash); err != nil {
		return AutosaveResult{}, err
	}
	branch, err := s.store.GetBranch(ctx, branchID, session.UserID)
	if err != nil {
		return AutosaveResult{}, s.lookupFailure("Branch", err)
	}
	doc, err := s.store.GetDocument(ctx, branch.DocumentID, session.UserID)
	if err != nil {
		return AutosaveResult{}, s.lookupFailure("Document", err)
	}
	if doc.ContentHash != input.BaseHash {
		return conflictResult(doc), nil
	}
	if branch.IsActive {
		return savedResult(doc.ContentHash, doc.WordCount), nil
	}

	newHash := content.HashOf(branch.Content).String()
	err = s.store.ActivateBranch(ctx, store.BranchActivation{
		DocumentID:   doc.ID,
		BranchID:     branch.ID,
		OwnerID:      session.UserID,
		ExpectedHash: input.BaseHash,
		NewHash:      newHash,
		Content:      branch.Content,
		WordCount:    branch.WordCount,
		UpdatedAt:    s.now(),
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return s.freshConflict(ctx, session, doc.ID)
	}
	if err != nil {
		return AutosaveResult{}, s.lookupFailure("Branch", err)
	}
	return savedResult(newHash, branch.WordCount), nil
}
