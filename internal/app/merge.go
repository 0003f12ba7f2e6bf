package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

type MergeInput struct {
	SourceBranchID  string           `json:"sourceBranchId"`
	TargetBranchID  string           `json:"targetBranchId"`
	ResolvedContent *content.Content `json:"resolvedContent,omitempty"`
	Message         string           `json:"message,omitempty"`
}

func (in MergeInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.SourceBranchID, validation.Required),
		validation.Field(&in.TargetBranchID, validation.Required),
		validation.Field(&in.Message, validation.RuneLength(0, 2000)),
	)
}

type MergeResult struct {
	MergeID           string        `json:"mergeId"`
	HasConflicts      bool          `json:"hasConflicts"`
	ConflictsResolved bool          `json:"conflictsResolved"`
	Conflicts         []Conflict    `json:"conflicts"`
	Commit            *store.Commit `json:"commit,omitempty"`
	Target            *store.Branch `json:"target,omitempty"`
}

// MergeView is a stored merge record with its conflicts decoded.
type MergeView struct {
	ID                string     `json:"id"`
	DocumentID        string     `json:"documentId"`
	SourceBranchID    string     `json:"sourceBranchId"`
	TargetBranchID    string     `json:"targetBranchId"`
	SourceCommitID    *string    `json:"sourceCommitId"`
	TargetCommitID    *string    `json:"targetCommitId"`
	MergeCommitID     *string    `json:"mergeCommitId"`
	HasConflicts      bool       `json:"hasConflicts"`
	ConflictsResolved bool       `json:"conflictsResolved"`
	Conflicts         []Conflict `json:"conflicts"`
	MergedAt          time.Time  `json:"mergedAt"`
}

// Merge merges source into target.
//
// When the branches conflict and no ResolvedContent is supplied, an
// unresolved merge record is stored, the target is left untouched, and the
// conflicts are returned for manual resolution. Otherwise one merge commit
// lands on the target, atomically with its merge record; the word count is
// always recomputed from the final content.
func (s *Service) Merge(ctx context.Context, session Session, input MergeInput) (MergeResult, error) {
	input.Message = strings.TrimSpace(input.Message)
	if err := input.Validate(); err != nil {
		return MergeResult{}, invalidInput(err)
	}
	if input.SourceBranchID == input.TargetBranchID {
		return MergeResult{}, validationError("Source and target branch must differ", nil)
	}

	source, err := s.store.GetBranch(ctx, input.SourceBranchID, session.UserID)
	if err != nil {
		return MergeResult{}, s.lookupFailure("Source branch", err)
	}
	target, err := s.store.GetBranch(ctx, input.TargetBranchID, session.UserID)
	if err != nil {
		return MergeResult{}, s.lookupFailure("Target branch", err)
	}
	if source.DocumentID != target.DocumentID {
		return MergeResult{}, validationError("Branches belong to different documents", nil)
	}

	conflicts := ClassifyConflicts(source.Content, target.Content)
	hasConflicts := len(conflicts) > 0
	conflictData, err := encodeConflicts(conflicts)
	if err != nil {
		return MergeResult{}, s.storeFailure("encode conflicts", err)
	}

	now := s.now()
	record := store.MergeRecord{
		ID:             util.NewID("mg"),
		DocumentID:     source.DocumentID,
		SourceBranchID: source.ID,
		TargetBranchID: target.ID,
		SourceCommitID: source.BaseCommitID,
		TargetCommitID: target.BaseCommitID,
		OwnerID:        session.UserID,
		HasConflicts:   hasConflicts,
		ConflictData:   conflictData,
		MergedAt:       now,
	}

	if hasConflicts && input.ResolvedContent == nil {
		if err := s.store.RecordMerge(ctx, record); err != nil {
			return MergeResult{}, s.storeFailure("record merge", err)
		}
		s.logger.Info("merge blocked by conflicts", "merge_id", record.ID, "conflicts", len(conflicts))
		return MergeResult{
			MergeID:      record.ID,
			HasConflicts: true,
			Conflicts:    conflicts,
		}, nil
	}

	final := source.Content
	if input.ResolvedContent != nil {
		final = *input.ResolvedContent
	}
	final = content.Sanitize(final)

	message := input.Message
	if message == "" {
		message = fmt.Sprintf("Merge %s into %s", source.Name, target.Name)
	}
	commit := store.Commit{
		ID:             util.NewID("cm"),
		DocumentID:     target.DocumentID,
		BranchID:       target.ID,
		ParentCommitID: target.BaseCommitID,
		OwnerID:        session.UserID,
		Message:        message,
		Content:        final,
		WordCount:      content.WordCount(final),
		Author:         session.UserName,
		CreatedAt:      now,
	}
	record.MergeCommitID = &commit.ID
	record.ConflictsResolved = hasConflicts

	err = s.store.ApplyMerge(ctx, store.MergeApplication{
		CommitAppend: store.CommitAppend{
			Commit:       commit,
			ExpectedHead: target.BaseCommitID,
			ContentHash:  content.HashOf(final).String(),
		},
		Record: record,
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return MergeResult{}, invalidOperation("Target branch moved during the merge; retry")
	}
	if err != nil {
		return MergeResult{}, s.storeFailure("apply merge", err)
	}

	s.recordCommit(target.Name, commit)

	target.Content = final
	target.WordCount = commit.WordCount
	target.BaseCommitID = &commit.ID
	target.UpdatedAt = now
	return MergeResult{
		MergeID:           record.ID,
		HasConflicts:      hasConflicts,
		ConflictsResolved: record.ConflictsResolved,
		Conflicts:         conflicts,
		Commit:            &commit,
		Target:            &target,
	}, nil
}

func (s *Service) GetMerge(ctx context.Context, session Session, mergeID string) (MergeView, error) {
	record, err := s.store.GetMerge(ctx, mergeID, session.UserID)
	if err != nil {
		return MergeView{}, s.lookupFailure("Merge", err)
	}
	conflicts, err := decodeConflicts(record.ConflictData)
	if err != nil {
		s.logger.Error("stored conflict data unreadable", "merge_id", mergeID, "error", err)
		return MergeView{}, internalError(err)
	}
	return MergeView{
		ID:                record.ID,
		DocumentID:        record.DocumentID,
		SourceBranchID:    record.SourceBranchID,
		TargetBranchID:    record.TargetBranchID,
		SourceCommitID:    record.SourceCommitID,
		TargetCommitID:    record.TargetCommitID,
		MergeCommitID:     record.MergeCommitID,
		HasConflicts:      record.HasConflicts,
		ConflictsResolved: record.ConflictsResolved,
		Conflicts:         conflicts,
		MergedAt:          record.MergedAt,
	}, nil
}
