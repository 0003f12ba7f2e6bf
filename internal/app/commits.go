package app

import (
	"context"
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/gitrepo"
	"github.com/tempandmajor/ottowrite-sub000/internal/search"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

const (
	defaultCommitLimit = 50
	maxCommitLimit     = 200
)

var archiveHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

type CreateCommitInput struct {
	BranchID       string           `json:"branchId"`
	ParentCommitID *string          `json:"parentCommitId,omitempty"`
	Content        *content.Content `json:"content,omitempty"`
	Message        string           `json:"message"`
}

func (in CreateCommitInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.BranchID, validation.Required),
		validation.Field(&in.Message, validation.RuneLength(0, 2000)),
	)
}

// CreateCommit appends a commit to a branch and advances its head. Content
// defaults to the branch's working copy; the word count is always computed
// here, never taken from the caller.
func (s *Service) CreateCommit(ctx context.Context, session Session, input CreateCommitInput) (store.Commit, error) {
	input.Message = strings.TrimSpace(input.Message)
	if err := input.Validate(); err != nil {
		return store.Commit{}, invalidInput(err)
	}

	branch, err := s.store.GetBranch(ctx, input.BranchID, session.UserID)
	if err != nil {
		return store.Commit{}, s.lookupFailure("Branch", err)
	}

	parent := branch.BaseCommitID
	if input.ParentCommitID != nil && *input.ParentCommitID != branch.Head() {
		if err := s.checkParent(ctx, session, branch, *input.ParentCommitID); err != nil {
			return store.Commit{}, err
		}
		parent = input.ParentCommitID
	}

	body := branch.Content
	if input.Content != nil {
		body = content.Sanitize(*input.Content)
	}
	message := input.Message
	if message == "" {
		message = "Update " + branch.Name
	}

	commit := store.Commit{
		ID:             util.NewID("cm"),
		DocumentID:     branch.DocumentID,
		BranchID:       branch.ID,
		ParentCommitID: parent,
		OwnerID:        session.UserID,
		Message:        message,
		Content:        body,
		WordCount:      content.WordCount(body),
		Author:         session.UserName,
		CreatedAt:      s.now(),
	}
	err = s.store.AppendCommit(ctx, store.CommitAppend{
		Commit:       commit,
		ExpectedHead: branch.BaseCommitID,
		ContentHash:  content.HashOf(body).String(),
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return store.Commit{}, invalidOperation("Branch head moved; reload the branch and retry")
	}
	if err != nil {
		return store.Commit{}, s.storeFailure("append commit", err)
	}

	s.recordCommit(branch.Name, commit)
	return commit, nil
}

// checkParent accepts a parent only when it is the branch head or one of the
// head's ancestors.
func (s *Service) checkParent(ctx context.Context, session Session, branch store.Branch, parentID string) error {
	if _, err := s.store.GetCommit(ctx, parentID, session.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationError("parentCommitId does not exist", nil)
		}
		return s.storeFailure("load parent commit", err)
	}
	if branch.BaseCommitID == nil {
		return validationError("parentCommitId is not on this branch's history", nil)
	}
	ok, err := s.store.IsAncestor(ctx, parentID, *branch.BaseCommitID)
	if err != nil {
		return s.storeFailure("check ancestry", err)
	}
	if !ok {
		return validationError("parentCommitId is not on this branch's history", nil)
	}
	return nil
}

// recordCommit mirrors and indexes a stored commit. Neither step can fail the
// request.
func (s *Service) recordCommit(branchName string, commit store.Commit) {
	if s.mirror != nil {
		_, err := s.mirror.CommitContent(commit.DocumentID, gitrepo.Record{
			CommitID: commit.ID,
			Branch:   branchName,
			Message:  commit.Message,
			Author:   commit.Author,
			Content:  commit.Content,
			At:       commit.CreatedAt,
		})
		if err != nil {
			s.logger.Warn("mirror commit failed", "commit_id", commit.ID, "error", err)
		}
	}
	s.search.IndexCommit(search.RecordFromCommit(commit))
}

// LatestCommit returns nil when the branch has no commits yet.
func (s *Service) LatestCommit(ctx context.Context, session Session, branchID string) (*store.Commit, error) {
	if _, err := s.store.GetBranch(ctx, branchID, session.UserID); err != nil {
		return nil, s.lookupFailure("Branch", err)
	}
	commit, err := s.store.LatestCommit(ctx, branchID, session.UserID)
	if err != nil {
		return nil, s.storeFailure("latest commit", err)
	}
	return commit, nil
}

func (s *Service) ListCommits(ctx context.Context, session Session, branchID string, limit int) ([]store.Commit, error) {
	if _, err := s.store.GetBranch(ctx, branchID, session.UserID); err != nil {
		return nil, s.lookupFailure("Branch", err)
	}
	commits, err := s.store.ListCommits(ctx, branchID, session.UserID, clampLimit(limit))
	if err != nil {
		return nil, s.storeFailure("list commits", err)
	}
	return commits, nil
}

func (s *Service) GetCommit(ctx context.Context, session Session, commitID string) (store.Commit, error) {
	commit, err := s.store.GetCommit(ctx, commitID, session.UserID)
	if err != nil {
		return store.Commit{}, s.lookupFailure("Commit", err)
	}
	return commit, nil
}

// SearchCommits matches commit messages across a document's branches.
func (s *Service) SearchCommits(ctx context.Context, session Session, documentID, query string, limit int) (search.Response, error) {
	query = strings.TrimSpace(query)
	if err := validation.Validate(query, validation.Required, validation.RuneLength(1, 200)); err != nil {
		return search.Response{}, validationError("q: "+err.Error(), nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID, session.UserID); err != nil {
		return search.Response{}, s.lookupFailure("Document", err)
	}

	resp, err := s.search.Search(ctx, search.Query{
		DocumentID: documentID,
		OwnerID:    session.UserID,
		Text:       query,
		Limit:      clampLimit(limit),
	})
	if err != nil {
		return search.Response{}, s.storeFailure("search commits", err)
	}
	return resp, nil
}

// ArchiveHistory reads a branch's history back from the git mirror.
func (s *Service) ArchiveHistory(ctx context.Context, session Session, branchID string, limit int) ([]gitrepo.Entry, error) {
	branch, err := s.store.GetBranch(ctx, branchID, session.UserID)
	if err != nil {
		return nil, s.lookupFailure("Branch", err)
	}
	if s.mirror == nil {
		return nil, invalidOperation("History archive is not enabled")
	}
	entries, err := s.mirror.History(branch.DocumentID, branch.Name, clampLimit(limit))
	if errors.Is(err, gitrepo.ErrNoRepository) {
		return []gitrepo.Entry{}, nil
	}
	if err != nil {
		s.logger.Error("read archive history failed", "branch_id", branch.ID, "error", err)
		return nil, internalError(err)
	}
	if entries == nil {
		entries = []gitrepo.Entry{}
	}
	return entries, nil
}

// ArchivedContent reads the content a mirrored commit recorded. The hash
// must appear in the branch's archive history.
func (s *Service) ArchivedContent(ctx context.Context, session Session, branchID, hash string) (content.Content, error) {
	if !archiveHashPattern.MatchString(hash) {
		return content.Content{}, validationError("hash must be a 40-character commit id", nil)
	}
	branch, err := s.store.GetBranch(ctx, branchID, session.UserID)
	if err != nil {
		return content.Content{}, s.lookupFailure("Branch", err)
	}
	if s.mirror == nil {
		return content.Content{}, invalidOperation("History archive is not enabled")
	}

	entries, err := s.mirror.History(branch.DocumentID, branch.Name, 0)
	if errors.Is(err, gitrepo.ErrNoRepository) {
		return content.Content{}, notFound("Archived commit")
	}
	if err != nil {
		s.logger.Error("read archive history failed", "branch_id", branch.ID, "error", err)
		return content.Content{}, internalError(err)
	}
	onBranch := false
	for _, entry := range entries {
		if entry.Hash == hash {
			onBranch = true
			break
		}
	}
	if !onBranch {
		return content.Content{}, notFound("Archived commit")
	}

	body, err := s.mirror.ContentAt(branch.DocumentID, hash)
	if errors.Is(err, gitrepo.ErrNoRepository) || errors.Is(err, gitrepo.ErrUnknownRevision) {
		return content.Content{}, notFound("Archived commit")
	}
	if err != nil {
		s.logger.Error("read archived content failed", "branch_id", branch.ID, "hash", hash, "error", err)
		return content.Content{}, internalError(err)
	}
	return body, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultCommitLimit
	}
	if limit > maxCommitLimit {
		return maxCommitLimit
	}
	return limit
}
