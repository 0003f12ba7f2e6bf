package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is an in-process store with the same conditional-update
// semantics as PostgresStore. It backs local development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]Document
	branches  map[string]Branch
	branchSeq []string
	commits   map[string]Commit
	commitSeq []string
	merges    map[string]MergeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]Document),
		branches:  make(map[string]Branch),
		commits:   make(map[string]Commit),
		merges:    make(map[string]MergeRecord),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document, main Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return ErrDuplicate
	}
	if err := s.checkBranchInsert(main); err != nil {
		return err
	}
	s.documents[doc.ID] = cloneDocument(doc)
	s.putBranch(main)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID, ownerID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || doc.OwnerID != ownerID {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) UpdateDocumentContent(_ context.Context, update ContentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[update.DocumentID]
	if !ok || doc.OwnerID != update.OwnerID || doc.ContentHash != update.ExpectedHash {
		return ErrStaleWrite
	}
	doc.Content = update.Content.Clone()
	doc.WordCount = update.WordCount
	doc.ContentHash = update.NewHash
	doc.UpdatedAt = update.UpdatedAt
	s.documents[doc.ID] = doc

	for id, branch := range s.branches {
		if branch.DocumentID == doc.ID && branch.IsActive {
			branch.Content = update.Content.Clone()
			branch.WordCount = update.WordCount
			branch.UpdatedAt = update.UpdatedAt
			s.branches[id] = branch
		}
	}
	return nil
}

func (s *MemoryStore) CreateBranch(_ context.Context, branch Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[branch.DocumentID]; !ok {
		return ErrNotFound
	}
	if err := s.checkBranchInsert(branch); err != nil {
		return err
	}
	s.putBranch(branch)
	return nil
}

func (s *MemoryStore) checkBranchInsert(branch Branch) error {
	if _, exists := s.branches[branch.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range s.branches {
		if existing.DocumentID != branch.DocumentID {
			continue
		}
		if existing.Name == branch.Name || (existing.IsMain && branch.IsMain) || (existing.IsActive && branch.IsActive) {
			return ErrDuplicate
		}
	}
	return nil
}

func (s *MemoryStore) putBranch(branch Branch) {
	s.branches[branch.ID] = cloneBranch(branch)
	s.branchSeq = append(s.branchSeq, branch.ID)
}

func (s *MemoryStore) GetBranch(_ context.Context, branchID, ownerID string) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok || branch.OwnerID != ownerID {
		return Branch{}, ErrNotFound
	}
	return cloneBranch(branch), nil
}

func (s *MemoryStore) GetMainBranch(_ context.Context, documentID, ownerID string) (Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, branch := range s.branches {
		if branch.DocumentID == documentID && branch.OwnerID == ownerID && branch.IsMain {
			return cloneBranch(branch), nil
		}
	}
	return Branch{}, ErrNotFound
}

func (s *MemoryStore) ListBranches(_ context.Context, documentID, ownerID string) ([]Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Branch, 0)
	for _, id := range s.branchSeq {
		branch, ok := s.branches[id]
		if !ok || branch.DocumentID != documentID || branch.OwnerID != ownerID {
			continue
		}
		items = append(items, cloneBranch(branch))
	}
	sortBranches(items)
	return items, nil
}

func (s *MemoryStore) DeleteBranch(_ context.Context, branchID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok || branch.OwnerID != ownerID || branch.IsMain {
		return ErrNotFound
	}
	delete(s.branches, branchID)
	for i, id := range s.branchSeq {
		if id == branchID {
			s.branchSeq = append(s.branchSeq[:i], s.branchSeq[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ActivateBranch(_ context.Context, activation BranchActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[activation.DocumentID]
	if !ok || doc.OwnerID != activation.OwnerID || doc.ContentHash != activation.ExpectedHash {
		return ErrStaleWrite
	}
	target, ok := s.branches[activation.BranchID]
	if !ok || target.DocumentID != activation.DocumentID || target.OwnerID != activation.OwnerID {
		return ErrNotFound
	}

	doc.Content = activation.Content.Clone()
	doc.WordCount = activation.WordCount
	doc.ContentHash = activation.NewHash
	doc.UpdatedAt = activation.UpdatedAt
	s.documents[doc.ID] = doc

	for id, branch := range s.branches {
		if branch.DocumentID == activation.DocumentID && branch.IsActive {
			branch.IsActive = false
			s.branches[id] = branch
		}
	}
	target.IsActive = true
	target.UpdatedAt = activation.UpdatedAt
	s.branches[target.ID] = target
	return nil
}

func (s *MemoryStore) AppendCommit(_ context.Context, change CommitAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAppend(change); err != nil {
		return err
	}
	s.applyAppend(change)
	return nil
}

func (s *MemoryStore) ApplyMerge(_ context.Context, merge MergeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAppend(merge.CommitAppend); err != nil {
		return err
	}
	if _, exists := s.merges[merge.Record.ID]; exists {
		return ErrDuplicate
	}
	s.applyAppend(merge.CommitAppend)
	s.merges[merge.Record.ID] = cloneMerge(merge.Record)
	return nil
}

func (s *MemoryStore) checkAppend(change CommitAppend) error {
	branch, ok := s.branches[change.Commit.BranchID]
	if !ok || branch.OwnerID != change.Commit.OwnerID || !equalHead(branch.BaseCommitID, change.ExpectedHead) {
		return ErrStaleWrite
	}
	if _, exists := s.commits[change.Commit.ID]; exists {
		return ErrDuplicate
	}
	return nil
}

func (s *MemoryStore) applyAppend(change CommitAppend) {
	commit := cloneCommit(change.Commit)
	s.commits[commit.ID] = commit
	s.commitSeq = append(s.commitSeq, commit.ID)

	branch := s.branches[commit.BranchID]
	branch.BaseCommitID = stringPtr(commit.ID)
	branch.Content = commit.Content.Clone()
	branch.WordCount = commit.WordCount
	branch.UpdatedAt = commit.CreatedAt
	s.branches[branch.ID] = branch

	if !branch.IsActive {
		return
	}
	if doc, ok := s.documents[branch.DocumentID]; ok {
		doc.Content = commit.Content.Clone()
		doc.WordCount = commit.WordCount
		doc.ContentHash = change.ContentHash
		doc.UpdatedAt = commit.CreatedAt
		s.documents[doc.ID] = doc
	}
}

func (s *MemoryStore) GetCommit(_ context.Context, commitID, ownerID string) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commit, ok := s.commits[commitID]
	if !ok || commit.OwnerID != ownerID {
		return Commit{}, ErrNotFound
	}
	return cloneCommit(commit), nil
}

func (s *MemoryStore) LatestCommit(ctx context.Context, branchID, ownerID string) (*Commit, error) {
	items, err := s.ListCommits(ctx, branchID, ownerID, 1)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func (s *MemoryStore) ListCommits(_ context.Context, branchID, ownerID string, limit int) ([]Commit, error) {
	return s.filterCommits(limit, func(c Commit) bool {
		return c.BranchID == branchID && c.OwnerID == ownerID
	}), nil
}

func (s *MemoryStore) SearchCommits(_ context.Context, documentID, ownerID, query string, limit int) ([]Commit, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	return s.filterCommits(limit, func(c Commit) bool {
		return c.DocumentID == documentID && c.OwnerID == ownerID && strings.Contains(strings.ToLower(c.Message), needle)
	}), nil
}

// filterCommits walks commits newest first.
func (s *MemoryStore) filterCommits(limit int, keep func(Commit) bool) []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	matched := make([]Commit, 0)
	for i := len(s.commitSeq) - 1; i >= 0; i-- {
		commit := s.commits[s.commitSeq[i]]
		if keep(commit) {
			matched = append(matched, cloneCommit(commit))
		}
	}
	sortCommitsNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (s *MemoryStore) IsAncestor(_ context.Context, ancestorID, descendantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := descendantID
	for seen := 0; seen <= len(s.commits); seen++ {
		if current == ancestorID {
			return true, nil
		}
		commit, ok := s.commits[current]
		if !ok || commit.ParentCommitID == nil {
			return false, nil
		}
		current = *commit.ParentCommitID
	}
	return false, nil
}

func (s *MemoryStore) RecordMerge(_ context.Context, record MergeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.merges[record.ID]; exists {
		return ErrDuplicate
	}
	s.merges[record.ID] = cloneMerge(record)
	return nil
}

func (s *MemoryStore) GetMerge(_ context.Context, mergeID, ownerID string) (MergeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.merges[mergeID]
	if !ok || record.OwnerID != ownerID {
		return MergeRecord{}, ErrNotFound
	}
	return cloneMerge(record), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneDocument(doc Document) Document {
	doc.Content = doc.Content.Clone()
	return doc
}

func cloneBranch(branch Branch) Branch {
	branch.Content = branch.Content.Clone()
	if branch.BaseCommitID != nil {
		branch.BaseCommitID = stringPtr(*branch.BaseCommitID)
	}
	return branch
}

func cloneCommit(commit Commit) Commit {
	commit.Content = commit.Content.Clone()
	if commit.ParentCommitID != nil {
		commit.ParentCommitID = stringPtr(*commit.ParentCommitID)
	}
	return commit
}

func cloneMerge(record MergeRecord) MergeRecord {
	record.ConflictData = append([]byte(nil), record.ConflictData...)
	for _, field := range []**string{&record.SourceCommitID, &record.TargetCommitID, &record.MergeCommitID} {
		if *field != nil {
			*field = stringPtr(**field)
		}
	}
	return record
}

func sortBranches(items []Branch) {
	slices.SortStableFunc(items, func(a, b Branch) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func sortCommitsNewestFirst(items []Commit) {
	slices.SortStableFunc(items, func(a, b Commit) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
