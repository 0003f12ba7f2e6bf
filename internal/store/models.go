package store

import (
	"encoding/json"
	"time"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
)

type Document struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Title       string          `json:"title"`
	Content     content.Content `json:"content"`
	ContentHash string          `json:"contentHash"`
	WordCount   int             `json:"wordCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Branch struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"documentId"`
	OwnerID      string          `json:"ownerId"`
	Name         string          `json:"name"`
	IsMain       bool            `json:"isMain"`
	IsActive     bool            `json:"isActive"`
	Content      content.Content `json:"content"`
	WordCount    int             `json:"wordCount"`
	BaseCommitID *string         `json:"baseCommitId"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Head returns the branch's current head commit id, or "" when it has none.
func (b Branch) Head() string {
	if b.BaseCommitID == nil {
		return ""
	}
	return *b.BaseCommitID
}

type Commit struct {
	ID             string          `json:"id"`
	DocumentID     string          `json:"documentId"`
	BranchID       string          `json:"branchId"`
	ParentCommitID *string         `json:"parentCommitId"`
	OwnerID        string          `json:"ownerId"`
	Message        string          `json:"message"`
	Content        content.Content `json:"content"`
	WordCount      int             `json:"wordCount"`
	Author         string          `json:"author"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type MergeRecord struct {
	ID                string          `json:"id"`
	DocumentID        string          `json:"documentId"`
	SourceBranchID    string          `json:"sourceBranchId"`
	TargetBranchID    string          `json:"targetBranchId"`
	SourceCommitID    *string         `json:"sourceCommitId"`
	TargetCommitID    *string         `json:"targetCommitId"`
	MergeCommitID     *string         `json:"mergeCommitId"`
	OwnerID           string          `json:"ownerId"`
	HasConflicts      bool            `json:"hasConflicts"`
	ConflictsResolved bool            `json:"conflictsResolved"`
	ConflictData      json.RawMessage `json:"conflictData"`
	MergedAt          time.Time       `json:"mergedAt"`
}

// ContentUpdate is an autosave write, applied only while the document still
// carries ExpectedHash.
type ContentUpdate struct {
	DocumentID   string
	OwnerID      string
	ExpectedHash string
	Content      content.Content
	WordCount    int
	NewHash      string
	UpdatedAt    time.Time
}

// CommitAppend inserts Commit and moves its branch head from ExpectedHead to
// the new commit. When the branch is active the document follows, taking
// ContentHash as its new hash.
type CommitAppend struct {
	Commit       Commit
	ExpectedHead *string
	ContentHash  string
}

// MergeApplication is a CommitAppend on the target branch plus the merge
// record, applied as one unit.
type MergeApplication struct {
	CommitAppend
	Record MergeRecord
}

// BranchActivation loads a branch into the document's working copy.
type BranchActivation struct {
	DocumentID   string
	BranchID     string
	OwnerID      string
	ExpectedHash string
	NewHash      string
	Content      content.Content
	WordCount    int
	UpdatedAt    time.Time
}

func stringPtr(value string) *string {
	return &value
}

func equalHead(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
