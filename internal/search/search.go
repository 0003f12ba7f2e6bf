// Package search indexes commit messages and answers history searches.
package search

import (
	"context"
	"time"

	"github.com/tempandmajor/ottowrite-sub000/internal/store"
)

// Result is a single commit hit returned to the caller.
type Result struct {
	CommitID   string    `json:"commitId"`
	DocumentID string    `json:"documentId"`
	BranchID   string    `json:"branchId"`
	Message    string    `json:"message"`
	Snippet    string    `json:"snippet"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query is scoped to one document of one owner.
type Query struct {
	DocumentID string
	OwnerID    string
	Text       string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// CommitRecord is the data we index for a commit.
type CommitRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	BranchID   string `json:"branchId"`
	OwnerID    string `json:"ownerId"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	CreatedAt  int64  `json:"createdAt"`
}

func RecordFromCommit(c store.Commit) CommitRecord {
	return CommitRecord{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		BranchID:   c.BranchID,
		OwnerID:    c.OwnerID,
		Message:    c.Message,
		Author:     c.Author,
		CreatedAt:  c.CreatedAt.Unix(),
	}
}

// CommitFinder is the store-side fallback used while Meilisearch is down.
type CommitFinder interface {
	SearchCommits(ctx context.Context, documentID, ownerID, query string, limit int) ([]store.Commit, error)
}
