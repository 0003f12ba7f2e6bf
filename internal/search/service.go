package search

import (
	"context"
	"log/slog"
	"strings"
)

const (
	SourceMeili = "meilisearch"
	SourceStore = "store"
)

// searcher is the Meilisearch surface the service needs.
type searcher interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexCommits(records []CommitRecord) error
}

// Service tries Meilisearch first and falls back to the store's message match.
type Service struct {
	meili    searcher
	fallback CommitFinder
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback CommitFinder, logger *slog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceMeili}, nil
		}
		s.logger.Warn("meilisearch error, falling back to store", "error", err)
	}

	commits, err := s.fallback.SearchCommits(ctx, q.DocumentID, q.OwnerID, q.Text, q.Limit)
	if err != nil {
		return Response{}, err
	}
	results := make([]Result, 0, len(commits))
	for _, c := range commits {
		results = append(results, Result{
			CommitID:   c.ID,
			DocumentID: c.DocumentID,
			BranchID:   c.BranchID,
			Message:    c.Message,
			Snippet:    c.Message,
			Author:     c.Author,
			CreatedAt:  c.CreatedAt,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Source: SourceStore}, nil
}

// IndexCommit indexes a commit (fire-and-forget to Meilisearch).
func (s *Service) IndexCommit(rec CommitRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCommits([]CommitRecord{rec}); err != nil {
			s.logger.Warn("index commit failed", "commit_id", rec.ID, "error", err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
