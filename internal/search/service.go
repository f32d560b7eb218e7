package search

import (
	"context"
	"log"

	"signoff/api/internal/linear"
)

const (
	BackendMeili  = "meilisearch"
	BackendMirror = "mirror"
)

// Service is the facade that tries Meilisearch first and falls back to a
// scan of the mirror.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the mirror.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		log.Printf("search: meilisearch error, falling back to mirror scan: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendMirror}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: mirror scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendMirror}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMirror}
}

// IndexTeamIssues pushes a team's synced issues to Meilisearch. A missing or
// unhealthy index is not an error; the mirror scan covers it.
func (s *Service) IndexTeamIssues(_ context.Context, teamID string, issues []linear.Issue) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	records := make([]IssueRecord, 0, len(issues))
	for _, issue := range issues {
		rec := IssueRecordFromIssue(issue)
		if rec.TeamID == "" {
			rec.TeamID = teamID
		}
		records = append(records, rec)
	}
	return s.meili.IndexIssues(records)
}

// RemoveIssues drops issues that left the mirror from the index.
func (s *Service) RemoveIssues(_ context.Context, ids []string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	for _, id := range ids {
		if err := s.meili.DeleteIssue(id); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
