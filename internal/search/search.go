package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	TeamID     string `json:"teamId"`
	State      string `json:"state"`
	URL        string `json:"url,omitempty"`
}

// Query describes a search request. TeamIDs limits hits to teams the caller
// can see; an empty list searches every team.
type Query struct {
	Text    string
	TeamIDs []string
	State   string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TeamID      string   `json:"teamId"`
	State       string   `json:"state"`
	ParentID    string   `json:"parentId"`
	Labels      []string `json:"labels"`
	URL         string   `json:"url"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
