package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
)

// MirrorScan searches the Redis mirror directly. It is the fallback when
// Meilisearch is not configured or unhealthy.
type MirrorScan struct {
	mirror *kv.Mirror
}

func NewMirrorScan(mirror *kv.Mirror) *MirrorScan {
	return &MirrorScan{mirror: mirror}
}

func (m *MirrorScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	teamIDs := q.TeamIDs
	if len(teamIDs) == 0 {
		teams, err := m.mirror.ListTeams(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("list teams: %w", err)
		}
		for _, team := range teams {
			teamIDs = append(teamIDs, team.ID)
		}
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matches []linear.Issue
	for _, teamID := range teamIDs {
		issues, err := m.mirror.TeamIssues(ctx, teamID)
		if err != nil {
			return nil, 0, fmt.Errorf("team %s issues: %w", teamID, err)
		}
		for _, issue := range issues {
			if q.State != "" && !strings.EqualFold(issue.StateName(), q.State) {
				continue
			}
			if needle != "" && !matchesIssue(issue, needle) {
				continue
			}
			if issue.Team == nil {
				issue.Team = &linear.TeamRef{ID: teamID}
			}
			matches = append(matches, issue)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := rank(matches[i], needle), rank(matches[j], needle)
		if ri != rj {
			return ri < rj
		}
		return matches[i].Identifier < matches[j].Identifier
	})

	total := len(matches)
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-start)
	for _, issue := range matches[start:end] {
		results = append(results, Result{
			ID:         issue.ID,
			Identifier: issue.Identifier,
			Title:      issue.Title,
			Snippet:    snippet(issue.Description, needle),
			TeamID:     issue.Team.ID,
			State:      issue.StateName(),
			URL:        issue.URL,
		})
	}
	return results, total, nil
}

func matchesIssue(issue linear.Issue, needle string) bool {
	if strings.Contains(strings.ToLower(issue.Identifier), needle) ||
		strings.Contains(strings.ToLower(issue.Title), needle) ||
		strings.Contains(strings.ToLower(issue.Description), needle) {
		return true
	}
	for _, label := range issue.Labels {
		if strings.Contains(strings.ToLower(label), needle) {
			return true
		}
	}
	return false
}

// rank orders identifier hits before title hits before everything else.
func rank(issue linear.Issue, needle string) int {
	switch {
	case needle == "":
		return 0
	case strings.EqualFold(issue.Identifier, needle):
		return 0
	case strings.Contains(strings.ToLower(issue.Title), needle):
		return 1
	default:
		return 2
	}
}

func snippet(text, needle string) string {
	const radius = 60
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	idx := -1
	if needle != "" {
		idx = strings.Index(strings.ToLower(text), needle)
	}
	if idx < 0 {
		if len(text) <= 2*radius {
			return text
		}
		return strings.TrimSpace(text[:2*radius]) + "..."
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + radius
	if end > len(text) {
		end = len(text)
	}
	out := text[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}
