package export

import (
	"strings"

	"signoff/api/internal/hierarchy"
	"signoff/api/internal/linear"
	"signoff/api/internal/store"
	"signoff/api/internal/workflow"
)

var summaryOrder = []workflow.Status{
	workflow.StatusReleaseReady,
	workflow.StatusApproved,
	workflow.StatusInReview,
	workflow.StatusBlocked,
	workflow.StatusChangesRequested,
	workflow.StatusPending,
	workflow.StatusClosed,
}

// BuildReport lays out a team's issues in hierarchy order with their derived
// review status.
func BuildReport(team linear.Team, issues []linear.Issue, events []store.ReviewEvent, req Request) TemplateData {
	forest := hierarchy.Build(issues, func(i linear.Issue) (string, string) {
		return i.ID, i.ParentID()
	}, hierarchy.WithLess(func(a, b linear.Issue) bool {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return strings.Compare(a.Identifier, b.Identifier) < 0
	}))
	statuses := workflow.DeriveForest(forest)

	title := "Acceptance report"
	if team.Name != "" {
		title = team.Name + " acceptance report"
	}
	data := TemplateData{
		Title:       title,
		TeamName:    team.Name,
		TeamKey:     team.Key,
		GeneratedBy: req.GeneratedBy,
		Total:       len(issues),
	}

	counts := make(map[workflow.Status]int, len(summaryOrder))
	for _, node := range forest.Flatten() {
		status := statuses[node.ID]
		counts[status]++
		row := ReportRow{
			Identifier: node.Item.Identifier,
			Title:      node.Item.Title,
			State:      node.Item.StateName(),
			Status:     string(status),
			Level:      node.Level,
			URL:        node.Item.URL,
			Orphan:     node.Orphan,
		}
		if req.IncludeDescriptions {
			row.DescriptionHTML = MarkdownToHTML(node.Item.Description)
		}
		data.Rows = append(data.Rows, row)
	}
	for _, status := range summaryOrder {
		if counts[status] > 0 {
			data.Summary = append(data.Summary, SummaryRow{Status: string(status), Count: counts[status]})
		}
	}

	for _, event := range events {
		data.Events = append(data.Events, EventRow{
			At:         event.CreatedAt,
			Identifier: event.Identifier,
			Action:     event.Action,
			Outcome:    event.Outcome,
			Actor:      event.ActorName,
			Feedback:   event.Feedback,
		})
	}
	return data
}
