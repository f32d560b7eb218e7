package workflow

import (
	"signoff/api/internal/hierarchy"
	"signoff/api/internal/linear"
)

// Status is the review status shown to clients, derived from an issue's own
// state and its sub-issues.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInReview         Status = "in_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusReleaseReady     Status = "release_ready"
	StatusBlocked          Status = "blocked"
	StatusClosed           Status = "closed"
)

// Derive computes the status of one issue from its direct children.
func Derive(item Item, children []Item) Status {
	switch item.State {
	case StateCanceled:
		return StatusClosed
	case StateReleaseReady, StateDone:
		if allChildrenReleaseReady(children) {
			return StatusReleaseReady
		}
		return StatusApproved
	case StateApproved:
		return StatusApproved
	case StateChangesRequested:
		return StatusChangesRequested
	case StateClientReview:
		if len(ChildrenNotReadyForRelease(children)) > 0 {
			return StatusBlocked
		}
		return StatusInReview
	default:
		return StatusPending
	}
}

// DeriveForest computes the status of every issue in a hierarchy.
func DeriveForest(forest hierarchy.Forest[linear.Issue]) map[string]Status {
	out := make(map[string]Status, forest.Len())
	forest.Walk(func(n *hierarchy.Node[linear.Issue]) bool {
		out[n.ID] = Derive(ItemFromIssue(n.Item), ItemsFromIssues(forest.ChildItems(n.ID)))
		return true
	})
	return out
}
