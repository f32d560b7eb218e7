// Package workflow evaluates review actions against the portal's fixed set
// of Linear workflow states.
package workflow

import (
	"strings"

	"signoff/api/internal/linear"
)

// State is a Linear workflow state name as configured on portal teams.
type State string

const (
	StateBacklog          State = "Backlog"
	StateTodo             State = "Todo"
	StateInProgress       State = "In Progress"
	StateInReview         State = "In Review"
	StateClientReview     State = "Client Review"
	StateChangesRequested State = "Changes Requested"
	StateApproved         State = "Approved"
	StateReleaseReady     State = "Release Ready"
	StateDone             State = "Done"
	StateCanceled         State = "Canceled"
)

var knownStates = []State{
	StateBacklog,
	StateTodo,
	StateInProgress,
	StateInReview,
	StateClientReview,
	StateChangesRequested,
	StateApproved,
	StateReleaseReady,
	StateDone,
	StateCanceled,
}

// ParseState matches a state name case-insensitively. Unknown names are
// returned unchanged.
func ParseState(name string) State {
	trimmed := strings.TrimSpace(name)
	for _, s := range knownStates {
		if strings.EqualFold(string(s), trimmed) {
			return s
		}
	}
	if strings.EqualFold(trimmed, "Cancelled") {
		return StateCanceled
	}
	return State(trimmed)
}

// Known reports whether s is one of the named portal states.
func (s State) Known() bool {
	for _, k := range knownStates {
		if s == k {
			return true
		}
	}
	return false
}

func (s State) IsApproved() bool {
	return s == StateApproved || s == StateReleaseReady || s == StateDone
}

func (s State) IsReleaseReady() bool {
	return s == StateReleaseReady || s == StateDone
}

func (s State) IsCanceled() bool { return s == StateCanceled }

// Item is the workflow view of an issue.
type Item struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	State      State  `json:"state"`
	// Unsynced children have no mirror snapshot and cannot be transitioned
	// by the portal.
	Unsynced bool `json:"unsynced,omitempty"`
}

func ItemFromIssue(issue linear.Issue) Item {
	return Item{
		ID:         issue.ID,
		Identifier: issue.Identifier,
		Title:      issue.Title,
		State:      ParseState(issue.StateName()),
	}
}

func ItemsFromIssues(issues []linear.Issue) []Item {
	items := make([]Item, 0, len(issues))
	for _, issue := range issues {
		items = append(items, ItemFromIssue(issue))
	}
	return items
}

// AreAllChildrenApproved is true when every child that is not canceled has
// been approved. No children counts as approved.
func AreAllChildrenApproved(children []Item) bool {
	for _, child := range children {
		if child.State.IsCanceled() {
			continue
		}
		if !child.State.IsApproved() {
			return false
		}
	}
	return true
}

// ChildrenNotReadyForRelease lists children that still block a release, in
// input order. Canceled children never block.
func ChildrenNotReadyForRelease(children []Item) []Item {
	var blocked []Item
	for _, child := range children {
		if child.State.IsCanceled() || child.State.IsApproved() {
			continue
		}
		blocked = append(blocked, child)
	}
	return blocked
}

func allChildrenReleaseReady(children []Item) bool {
	for _, child := range children {
		if child.State.IsCanceled() {
			continue
		}
		if !child.State.IsReleaseReady() {
			return false
		}
	}
	return true
}

// ResolveStateID finds the team's workflow state id for a named state.
func ResolveStateID(states []linear.WorkflowState, name State) (string, bool) {
	for _, s := range states {
		if ParseState(s.Name) == name {
			return s.ID, true
		}
	}
	return "", false
}
