package workflow

import (
	"strings"
)

type Action string

const (
	ActionApprove        Action = "approve"
	ActionPartialApprove Action = "partial_approve"
	ActionRequestChanges Action = "request_changes"
)

// ParseAction accepts the URL and JSON spellings of an action.
func ParseAction(value string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(value, "-", "_"))) {
	case "approve":
		return ActionApprove, true
	case "partial_approve":
		return ActionPartialApprove, true
	case "request_changes":
		return ActionRequestChanges, true
	}
	return "", false
}

// Request is a reviewer's action on a parent issue.
type Request struct {
	Action   Action   `json:"action"`
	ChildIDs []string `json:"childIds,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// Step is one state change produced by a decision.
type Step struct {
	IssueID    string `json:"issueId"`
	Identifier string `json:"identifier"`
	From       State  `json:"from"`
	To         State  `json:"to"`
}

// Blocker explains why an action is not allowed.
type Blocker struct {
	IssueID    string `json:"issueId"`
	Identifier string `json:"identifier"`
	State      State  `json:"state"`
	Reason     string `json:"reason"`
}

// Decision codes.
const (
	CodeOK               = "OK"
	CodeInvalidState     = "INVALID_STATE"
	CodeChildrenPending  = "CHILDREN_NOT_APPROVED"
	CodeNoChildren       = "NO_CHILDREN"
	CodeNoSelection      = "NO_SELECTION"
	CodeUnknownChild     = "UNKNOWN_CHILD"
	CodeChildNotInReview = "CHILD_NOT_IN_REVIEW"
	CodeNothingToApprove = "NOTHING_TO_APPROVE"
	CodeFeedbackRequired = "FEEDBACK_REQUIRED"
	CodeUnknownAction    = "UNKNOWN_ACTION"
	CodeChildNotSynced   = "CHILD_NOT_SYNCED"
)

type Decision struct {
	Allowed  bool      `json:"allowed"`
	Action   Action    `json:"action"`
	Code     string    `json:"code"`
	Reason   string    `json:"reason,omitempty"`
	From     State     `json:"from"`
	Target   State     `json:"target,omitempty"`
	Steps    []Step    `json:"steps,omitempty"`
	Blockers []Blocker `json:"blockers,omitempty"`
}

func deny(parent Item, action Action, code, reason string, blockers ...Blocker) Decision {
	return Decision{
		Allowed:  false,
		Action:   action,
		Code:     code,
		Reason:   reason,
		From:     parent.State,
		Blockers: blockers,
	}
}

// Evaluate decides whether action may run on parent given its direct
// children, and which transitions it applies.
func Evaluate(parent Item, children []Item, req Request) Decision {
	switch req.Action {
	case ActionApprove:
		return evaluateApprove(parent, children)
	case ActionPartialApprove:
		return evaluatePartialApprove(parent, children, req.ChildIDs)
	case ActionRequestChanges:
		return evaluateRequestChanges(parent, req.Feedback)
	default:
		return deny(parent, req.Action, CodeUnknownAction, "unknown action "+string(req.Action))
	}
}

func evaluateApprove(parent Item, children []Item) Decision {
	if parent.State != StateClientReview {
		return deny(parent, ActionApprove, CodeInvalidState, "only issues in Client Review can be approved")
	}
	if pending := ChildrenNotReadyForRelease(children); len(pending) > 0 {
		return deny(parent, ActionApprove, CodeChildrenPending, "all sub-issues must be approved first", childBlockers(pending, "sub-issue is not approved")...)
	}
	target := approvalTarget(children)
	return Decision{
		Allowed: true,
		Action:  ActionApprove,
		Code:    CodeOK,
		From:    parent.State,
		Target:  target,
		Steps:   []Step{{IssueID: parent.ID, Identifier: parent.Identifier, From: parent.State, To: target}},
	}
}

// approvalTarget is Release Ready when nothing below the parent still needs
// a release step, otherwise Approved.
func approvalTarget(children []Item) State {
	if allChildrenReleaseReady(children) {
		return StateReleaseReady
	}
	return StateApproved
}

func evaluatePartialApprove(parent Item, children []Item, childIDs []string) Decision {
	if parent.State != StateClientReview {
		return deny(parent, ActionPartialApprove, CodeInvalidState, "only issues in Client Review can be partially approved")
	}
	if len(children) == 0 {
		return deny(parent, ActionPartialApprove, CodeNoChildren, "partial approval needs sub-issues; approve the issue instead")
	}
	selected := dedupe(childIDs)
	if len(selected) == 0 {
		return deny(parent, ActionPartialApprove, CodeNoSelection, "select at least one sub-issue to approve")
	}

	byID := make(map[string]Item, len(children))
	for _, child := range children {
		byID[child.ID] = child
	}

	var blockers []Blocker
	code := ""
	var steps []Step
	approvedIDs := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		child, ok := byID[id]
		if !ok {
			blockers = append(blockers, Blocker{IssueID: id, Reason: "not a sub-issue of " + parent.Identifier})
			if code == "" {
				code = CodeUnknownChild
			}
			continue
		}
		switch {
		case child.Unsynced:
			blockers = append(blockers, Blocker{IssueID: child.ID, Identifier: child.Identifier, State: child.State, Reason: "sub-issue is not mirrored; sync its team first"})
			if code == "" {
				code = CodeChildNotSynced
			}
		case child.State.IsApproved():
			approvedIDs[id] = struct{}{}
		case child.State == StateClientReview:
			approvedIDs[id] = struct{}{}
			steps = append(steps, Step{IssueID: child.ID, Identifier: child.Identifier, From: child.State, To: StateApproved})
		default:
			blockers = append(blockers, Blocker{IssueID: child.ID, Identifier: child.Identifier, State: child.State, Reason: "sub-issue is not in Client Review"})
			if code == "" {
				code = CodeChildNotInReview
			}
		}
	}
	if len(blockers) > 0 {
		return deny(parent, ActionPartialApprove, code, "some selected sub-issues cannot be approved", blockers...)
	}

	simulated := make([]Item, 0, len(children))
	for _, child := range children {
		if _, ok := approvedIDs[child.ID]; ok && !child.State.IsApproved() {
			child.State = StateApproved
		}
		simulated = append(simulated, child)
	}

	decision := Decision{
		Allowed: true,
		Action:  ActionPartialApprove,
		Code:    CodeOK,
		From:    parent.State,
		Target:  parent.State,
		Steps:   steps,
	}
	// completing the set releases the parent
	if AreAllChildrenApproved(simulated) {
		decision.Target = StateReleaseReady
		decision.Steps = append(decision.Steps, Step{IssueID: parent.ID, Identifier: parent.Identifier, From: parent.State, To: StateReleaseReady})
	}
	if len(decision.Steps) == 0 {
		return deny(parent, ActionPartialApprove, CodeNothingToApprove, "selected sub-issues are already approved")
	}
	return decision
}

func evaluateRequestChanges(parent Item, feedback string) Decision {
	switch parent.State {
	case StateClientReview, StateApproved, StateReleaseReady:
	default:
		return deny(parent, ActionRequestChanges, CodeInvalidState, "changes can only be requested on issues under client review or approved")
	}
	if strings.TrimSpace(feedback) == "" {
		return deny(parent, ActionRequestChanges, CodeFeedbackRequired, "feedback is required when requesting changes")
	}
	return Decision{
		Allowed: true,
		Action:  ActionRequestChanges,
		Code:    CodeOK,
		From:    parent.State,
		Target:  StateChangesRequested,
		Steps:   []Step{{IssueID: parent.ID, Identifier: parent.Identifier, From: parent.State, To: StateChangesRequested}},
	}
}

func childBlockers(items []Item, reason string) []Blocker {
	blockers := make([]Blocker, 0, len(items))
	for _, item := range items {
		blockers = append(blockers, Blocker{IssueID: item.ID, Identifier: item.Identifier, State: item.State, Reason: reason})
	}
	return blockers
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
