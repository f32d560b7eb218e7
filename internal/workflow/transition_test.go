package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"signoff/api/internal/linear"
)

type fakeRemote struct {
	updates     []string
	failOn      string
	commentErr  error
	comments    []string
	stateByID   map[string]linear.WorkflowState
	updateState func(issueID, stateID string) (linear.WorkflowState, error)
}

func (f *fakeRemote) UpdateIssueState(_ context.Context, issueID, stateID string) (linear.WorkflowState, error) {
	f.updates = append(f.updates, issueID+"="+stateID)
	if f.updateState != nil {
		return f.updateState(issueID, stateID)
	}
	if issueID == f.failOn && !strings.HasPrefix(stateID, "s-Client") {
		return linear.WorkflowState{}, errors.New("linear down")
	}
	return f.stateByID[stateID], nil
}

func (f *fakeRemote) CreateComment(_ context.Context, issueID, body string) (string, error) {
	if f.commentErr != nil {
		return "", f.commentErr
	}
	f.comments = append(f.comments, issueID+":"+body)
	return "comment-1", nil
}

type memoryMirror struct {
	issues map[string]linear.Issue
	writes int
}

func (m *memoryMirror) GetIssue(_ context.Context, id string) (linear.Issue, error) {
	issue, ok := m.issues[id]
	if !ok {
		return linear.Issue{}, errors.New("missing")
	}
	return issue, nil
}

func (m *memoryMirror) PutIssue(_ context.Context, issue linear.Issue) (bool, error) {
	m.writes++
	m.issues[issue.ID] = issue
	return true, nil
}

func teamStates() []linear.WorkflowState {
	var states []linear.WorkflowState
	for _, s := range knownStates {
		states = append(states, linear.WorkflowState{ID: "s-" + strings.ReplaceAll(string(s), " ", ""), Name: string(s)})
	}
	return states
}

func stateIndex(states []linear.WorkflowState) map[string]linear.WorkflowState {
	out := make(map[string]linear.WorkflowState, len(states))
	for _, s := range states {
		out[s.ID] = s
	}
	return out
}

func reviewIssue(id string) linear.Issue {
	return linear.Issue{ID: id, Identifier: strings.ToUpper(id), State: &linear.WorkflowState{ID: "s-ClientReview", Name: "Client Review"}}
}

func TestExecutorAppliesSteps(t *testing.T) {
	states := teamStates()
	remote := &fakeRemote{stateByID: stateIndex(states)}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"a": reviewIssue("a"), "p": reviewIssue("p")}}

	steps := []Step{
		{IssueID: "a", Identifier: "A", From: StateClientReview, To: StateApproved},
		{IssueID: "p", Identifier: "P", From: StateClientReview, To: StateApproved},
	}
	result, err := NewExecutor(remote, mirror).Apply(context.Background(), states, steps, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(result.Applied) != 2 {
		t.Fatalf("expected 2 applied steps, got %d", len(result.Applied))
	}
	if strings.Join(remote.updates, ",") != "a=s-Approved,p=s-Approved" {
		t.Fatalf("unexpected remote updates %v", remote.updates)
	}
	if mirror.issues["p"].StateName() != "Approved" {
		t.Fatalf("expected mirror to hold new state, got %s", mirror.issues["p"].StateName())
	}
}

func TestExecutorRollsBackOnRemoteFailure(t *testing.T) {
	states := teamStates()
	remote := &fakeRemote{stateByID: stateIndex(states), failOn: "p"}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"a": reviewIssue("a"), "p": reviewIssue("p")}}

	steps := []Step{
		{IssueID: "a", Identifier: "A", From: StateClientReview, To: StateApproved},
		{IssueID: "p", Identifier: "P", From: StateClientReview, To: StateReleaseReady},
	}
	_, err := NewExecutor(remote, mirror).Apply(context.Background(), states, steps, nil)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if terr.Step.IssueID != "p" {
		t.Fatalf("expected failure on p, got %s", terr.Step.IssueID)
	}
	if len(terr.RollbackErrs) != 0 {
		t.Fatalf("expected clean rollback, got %v", terr.RollbackErrs)
	}
	want := "a=s-Approved,p=s-ReleaseReady,a=s-ClientReview"
	if strings.Join(remote.updates, ",") != want {
		t.Fatalf("expected %s, got %v", want, remote.updates)
	}
	for _, id := range []string{"a", "p"} {
		if got := mirror.issues[id].StateName(); got != "Client Review" {
			t.Fatalf("expected %s restored to Client Review, got %s", id, got)
		}
	}
}

func TestExecutorReportsFailedRevert(t *testing.T) {
	states := teamStates()
	remote := &fakeRemote{stateByID: stateIndex(states)}
	remote.updateState = func(issueID, stateID string) (linear.WorkflowState, error) {
		if issueID == "p" || stateID == "s-ClientReview" {
			return linear.WorkflowState{}, errors.New("boom")
		}
		return remote.stateByID[stateID], nil
	}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"a": reviewIssue("a"), "p": reviewIssue("p")}}
	steps := []Step{
		{IssueID: "a", Identifier: "A", To: StateApproved},
		{IssueID: "p", Identifier: "P", To: StateApproved},
	}
	_, err := NewExecutor(remote, mirror).Apply(context.Background(), states, steps, nil)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if len(terr.RollbackErrs) != 1 {
		t.Fatalf("expected one rollback error, got %v", terr.RollbackErrs)
	}
	if !strings.Contains(err.Error(), "rollback incomplete") {
		t.Fatalf("expected rollback detail in %q", err.Error())
	}
}

func TestExecutorCommentFailureLeavesNothing(t *testing.T) {
	states := teamStates()
	remote := &fakeRemote{stateByID: stateIndex(states), commentErr: errors.New("rate limited")}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"p": reviewIssue("p")}}
	steps := []Step{{IssueID: "p", Identifier: "P", To: StateChangesRequested}}

	_, err := NewExecutor(remote, mirror).Apply(context.Background(), states, steps, &Comment{IssueID: "p", Body: "fix the header"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(remote.updates) != 0 {
		t.Fatalf("expected no remote state changes, got %v", remote.updates)
	}
	if mirror.issues["p"].StateName() != "Client Review" {
		t.Fatalf("expected mirror restored, got %s", mirror.issues["p"].StateName())
	}
}

func TestExecutorPostsComment(t *testing.T) {
	states := teamStates()
	remote := &fakeRemote{stateByID: stateIndex(states)}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"p": reviewIssue("p")}}
	steps := []Step{{IssueID: "p", Identifier: "P", To: StateChangesRequested}}

	result, err := NewExecutor(remote, mirror).Apply(context.Background(), states, steps, &Comment{IssueID: "p", Body: "fix the header"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.CommentID != "comment-1" || len(remote.comments) != 1 {
		t.Fatalf("expected comment posted, got %+v %v", result, remote.comments)
	}
}

func TestExecutorUnknownState(t *testing.T) {
	remote := &fakeRemote{}
	mirror := &memoryMirror{issues: map[string]linear.Issue{"p": reviewIssue("p")}}
	states := []linear.WorkflowState{{ID: "s1", Name: "Todo"}}
	_, err := NewExecutor(remote, mirror).Apply(context.Background(), states, []Step{{IssueID: "p", To: StateApproved}}, nil)
	if !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if mirror.writes != 0 {
		t.Fatalf("expected no mirror writes, got %d", mirror.writes)
	}
}
