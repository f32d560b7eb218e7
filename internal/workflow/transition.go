package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"signoff/api/internal/linear"
)

// Remote applies changes in Linear.
type Remote interface {
	UpdateIssueState(ctx context.Context, issueID, stateID string) (linear.WorkflowState, error)
	CreateComment(ctx context.Context, issueID, body string) (string, error)
}

// Mirror holds the local snapshots that are updated ahead of Linear.
type Mirror interface {
	GetIssue(ctx context.Context, issueID string) (linear.Issue, error)
	PutIssue(ctx context.Context, issue linear.Issue) (bool, error)
}

var ErrUnknownState = errors.New("workflow state not configured for team")

// TransitionError reports the step that failed and anything that could not
// be rolled back afterwards.
type TransitionError struct {
	Step         Step
	Err          error
	RollbackErrs []error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("transition %s to %s: %v", e.Step.Identifier, e.Step.To, e.Err)
	if len(e.RollbackErrs) > 0 {
		parts := make([]string, 0, len(e.RollbackErrs))
		for _, err := range e.RollbackErrs {
			parts = append(parts, err.Error())
		}
		msg += " (rollback incomplete: " + strings.Join(parts, "; ") + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Comment is posted on IssueID before any state changes.
type Comment struct {
	IssueID string
	Body    string
}

type Result struct {
	Applied   []Step `json:"applied"`
	CommentID string `json:"commentId,omitempty"`
}

// Executor applies a decision's steps: mirror snapshots are updated first so
// readers see the new state immediately, then Linear is updated step by
// step. Any failure restores every snapshot and reverts the Linear steps
// that already went through, newest first.
type Executor struct {
	remote Remote
	mirror Mirror
}

func NewExecutor(remote Remote, mirror Mirror) *Executor {
	return &Executor{remote: remote, mirror: mirror}
}

type pending struct {
	step     Step
	snapshot linear.Issue
	target   linear.WorkflowState
}

func (e *Executor) Apply(ctx context.Context, states []linear.WorkflowState, steps []Step, comment *Comment) (Result, error) {
	var result Result
	if len(steps) == 0 {
		return result, nil
	}

	byName := make(map[State]linear.WorkflowState, len(states))
	for _, s := range states {
		byName[ParseState(s.Name)] = s
	}

	plan := make([]pending, 0, len(steps))
	for _, step := range steps {
		target, ok := byName[step.To]
		if !ok {
			return result, fmt.Errorf("%w: %s", ErrUnknownState, step.To)
		}
		snapshot, err := e.mirror.GetIssue(ctx, step.IssueID)
		if err != nil {
			return result, fmt.Errorf("load %s: %w", step.IssueID, err)
		}
		plan = append(plan, pending{step: step, snapshot: snapshot, target: target})
	}

	written := 0
	for _, p := range plan {
		optimistic := p.snapshot
		state := p.target
		optimistic.State = &state
		if _, err := e.mirror.PutIssue(ctx, optimistic); err != nil {
			rollbackErrs := e.restoreMirror(ctx, plan[:written])
			return result, &TransitionError{Step: p.step, Err: fmt.Errorf("optimistic update: %w", err), RollbackErrs: rollbackErrs}
		}
		written++
	}

	if comment != nil && strings.TrimSpace(comment.Body) != "" {
		id, err := e.remote.CreateComment(ctx, comment.IssueID, comment.Body)
		if err != nil {
			rollbackErrs := e.restoreMirror(ctx, plan)
			return result, &TransitionError{Step: plan[0].step, Err: fmt.Errorf("post comment: %w", err), RollbackErrs: rollbackErrs}
		}
		result.CommentID = id
	}

	for i, p := range plan {
		confirmed, err := e.remote.UpdateIssueState(ctx, p.step.IssueID, p.target.ID)
		if err != nil {
			rollbackErrs := e.revertRemote(ctx, plan[:i])
			rollbackErrs = append(rollbackErrs, e.restoreMirror(ctx, plan)...)
			return Result{CommentID: result.CommentID}, &TransitionError{Step: p.step, Err: err, RollbackErrs: rollbackErrs}
		}
		if confirmed.ID != "" && confirmed.ID != p.target.ID {
			final := p.snapshot
			state := confirmed
			final.State = &state
			if _, err := e.mirror.PutIssue(ctx, final); err != nil {
				log.Printf("workflow: mirror refresh %s failed: %v", p.step.IssueID, err)
			}
		}
		result.Applied = append(result.Applied, p.step)
	}
	return result, nil
}

func (e *Executor) revertRemote(ctx context.Context, applied []pending) []error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		p := applied[i]
		if p.snapshot.State == nil || p.snapshot.State.ID == "" {
			errs = append(errs, fmt.Errorf("revert %s: previous state unknown", p.step.Identifier))
			continue
		}
		if _, err := e.remote.UpdateIssueState(context.WithoutCancel(ctx), p.step.IssueID, p.snapshot.State.ID); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", p.step.Identifier, err))
		}
	}
	return errs
}

func (e *Executor) restoreMirror(ctx context.Context, written []pending) []error {
	var errs []error
	for i := len(written) - 1; i >= 0; i-- {
		p := written[i]
		if _, err := e.mirror.PutIssue(context.WithoutCancel(ctx), p.snapshot); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", p.step.Identifier, err))
		}
	}
	return errs
}
