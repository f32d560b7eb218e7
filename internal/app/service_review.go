package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"signoff/api/internal/email"
	"signoff/api/internal/linear"
	"signoff/api/internal/rbac"
	"signoff/api/internal/store"
	"signoff/api/internal/workflow"
)

const eventListLimit = 100

// Evaluate reports whether an action could run on an issue right now,
// without changing anything.
func (s *Service) Evaluate(ctx context.Context, sess Session, issueID string, req workflow.Request) (workflow.Decision, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return workflow.Decision{}, err
	}
	issue, children, err := s.reviewItems(ctx, access, issueID)
	if err != nil {
		return workflow.Decision{}, err
	}
	return workflow.Evaluate(workflow.ItemFromIssue(issue), children, req), nil
}

// ReviewOutcome is returned after an action has been applied.
type ReviewOutcome struct {
	Decision workflow.Decision `json:"decision"`
	Result   workflow.Result   `json:"result"`
	EventID  int64             `json:"eventId"`
}

// Review evaluates and applies a review action. Denied and failed attempts
// are recorded in the audit trail as well as applied ones.
func (s *Service) Review(ctx context.Context, sess Session, issueID string, req workflow.Request) (ReviewOutcome, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return ReviewOutcome{}, err
	}
	if !access.Can(rbac.ActionReview) {
		return ReviewOutcome{}, errForbidden
	}
	issue, children, err := s.reviewItems(ctx, access, issueID)
	if err != nil {
		return ReviewOutcome{}, err
	}
	teamID := issue.Team.ID

	decision := workflow.Evaluate(workflow.ItemFromIssue(issue), children, req)
	event := store.ReviewEvent{
		IssueID:    issue.ID,
		Identifier: issue.Identifier,
		TeamID:     teamID,
		Action:     string(req.Action),
		FromState:  string(decision.From),
		ToState:    string(decision.Target),
		ChildIDs:   req.ChildIDs,
		Feedback:   strings.TrimSpace(req.Feedback),
		ActorID:    sess.UserID,
		ActorName:  sess.UserName,
	}

	if !decision.Allowed {
		event.Outcome = store.OutcomeDenied
		event.Detail = decision.Code + ": " + decision.Reason
		s.recordEvent(ctx, event)
		return ReviewOutcome{}, domainError(decisionStatus(decision.Code), decision.Code, decision.Reason, decision)
	}

	states, err := s.mirror.GetStates(ctx, teamID)
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("read workflow states: %w", err)
	}
	comment := &workflow.Comment{IssueID: issue.ID, Body: reviewComment(sess, decision, event.Feedback)}

	result, err := s.executor.Apply(ctx, states, decision.Steps, comment)
	if err != nil {
		event.Outcome = store.OutcomeFailed
		event.Detail = err.Error()
		s.recordEvent(ctx, event)
		return ReviewOutcome{}, err
	}

	event.Outcome = store.OutcomeApplied
	saved := s.recordEvent(ctx, event)
	if _, err := s.mirror.InvalidateTeamCache(ctx, teamID); err != nil {
		log.Printf("review: invalidate cache for team %s: %v", teamID, err)
	}
	s.notifyReview(ctx, issue, decision, event)

	return ReviewOutcome{Decision: decision, Result: result, EventID: saved.ID}, nil
}

func (s *Service) recordEvent(ctx context.Context, event store.ReviewEvent) store.ReviewEvent {
	reviewActionsTotal.WithLabelValues(event.Action, event.Outcome).Inc()
	saved, err := s.store.InsertReviewEvent(context.WithoutCancel(ctx), event)
	if err != nil {
		log.Printf("review: record %s %s on %s: %v", event.Outcome, event.Action, event.Identifier, err)
		return event
	}
	return saved
}

// reviewComment is the Linear comment posted with an applied action.
func reviewComment(sess Session, decision workflow.Decision, feedback string) string {
	var b strings.Builder
	switch decision.Action {
	case workflow.ActionApprove:
		fmt.Fprintf(&b, "Approved by %s in the acceptance portal.", sess.UserName)
	case workflow.ActionPartialApprove:
		fmt.Fprintf(&b, "Sub-issues approved by %s in the acceptance portal:", sess.UserName)
		for _, step := range decision.Steps {
			fmt.Fprintf(&b, "\n- %s → %s", step.Identifier, step.To)
		}
	case workflow.ActionRequestChanges:
		fmt.Fprintf(&b, "Changes requested by %s in the acceptance portal:\n\n%s", sess.UserName, feedback)
	}
	return b.String()
}

func (s *Service) notifyReview(ctx context.Context, issue linear.Issue, decision workflow.Decision, event store.ReviewEvent) {
	if s.email == nil || !s.email.IsConfigured() || len(s.cfg.NotifyEmails) == 0 {
		return
	}
	n := email.ReviewNotification{
		PortalName: s.cfg.PortalName,
		Identifier: issue.Identifier,
		Title:      issue.Title,
		URL:        issue.URL,
		Action:     event.Action,
		ActorName:  event.ActorName,
		FromState:  event.FromState,
		ToState:    event.ToState,
		Feedback:   event.Feedback,
	}
	if team, err := s.mirror.GetTeam(ctx, issue.Team.ID); err == nil {
		n.TeamName = team.Name
	}
	for _, step := range decision.Steps {
		if step.IssueID != issue.ID {
			n.Children = append(n.Children, step.Identifier)
		}
	}
	recipients := append([]string(nil), s.cfg.NotifyEmails...)
	s.notify(func() {
		if err := s.email.SendReviewNotification(recipients, n); err != nil {
			log.Printf("review: notify %s: %v", n.Identifier, err)
		}
	})
}

// IssueEvents lists the review audit trail of one issue, newest first.
func (s *Service) IssueEvents(ctx context.Context, sess Session, issueID string) ([]store.ReviewEvent, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadIssue(ctx, access, issueID); err != nil {
		return nil, err
	}
	events, err := s.store.ListReviewEvents(ctx, issueID, "", eventListLimit)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	if events == nil {
		events = []store.ReviewEvent{}
	}
	return events, nil
}

func errUnavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}
