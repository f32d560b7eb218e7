package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"signoff/api/internal/auth"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/rbac"
	"signoff/api/internal/search"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
	"signoff/api/internal/workflow"
)

func requireDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func teamIDs(views []TeamView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}

func mirroredState(t *testing.T, env *testEnv, issueID string) string {
	t.Helper()
	issue, err := env.mirror.GetIssue(context.Background(), issueID)
	if err != nil {
		t.Fatalf("GetIssue %s failed: %v", issueID, err)
	}
	return issue.StateName()
}

func TestSignInCarriesStoredRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.svc.CreateUser(ctx, CreateUserInput{
		Email:       "rita@example.com",
		Password:    "correct horse",
		DisplayName: "Rita",
		Role:        "Reviewer",
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if created.Role != rbac.RoleReviewer {
		t.Fatalf("expected reviewer role, got %q", created.Role)
	}

	sess, err := env.svc.SignIn(ctx, "rita@example.com", "correct horse")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if sess.Role != rbac.RoleReviewer || sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if _, err := env.svc.SetUserRole(ctx, created.ID, "admin"); err != nil {
		t.Fatalf("SetUserRole failed: %v", err)
	}
	live, err := env.svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if live.Role != rbac.RoleAdmin {
		t.Fatalf("expected role change to apply to existing token, got %q", live.Role)
	}

	if _, err := env.svc.SignIn(ctx, "rita@example.com", "wrong password"); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestRefreshTokenIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client")

	next, err := env.svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.RefreshToken == sess.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}
	if _, err := env.svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected reused refresh token to be rejected, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, ""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected empty refresh token to be rejected, got %v", err)
	}
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client")

	if err := env.svc.Logout(ctx, sess, sess.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := env.svc.SessionFromToken(ctx, sess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked refresh token, got %v", err)
	}
}

func TestDeactivateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	adminSess := env.user(t, "u-admin", "admin")
	clientSess := env.user(t, "u-client", "client")

	err := env.svc.DeactivateUser(ctx, adminSess, adminSess.UserID)
	requireDomainError(t, err, http.StatusConflict, "SELF_DEACTIVATION")

	if err := env.svc.DeactivateUser(ctx, adminSess, clientSess.UserID); err != nil {
		t.Fatalf("DeactivateUser failed: %v", err)
	}
	if _, err := env.svc.SessionFromToken(ctx, clientSess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected deactivated user's token to be rejected, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, clientSess.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected deactivated user's refresh to be rejected, got %v", err)
	}

	users, err := env.svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	for _, u := range users {
		if u.ID == clientSess.UserID && !u.Deactivated {
			t.Fatalf("expected user to be listed as deactivated")
		}
	}
}

func TestListTeamsFiltersByAccess(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	client := env.user(t, "u-client", "client", "t1")
	reviewer := env.user(t, "u-reviewer", "reviewer")
	adminSess := env.user(t, "u-admin", "admin")

	got, err := env.svc.ListTeams(ctx, client)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if ids := teamIDs(got["teams"].([]TeamView)); len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("expected client to see only t1, got %v", ids)
	}
	if forest := got["forest"].([]kv.TreeNode); len(forest) != 1 || forest[0].ID != "t1" {
		t.Fatalf("expected pruned forest with t1, got %+v", forest)
	}

	got, err = env.svc.ListTeams(ctx, reviewer)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if ids := teamIDs(got["teams"].([]TeamView)); len(ids) != 2 {
		t.Fatalf("expected reviewer to see every team, got %v", ids)
	}

	if _, err := env.svc.SetVisibleTeams(ctx, []string{"t2"}); err != nil {
		t.Fatalf("SetVisibleTeams failed: %v", err)
	}
	got, err = env.svc.ListTeams(ctx, reviewer)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if ids := teamIDs(got["teams"].([]TeamView)); len(ids) != 1 || ids[0] != "t2" {
		t.Fatalf("expected reviewer limited to curated teams, got %v", ids)
	}
	got, err = env.svc.ListTeams(ctx, client)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if ids := teamIDs(got["teams"].([]TeamView)); len(ids) != 0 {
		t.Fatalf("expected client grant outside curated list to be hidden, got %v", ids)
	}
	got, err = env.svc.ListTeams(ctx, adminSess)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if ids := teamIDs(got["teams"].([]TeamView)); len(ids) != 2 {
		t.Fatalf("expected admin to see every team, got %v", ids)
	}
}

func TestPruneForestLiftsKeptDescendants(t *testing.T) {
	forest := []kv.TreeNode{
		{ID: "a", Children: []kv.TreeNode{
			{ID: "b", Level: 1, Children: []kv.TreeNode{
				{ID: "c", Level: 2},
			}},
		}},
		{ID: "d"},
	}

	got := pruneForest(forest, func(id string) bool { return id != "b" }, 0)
	if len(got) != 2 || got[0].ID != "a" {
		t.Fatalf("unexpected roots: %+v", got)
	}
	if len(got[0].Children) != 1 || got[0].Children[0].ID != "c" || got[0].Children[0].Level != 1 {
		t.Fatalf("expected c lifted under a at level 1, got %+v", got[0].Children)
	}
	if got[0].ChildCount != 1 || got[0].DescendantCount != 1 {
		t.Fatalf("expected recomputed counts, got %+v", got[0])
	}

	got = pruneForest(forest, func(id string) bool { return id == "c" }, 0)
	if len(got) != 1 || got[0].ID != "c" || got[0].Level != 0 {
		t.Fatalf("expected c promoted to root, got %+v", got)
	}
}

func TestTeamIssuesViews(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-admin", "admin")

	tree, err := env.svc.TeamIssues(ctx, sess, "t1", "")
	if err != nil {
		t.Fatalf("TeamIssues failed: %v", err)
	}
	roots := tree["roots"].([]IssueNode)
	if tree["total"] != 4 || len(roots) != 2 {
		t.Fatalf("expected 4 issues under 2 roots, got total=%v roots=%d", tree["total"], len(roots))
	}
	if roots[0].Issue.ID != "p1" || roots[0].Status != workflow.StatusBlocked || len(roots[0].Children) != 2 {
		t.Fatalf("unexpected first root: %+v", roots[0])
	}
	if roots[1].Issue.ID != "solo" || roots[1].Status != workflow.StatusInReview {
		t.Fatalf("unexpected second root: %+v", roots[1])
	}

	flat, err := env.svc.TeamIssues(ctx, sess, "t1", "flat")
	if err != nil {
		t.Fatalf("TeamIssues flat failed: %v", err)
	}
	items := flat["issues"].([]IssueNode)
	wantIDs := []string{"ENG-1", "ENG-2", "ENG-3", "ENG-4"}
	wantLevels := []int{0, 1, 1, 0}
	if len(items) != len(wantIDs) {
		t.Fatalf("expected %d flat items, got %d", len(wantIDs), len(items))
	}
	for i, item := range items {
		if item.Issue.Identifier != wantIDs[i] || item.Level != wantLevels[i] {
			t.Fatalf("item %d: got %s at level %d", i, item.Issue.Identifier, item.Level)
		}
		if item.Children != nil {
			t.Fatalf("expected flat items without children")
		}
	}

	_, err = env.svc.TeamIssues(ctx, sess, "t1", "grid")
	requireDomainError(t, err, http.StatusBadRequest, "INVALID_VIEW")
}

func TestHiddenTeamLooksMissing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")

	if _, err := env.svc.GetTeam(ctx, sess, "t1"); err != nil {
		t.Fatalf("GetTeam t1 failed: %v", err)
	}
	_, err := env.svc.GetTeam(ctx, sess, "t2")
	requireDomainError(t, err, http.StatusNotFound, "TEAM_NOT_FOUND")

	_, err = env.svc.GetIssue(ctx, sess, "o1")
	requireDomainError(t, err, http.StatusNotFound, "ISSUE_NOT_FOUND")

	_, err = env.svc.Review(ctx, sess, "o1", workflow.Request{Action: workflow.ActionApprove})
	requireDomainError(t, err, http.StatusNotFound, "ISSUE_NOT_FOUND")
}

func TestGetIssueIncludesChildren(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	sess := env.user(t, "u-client", "client", "t1")

	got, err := env.svc.GetIssue(context.Background(), sess, "c2")
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	parent := got["parent"].(map[string]any)
	if parent["identifier"] != "ENG-1" {
		t.Fatalf("expected parent ENG-1, got %v", parent)
	}
	if got["canReview"] != true {
		t.Fatalf("expected clients to be able to review")
	}

	got, err = env.svc.GetIssue(context.Background(), sess, "p1")
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if children := got["children"].([]map[string]any); len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if got["status"] != workflow.StatusBlocked {
		t.Fatalf("expected blocked status, got %v", got["status"])
	}
}

func columnIssues(board BoardView, state workflow.State) []string {
	for _, col := range board.Columns {
		if col.State == state {
			ids := make([]string, 0, len(col.Issues))
			for _, issue := range col.Issues {
				ids = append(ids, issue.Identifier)
			}
			return ids
		}
	}
	return nil
}

func TestBoardIsCachedUntilInvalidated(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-admin", "admin")

	board, err := env.svc.Board(ctx, sess, "t1")
	if err != nil {
		t.Fatalf("Board failed: %v", err)
	}
	if got := strings.Join(columnIssues(board, workflow.StateClientReview), ","); got != "ENG-1,ENG-3,ENG-4" {
		t.Fatalf("unexpected Client Review column: %s", got)
	}

	solo, _ := env.mirror.GetIssue(ctx, "solo")
	solo.State = stateNamed(workflow.StateApproved)
	if _, err := env.mirror.PutIssue(ctx, solo); err != nil {
		t.Fatalf("PutIssue failed: %v", err)
	}

	board, err = env.svc.Board(ctx, sess, "t1")
	if err != nil {
		t.Fatalf("Board failed: %v", err)
	}
	if got := columnIssues(board, workflow.StateClientReview); len(got) != 3 {
		t.Fatalf("expected cached board, got %v", got)
	}

	if _, err := env.mirror.InvalidateTeamCache(ctx, "t1"); err != nil {
		t.Fatalf("InvalidateTeamCache failed: %v", err)
	}
	board, err = env.svc.Board(ctx, sess, "t1")
	if err != nil {
		t.Fatalf("Board failed: %v", err)
	}
	if got := strings.Join(columnIssues(board, workflow.StateApproved), ","); got != "ENG-2,ENG-4" {
		t.Fatalf("expected rebuilt board, Approved column: %s", got)
	}
}

func TestReviewApproveAppliesAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")

	out, err := env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionApprove})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if out.Decision.Target != workflow.StateReleaseReady || len(out.Result.Applied) != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.EventID != 1 || out.Result.CommentID == "" {
		t.Fatalf("expected recorded event and comment id, got %+v", out)
	}
	if len(env.remote.updates) != 1 || env.remote.updates[0] != "solo=s-Release-Ready" {
		t.Fatalf("unexpected Linear updates: %v", env.remote.updates)
	}
	if len(env.remote.comments) != 1 || !strings.HasPrefix(env.remote.comments[0], "solo:Approved by User u-client") {
		t.Fatalf("unexpected comments: %v", env.remote.comments)
	}
	if got := mirroredState(t, env, "solo"); got != string(workflow.StateReleaseReady) {
		t.Fatalf("expected mirror in Release Ready, got %s", got)
	}

	if len(env.store.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(env.store.events))
	}
	event := env.store.events[0]
	if event.Outcome != store.OutcomeApplied || event.FromState != "Client Review" || event.ToState != "Release Ready" || event.ActorID != "u-client" {
		t.Fatalf("unexpected event: %+v", event)
	}

	if len(env.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.notifier.sent))
	}
	n := env.notifier.sent[0]
	if n.Identifier != "ENG-4" || n.TeamName != "Engineering" || n.PortalName != "Signoff" || env.notifier.to[0][0] != "pm@example.com" {
		t.Fatalf("unexpected notification: %+v to %v", n, env.notifier.to)
	}
}

func TestReviewDeniedIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")

	_, err := env.svc.Review(ctx, sess, "p1", workflow.Request{Action: workflow.ActionApprove})
	requireDomainError(t, err, http.StatusConflict, workflow.CodeChildrenPending)

	var domainErr *DomainError
	errors.As(err, &domainErr)
	decision, ok := domainErr.Details.(workflow.Decision)
	if !ok || len(decision.Blockers) != 1 || decision.Blockers[0].Identifier != "ENG-3" {
		t.Fatalf("expected ENG-3 as blocker, got %+v", domainErr.Details)
	}

	if len(env.remote.updates) != 0 || len(env.remote.comments) != 0 {
		t.Fatalf("expected no Linear calls on denial")
	}
	if len(env.store.events) != 1 || env.store.events[0].Outcome != store.OutcomeDenied {
		t.Fatalf("expected a denied event, got %+v", env.store.events)
	}
	if !strings.HasPrefix(env.store.events[0].Detail, workflow.CodeChildrenPending) {
		t.Fatalf("expected detail to carry the code, got %q", env.store.events[0].Detail)
	}
	if len(env.notifier.sent) != 0 {
		t.Fatalf("expected no notification on denial")
	}
}

func TestRequestChangesRequiresFeedback(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")

	_, err := env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionRequestChanges, Feedback: "   "})
	requireDomainError(t, err, http.StatusUnprocessableEntity, workflow.CodeFeedbackRequired)

	out, err := env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionRequestChanges, Feedback: "Logo is blurry"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if out.Decision.Target != workflow.StateChangesRequested {
		t.Fatalf("unexpected target %s", out.Decision.Target)
	}
	if !strings.HasSuffix(env.remote.comments[0], "Logo is blurry") {
		t.Fatalf("expected feedback in comment, got %q", env.remote.comments[0])
	}
	if env.notifier.sent[0].Feedback != "Logo is blurry" {
		t.Fatalf("expected feedback in notification")
	}
}

func TestReviewFailureRollsBackMirror(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")
	env.remote.updateFn = func(string, string) (linear.WorkflowState, error) {
		return linear.WorkflowState{}, &linear.APIError{Kind: linear.KindRateLimited, Status: http.StatusTooManyRequests}
	}

	_, err := env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionApprove})
	if err == nil {
		t.Fatalf("expected review to fail")
	}
	status, code, _, _ := mapError(err)
	if status != http.StatusServiceUnavailable || code != "UPSTREAM_RATE_LIMITED" {
		t.Fatalf("expected 503 UPSTREAM_RATE_LIMITED, got %d %s", status, code)
	}
	if got := mirroredState(t, env, "solo"); got != string(workflow.StateClientReview) {
		t.Fatalf("expected mirror restored to Client Review, got %s", got)
	}
	if len(env.store.events) != 1 || env.store.events[0].Outcome != store.OutcomeFailed {
		t.Fatalf("expected a failed event, got %+v", env.store.events)
	}
	if len(env.notifier.sent) != 0 {
		t.Fatalf("expected no notification on failure")
	}
}

func TestPartialApproveCompletesParent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-reviewer", "reviewer")

	out, err := env.svc.Review(ctx, sess, "p1", workflow.Request{Action: workflow.ActionPartialApprove, ChildIDs: []string{"c2"}})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if len(out.Result.Applied) != 2 || out.Decision.Target != workflow.StateReleaseReady {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	want := []string{"c2=s-Approved", "p1=s-Release-Ready"}
	if strings.Join(env.remote.updates, " ") != strings.Join(want, " ") {
		t.Fatalf("expected updates %v, got %v", want, env.remote.updates)
	}
	if !strings.Contains(env.remote.comments[0], "ENG-3 → Approved") {
		t.Fatalf("expected step list in comment, got %q", env.remote.comments[0])
	}
	if got := mirroredState(t, env, "c2"); got != string(workflow.StateApproved) {
		t.Fatalf("expected c2 Approved, got %s", got)
	}
	if got := mirroredState(t, env, "p1"); got != string(workflow.StateReleaseReady) {
		t.Fatalf("expected p1 Release Ready, got %s", got)
	}
	if children := env.notifier.sent[0].Children; len(children) != 1 || children[0] != "ENG-3" {
		t.Fatalf("expected ENG-3 in notification, got %v", children)
	}

	_, err = env.svc.Review(ctx, sess, "p1", workflow.Request{Action: workflow.ActionPartialApprove})
	requireDomainError(t, err, http.StatusConflict, workflow.CodeInvalidState)
}

func TestUnsyncedChildrenGateReview(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-reviewer", "reviewer")

	for _, issue := range []linear.Issue{
		mirrorIssue("p9", "ENG-9", "t1", "", workflow.StateClientReview, "x1", "x2"),
		mirrorIssue("p10", "ENG-10", "t1", "", workflow.StateClientReview, "x3"),
	} {
		if _, err := env.mirror.PutIssue(ctx, issue); err != nil {
			t.Fatalf("PutIssue failed: %v", err)
		}
	}
	env.remote.issues = map[string]linear.Issue{
		"x1": mirrorIssue("x1", "DES-1", "t9", "p9", workflow.StateInProgress),
		"x3": mirrorIssue("x3", "DES-3", "t9", "p10", workflow.StateApproved),
	}

	_, err := env.svc.Review(ctx, sess, "p9", workflow.Request{Action: workflow.ActionApprove})
	requireDomainError(t, err, http.StatusConflict, workflow.CodeChildrenPending)
	var domainErr *DomainError
	errors.As(err, &domainErr)
	decision := domainErr.Details.(workflow.Decision)
	if len(decision.Blockers) != 2 || decision.Blockers[0].Identifier != "DES-1" || decision.Blockers[1].IssueID != "x2" {
		t.Fatalf("expected both unsynced sub-issues as blockers, got %+v", decision.Blockers)
	}
	if len(env.remote.updates) != 0 || len(env.remote.comments) != 0 {
		t.Fatalf("expected nothing sent to Linear, got %v %v", env.remote.updates, env.remote.comments)
	}

	_, err = env.svc.Review(ctx, sess, "p9", workflow.Request{Action: workflow.ActionPartialApprove, ChildIDs: []string{"x1"}})
	requireDomainError(t, err, http.StatusConflict, workflow.CodeChildNotSynced)

	out, err := env.svc.Review(ctx, sess, "p10", workflow.Request{Action: workflow.ActionApprove})
	if err != nil {
		t.Fatalf("expected approve with an approved unsynced sub-issue, got %v", err)
	}
	if out.Decision.Target != workflow.StateApproved || strings.Join(env.remote.updates, " ") != "p10=s-Approved" {
		t.Fatalf("unexpected outcome %+v updates=%v", out.Decision, env.remote.updates)
	}
	if strings.Join(env.remote.fetched, ",") != "x1,x2,x1,x2,x3" {
		t.Fatalf("expected live reads of unsynced sub-issues, got %v", env.remote.fetched)
	}
}

func TestEvaluateDoesNotChangeAnything(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	sess := env.user(t, "u-client", "client", "t1")

	decision, err := env.svc.Evaluate(context.Background(), sess, "p1", workflow.Request{Action: workflow.ActionPartialApprove, ChildIDs: []string{"o1"}})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed || decision.Code != workflow.CodeUnknownChild {
		t.Fatalf("expected UNKNOWN_CHILD, got %+v", decision)
	}
	if len(env.store.events) != 0 || len(env.remote.updates) != 0 {
		t.Fatalf("expected evaluate to be read-only")
	}
}

func TestIssueEventsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	sess := env.user(t, "u-client", "client", "t1")

	_, _ = env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionRequestChanges})
	if _, err := env.svc.Review(ctx, sess, "solo", workflow.Request{Action: workflow.ActionApprove}); err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	events, err := env.svc.IssueEvents(ctx, sess, "solo")
	if err != nil {
		t.Fatalf("IssueEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Outcome != store.OutcomeApplied || events[1].Outcome != store.OutcomeDenied {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSearchIsLimitedToVisibleTeams(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	env.svc.search = search.NewService(nil, search.NewMirrorScan(env.mirror))
	client := env.user(t, "u-client", "client", "t1")
	adminSess := env.user(t, "u-admin", "admin")

	resp, err := env.svc.Search(ctx, client, search.Query{Text: "issue"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Total != 4 {
		t.Fatalf("expected 4 ENG hits, got %d", resp.Total)
	}
	for _, r := range resp.Results {
		if r.TeamID != "t1" {
			t.Fatalf("expected only t1 hits, got %+v", r)
		}
	}

	resp, err = env.svc.Search(ctx, client, search.Query{Text: "issue", TeamIDs: []string{"t2"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Total != 0 || len(resp.Results) != 0 {
		t.Fatalf("expected hidden team to yield nothing, got %+v", resp)
	}

	resp, err = env.svc.Search(ctx, adminSess, search.Query{Text: "OPS"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].Identifier != "OPS-1" {
		t.Fatalf("expected admin to find OPS-1, got %+v", resp)
	}
}

func TestBootstrapCreatesAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.cfg.AdminEmail = "root@example.com"
	env.svc.cfg.AdminPassword = "bootstrap-pass"

	for i := 0; i < 2; i++ {
		if err := env.svc.Bootstrap(ctx); err != nil {
			t.Fatalf("Bootstrap run %d failed: %v", i, err)
		}
	}
	if len(env.store.users) != 1 {
		t.Fatalf("expected a single admin account, got %d users", len(env.store.users))
	}
	sess, err := env.svc.SignIn(ctx, "root@example.com", "bootstrap-pass")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if sess.Role != rbac.RoleAdmin || sess.UserName != "Administrator" {
		t.Fatalf("unexpected bootstrap session: %+v", sess)
	}
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.svc.CreateUser(ctx, CreateUserInput{
		Email:       "cleo@example.com",
		Password:    "long enough",
		DisplayName: "Cleo",
		Teams:       []string{"t1", " t1 ", ""},
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.Role != rbac.RoleClient || len(user.Teams) != 1 || user.Teams[0] != "t1" {
		t.Fatalf("unexpected user: %+v", user)
	}

	_, err = env.svc.CreateUser(ctx, CreateUserInput{Email: "x@example.com", Password: "long enough", DisplayName: "X", Role: "owner"})
	requireDomainError(t, err, http.StatusBadRequest, "INVALID_ROLE")

	_, err = env.svc.CreateUser(ctx, CreateUserInput{Email: "cleo@example.com", Password: "long enough", DisplayName: "Cleo"})
	if status, code, _, _ := mapError(err); status != http.StatusConflict || code != "EMAIL_EXISTS" {
		t.Fatalf("expected 409 EMAIL_EXISTS, got %d %s", status, code)
	}

	_, err = env.svc.CreateUser(ctx, CreateUserInput{Email: "y@example.com", Password: "short", DisplayName: "Y"})
	if status, code, _, _ := mapError(err); status != http.StatusBadRequest || code != "VALIDATION_ERROR" {
		t.Fatalf("expected 400 VALIDATION_ERROR, got %d %s", status, code)
	}
}

func TestSyncRequiresSyncer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SyncTeam(ctx, "t1", syncer.SourceManual)
	requireDomainError(t, err, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE")

	fake := &fakeSyncer{}
	env.svc.syncer = fake
	got, err := env.svc.SyncAll(ctx, syncer.SourceSchedule)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if got["failed"] != 1 {
		t.Fatalf("expected one failed team, got %v", got["failed"])
	}
	if len(fake.sources) != 1 || fake.sources[0] != syncer.SourceSchedule {
		t.Fatalf("expected schedule source, got %v", fake.sources)
	}
}
