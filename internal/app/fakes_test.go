package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"signoff/api/internal/admin"
	"signoff/api/internal/authpw"
	"signoff/api/internal/config"
	"signoff/api/internal/email"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/session"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
	"signoff/api/internal/workflow"
)

// fakeStore keeps users, revocations and audit rows in memory. Function
// fields override individual methods.
type fakeStore struct {
	users   map[string]store.User
	revoked map[string]time.Time
	events  []store.ReviewEvent
	runs    []store.SyncRun

	pingFn        func(context.Context) error
	getUserByIDFn func(context.Context, string) (store.User, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]store.User),
		revoked: make(map[string]time.Time),
	}
}

func (f *fakeStore) addUser(id, name, email string) store.User {
	user := store.User{ID: id, DisplayName: name, Email: email}
	f.users[id] = user
	return user
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, displayName, email, passwordHash string) (store.User, error) {
	if _, err := f.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, store.ErrEmailTaken
	}
	user := store.User{
		ID:           fmt.Sprintf("user-%d", len(f.users)+1),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: passwordHash,
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) SetPasswordHash(_ context.Context, userID, passwordHash string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	out := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	return out, nil
}

func (f *fakeStore) DeactivateUser(_ context.Context, userID string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	user.DeactivatedAt = &now
	f.users[userID] = user
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := f.revoked[jti]
	return ok, nil
}

func (f *fakeStore) InsertReviewEvent(_ context.Context, event store.ReviewEvent) (store.ReviewEvent, error) {
	event.ID = int64(len(f.events) + 1)
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeStore) ListReviewEvents(_ context.Context, issueID, teamID string, _ int) ([]store.ReviewEvent, error) {
	var out []store.ReviewEvent
	for i := len(f.events) - 1; i >= 0; i-- {
		e := f.events[i]
		if (issueID == "" || e.IssueID == issueID) && (teamID == "" || e.TeamID == teamID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSyncRuns(context.Context, string, int) ([]store.SyncRun, error) {
	return f.runs, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRemote struct {
	updates  []string
	comments []string
	fetched  []string
	issues   map[string]linear.Issue
	updateFn func(issueID, stateID string) (linear.WorkflowState, error)
}

func (f *fakeRemote) FetchIssue(_ context.Context, issueID string) (linear.Issue, error) {
	f.fetched = append(f.fetched, issueID)
	issue, ok := f.issues[issueID]
	if !ok {
		return linear.Issue{}, &linear.APIError{Kind: linear.KindNotFound, Messages: []string{"issue not found"}}
	}
	return issue, nil
}

func (f *fakeRemote) UpdateIssueState(_ context.Context, issueID, stateID string) (linear.WorkflowState, error) {
	f.updates = append(f.updates, issueID+"="+stateID)
	if f.updateFn != nil {
		return f.updateFn(issueID, stateID)
	}
	return linear.WorkflowState{ID: stateID}, nil
}

func (f *fakeRemote) CreateComment(_ context.Context, issueID, body string) (string, error) {
	f.comments = append(f.comments, issueID+":"+body)
	return fmt.Sprintf("comment-%d", len(f.comments)), nil
}

type fakeSyncer struct {
	teamFn  func(ctx context.Context, teamID, source string) (syncer.Result, error)
	sources []string
}

func (f *fakeSyncer) SyncTeamHierarchyFrom(ctx context.Context, teamID, source string) (syncer.Result, error) {
	f.sources = append(f.sources, source)
	if f.teamFn != nil {
		return f.teamFn(ctx, teamID, source)
	}
	return syncer.Result{TeamID: teamID, IssueCount: 3}, nil
}

func (f *fakeSyncer) SyncTeamsFrom(_ context.Context, source string) ([]syncer.Result, error) {
	f.sources = append(f.sources, source)
	return []syncer.Result{{TeamID: "t1"}, {TeamID: "t2", Error: "linear down"}}, nil
}

type fakeNotifier struct {
	sent []email.ReviewNotification
	to   [][]string
}

func (f *fakeNotifier) IsConfigured() bool { return true }

func (f *fakeNotifier) SendReviewNotification(to []string, n email.ReviewNotification) error {
	f.to = append(f.to, to)
	f.sent = append(f.sent, n)
	return nil
}

type testEnv struct {
	svc      *Service
	store    *fakeStore
	remote   *fakeRemote
	notifier *fakeNotifier
	mirror   *kv.Mirror
	admin    *admin.Store
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kvStore := kv.NewWithClient(client)
	env := &testEnv{
		store:    newFakeStore(),
		remote:   &fakeRemote{},
		notifier: &fakeNotifier{},
		mirror:   kv.NewMirror(kvStore),
		admin:    admin.New(kvStore),
		mr:       mr,
	}
	cfg := config.Config{
		JWTSecret:    "test-secret",
		SyncToken:    "sync-secret",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   24 * time.Hour,
		PortalName:   "Signoff",
		NotifyEmails: []string{"pm@example.com"},
	}
	env.svc = New(cfg, Deps{
		Store:     env.store,
		Sessions:  session.NewRedisStoreWithClient(client),
		Admin:     env.admin,
		Mirror:    env.mirror,
		Remote:    env.remote,
		Email:     env.notifier,
		Passwords: authpw.NewServiceWithCost(env.store, bcrypt.MinCost),
	})
	env.svc.notify = func(fn func()) { fn() }
	return env
}

func stateNamed(name workflow.State) *linear.WorkflowState {
	return &linear.WorkflowState{ID: "s-" + strings.ReplaceAll(string(name), " ", "-"), Name: string(name)}
}

func mirrorIssue(id, identifier, teamID, parentID string, state workflow.State, childIDs ...string) linear.Issue {
	issue := linear.Issue{
		ID:         id,
		Identifier: identifier,
		Title:      "Issue " + identifier,
		URL:        "https://linear.app/acme/issue/" + identifier,
		State:      stateNamed(state),
		Team:       &linear.TeamRef{ID: teamID},
		ChildIDs:   childIDs,
	}
	if parentID != "" {
		issue.Parent = &linear.IssueRef{ID: parentID}
	}
	return issue
}

// seed mirrors two teams. In ENG, ENG-1 is in Client Review with one
// approved and one pending sub-issue; ENG-4 stands alone.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	teams := []linear.Team{
		{ID: "t1", Key: "ENG", Name: "Engineering"},
		{ID: "t2", Key: "OPS", Name: "Operations"},
	}
	for _, team := range teams {
		if _, err := e.mirror.PutTeam(ctx, team); err != nil {
			t.Fatalf("PutTeam failed: %v", err)
		}
		var states []linear.WorkflowState
		for _, name := range []workflow.State{workflow.StateTodo, workflow.StateClientReview, workflow.StateChangesRequested, workflow.StateApproved, workflow.StateReleaseReady} {
			states = append(states, *stateNamed(name))
		}
		if _, err := e.mirror.PutStates(ctx, team.ID, states); err != nil {
			t.Fatalf("PutStates failed: %v", err)
		}
	}
	if _, err := e.mirror.PutTeamForest(ctx, syncer.TreeNodes(syncer.BuildTeamForest(teams).Roots, func(team linear.Team) string { return team.Key })); err != nil {
		t.Fatalf("PutTeamForest failed: %v", err)
	}

	issues := map[string][]linear.Issue{
		"t1": {
			mirrorIssue("p1", "ENG-1", "t1", "", workflow.StateClientReview, "c1", "c2"),
			mirrorIssue("c1", "ENG-2", "t1", "p1", workflow.StateApproved),
			mirrorIssue("c2", "ENG-3", "t1", "p1", workflow.StateClientReview),
			mirrorIssue("solo", "ENG-4", "t1", "", workflow.StateClientReview),
		},
		"t2": {
			mirrorIssue("o1", "OPS-1", "t2", "", workflow.StateClientReview),
		},
	}
	for teamID, list := range issues {
		ids := make([]string, 0, len(list))
		for _, issue := range list {
			if _, err := e.mirror.PutIssue(ctx, issue); err != nil {
				t.Fatalf("PutIssue failed: %v", err)
			}
			ids = append(ids, issue.ID)
		}
		if err := e.mirror.ReplaceTeamIssues(ctx, teamID, ids); err != nil {
			t.Fatalf("ReplaceTeamIssues failed: %v", err)
		}
	}
}

// user creates an account with the given role and returns a live session.
func (e *testEnv) user(t *testing.T, id string, role string, teams ...string) Session {
	t.Helper()
	ctx := context.Background()
	user := e.store.addUser(id, "User "+id, id+"@example.com")
	if err := e.admin.SetRole(ctx, id, role); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}
	if len(teams) > 0 {
		if err := e.admin.SetUserTeams(ctx, id, teams); err != nil {
			t.Fatalf("SetUserTeams failed: %v", err)
		}
	}
	sess, err := e.svc.issueSession(ctx, user)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}
	return sess
}
