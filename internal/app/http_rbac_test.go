package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"signoff/api/internal/linear"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
)

func linearError(kind string) error {
	return &linear.APIError{Kind: linear.ErrorKind(kind), Messages: []string{"upstream said no"}}
}

func TestClientCannotReachAdminOrSync(t *testing.T) {
	env := newTestEnv(t)
	env.svc.syncer = &fakeSyncer{}
	handler := NewHTTPServer(env.svc, "*").Handler()
	client := env.user(t, "u-client", "client", "t1")

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/users"},
		{http.MethodPut, "/api/admin/teams/visible"},
		{http.MethodPost, "/api/sync"},
		{http.MethodPost, "/api/teams/t1/sync"},
	}
	for _, tc := range cases {
		rec, payload := doRequest(t, handler, tc.method, tc.path, client.Token, map[string]any{})
		if rec.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
			t.Fatalf("%s %s: expected 403, got %d %v", tc.method, tc.path, rec.Code, payload)
		}
	}
}

func TestSyncAuthorization(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeSyncer{}
	env.svc.syncer = fake
	handler := NewHTTPServer(env.svc, "*").Handler()
	reviewer := env.user(t, "u-reviewer", "reviewer")

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set(syncTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad sync token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/teams/t1/sync", nil)
	req.Header.Set(syncTokenHeader, "sync-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected sync token to be accepted, got %d %s", rec.Code, rec.Body.String())
	}

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/sync", reviewer.Token, nil)
	if rec.Code != http.StatusOK || payload["failed"] != float64(1) {
		t.Fatalf("expected reviewer sync to run, got %d %v", rec.Code, payload)
	}

	want := []string{syncer.SourceSchedule, syncer.SourceManual}
	if len(fake.sources) != 2 || fake.sources[0] != want[0] || fake.sources[1] != want[1] {
		t.Fatalf("expected sources %v, got %v", want, fake.sources)
	}
}

func TestSyncFailureMapsLinearError(t *testing.T) {
	env := newTestEnv(t)
	env.svc.syncer = &fakeSyncer{teamFn: func(context.Context, string, string) (syncer.Result, error) {
		return syncer.Result{}, linearError(string(linear.KindTeamNotFound))
	}}
	handler := NewHTTPServer(env.svc, "*").Handler()
	adminSess := env.user(t, "u-admin", "admin")

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/teams/missing/sync", adminSess.Token, nil)
	if rec.Code != http.StatusNotFound || payload["code"] != "TEAM_NOT_FOUND" {
		t.Fatalf("expected 404 TEAM_NOT_FOUND, got %d %v", rec.Code, payload)
	}
}

func TestReviewEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	client := env.user(t, "u-client", "client", "t1")

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/issues/p1/evaluate?action=partial-approve&childIds=c2", client.Token, nil)
	if rec.Code != http.StatusOK || payload["allowed"] != true {
		t.Fatalf("expected partial approve to be allowed, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/issues/p1/approve", client.Token, nil)
	if rec.Code != http.StatusConflict || payload["code"] != "CHILDREN_NOT_APPROVED" {
		t.Fatalf("expected 409 CHILDREN_NOT_APPROVED, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/issues/p1/partial-approve", client.Token, map[string]any{})
	if rec.Code != http.StatusUnprocessableEntity || payload["code"] != "NO_SELECTION" {
		t.Fatalf("expected 422 NO_SELECTION, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/issues/p1/partial-approve", client.Token, map[string]any{"childIds": []string{"c2"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected partial approve to apply, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/issues/p1/events", client.Token, nil)
	events, _ := payload["events"].([]any)
	if rec.Code != http.StatusOK || len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d %v", rec.Code, payload)
	}
	latest := events[0].(map[string]any)
	if latest["outcome"] != store.OutcomeApplied || latest["action"] != "partial_approve" {
		t.Fatalf("unexpected latest event: %v", latest)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/issues/p1/evaluate?action=ship", client.Token, nil)
	if rec.Code != http.StatusBadRequest || payload["code"] != "INVALID_ACTION" {
		t.Fatalf("expected 400 INVALID_ACTION, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPost, "/api/issues/o1/approve", client.Token, nil)
	if rec.Code != http.StatusNotFound || payload["code"] != "ISSUE_NOT_FOUND" {
		t.Fatalf("expected hidden issue to 404, got %d %v", rec.Code, payload)
	}
}

func TestTeamEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	client := env.user(t, "u-client", "client", "t1")

	rec, payload := doRequest(t, handler, http.MethodGet, "/api/teams", client.Token, nil)
	teams, _ := payload["teams"].([]any)
	if rec.Code != http.StatusOK || len(teams) != 1 {
		t.Fatalf("expected one team, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/teams/t1/issues?view=flat", client.Token, nil)
	if rec.Code != http.StatusOK || payload["total"] != float64(4) {
		t.Fatalf("expected flat issue list, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/teams/t2/board", client.Token, nil)
	if rec.Code != http.StatusNotFound || payload["code"] != "TEAM_NOT_FOUND" {
		t.Fatalf("expected hidden team board to 404, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/teams/t1/report?format=pdf", client.Token, nil)
	if rec.Code != http.StatusServiceUnavailable || payload["code"] != "EXPORT_UNAVAILABLE" {
		t.Fatalf("expected 503 without an exporter, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodGet, "/api/search", client.Token, nil)
	if rec.Code != http.StatusBadRequest || payload["code"] != "QUERY_REQUIRED" {
		t.Fatalf("expected 400 QUERY_REQUIRED, got %d %v", rec.Code, payload)
	}
}

func TestAdminManagesUsers(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	adminSess := env.user(t, "u-admin", "admin")

	rec, payload := doRequest(t, handler, http.MethodPost, "/api/admin/users", adminSess.Token, map[string]any{
		"email":       "carla@example.com",
		"password":    "long enough",
		"displayName": "Carla",
		"teams":       []string{"t1"},
	})
	if rec.Code != http.StatusCreated || payload["role"] != "client" {
		t.Fatalf("expected created client, got %d %v", rec.Code, payload)
	}
	userID, _ := payload["id"].(string)

	rec, payload = doRequest(t, handler, http.MethodPut, "/api/admin/users/"+userID+"/role", adminSess.Token, map[string]string{"role": "reviewer"})
	if rec.Code != http.StatusOK || payload["role"] != "reviewer" {
		t.Fatalf("expected reviewer role, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPut, "/api/admin/users/"+userID+"/role", adminSess.Token, map[string]string{"role": "owner"})
	if rec.Code != http.StatusBadRequest || payload["code"] != "INVALID_ROLE" {
		t.Fatalf("expected 400 INVALID_ROLE, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPut, "/api/admin/users/nobody/teams", adminSess.Token, map[string]any{"teams": []string{"t1"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodPut, "/api/admin/teams/visible", adminSess.Token, map[string]any{"teams": []string{"t2", "t1", "t2"}})
	visible, _ := payload["teams"].([]any)
	if rec.Code != http.StatusOK || len(visible) != 2 {
		t.Fatalf("expected two curated teams, got %d %v", rec.Code, payload)
	}

	rec, payload = doRequest(t, handler, http.MethodDelete, "/api/admin/users/"+adminSess.UserID, adminSess.Token, nil)
	if rec.Code != http.StatusConflict || payload["code"] != "SELF_DEACTIVATION" {
		t.Fatalf("expected 409 SELF_DEACTIVATION, got %d %v", rec.Code, payload)
	}

	env.store.runs = []store.SyncRun{{ID: "run-1", TeamID: "t1", Status: store.SyncSucceeded}}
	rec, payload = doRequest(t, handler, http.MethodGet, "/api/admin/sync-runs?team=t1", adminSess.Token, nil)
	runs, _ := payload["runs"].([]any)
	if rec.Code != http.StatusOK || len(runs) != 1 {
		t.Fatalf("expected one sync run, got %d %v", rec.Code, payload)
	}
}
