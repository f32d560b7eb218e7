package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"signoff/api/internal/authpw"
	"signoff/api/internal/export"
	"signoff/api/internal/rbac"
	"signoff/api/internal/search"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
)

// SyncTeam re-mirrors one team from Linear.
func (s *Service) SyncTeam(ctx context.Context, teamID, source string) (syncer.Result, error) {
	if s.syncer == nil {
		return syncer.Result{}, errUnavailable("SYNC_UNAVAILABLE", "Linear sync is not configured")
	}
	return s.syncer.SyncTeamHierarchyFrom(ctx, teamID, source)
}

// SyncAll refreshes the team forest and every configured team.
func (s *Service) SyncAll(ctx context.Context, source string) (map[string]any, error) {
	if s.syncer == nil {
		return nil, errUnavailable("SYNC_UNAVAILABLE", "Linear sync is not configured")
	}
	results, err := s.syncer.SyncTeamsFrom(ctx, source)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results": results,
		"failed":  syncer.Failed(results),
	}, nil
}

// Search runs a query limited to the teams the caller may see.
func (s *Service) Search(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	empty := search.Response{Results: []search.Result{}, Query: q.Text}
	if s.search == nil {
		return empty, nil
	}
	access, err := s.access(ctx, sess)
	if err != nil {
		return search.Response{}, err
	}

	requested := q.TeamIDs
	q.TeamIDs = nil
	if access.Role != rbac.RoleAdmin || len(requested) > 0 {
		teams, err := s.mirror.ListTeams(ctx)
		if err != nil {
			return search.Response{}, fmt.Errorf("list teams: %w", err)
		}
		wanted := toSet(requested)
		for _, team := range access.FilterTeams(teams) {
			if len(wanted) > 0 {
				if _, ok := wanted[team.ID]; !ok {
					continue
				}
			}
			q.TeamIDs = append(q.TeamIDs, team.ID)
		}
		// an empty team list would search everything
		if len(q.TeamIDs) == 0 {
			return empty, nil
		}
	}
	return s.search.Search(ctx, q), nil
}

// Report renders a team's acceptance report.
func (s *Service) Report(ctx context.Context, sess Session, teamID, format string) (*export.Result, error) {
	if s.export == nil {
		return nil, errUnavailable("EXPORT_UNAVAILABLE", "Report export is not configured")
	}
	f, ok := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if !ok {
		return nil, export.ErrUnsupportedFormat
	}
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.visibleTeam(ctx, access, teamID); err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Request{
		TeamID:              teamID,
		Format:              f,
		GeneratedBy:         sess.UserName,
		IncludeDescriptions: true,
	})
}

type UserView struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        rbac.Role `json:"role"`
	Teams       []string  `json:"teams"`
	Deactivated bool      `json:"deactivated"`
}

func (s *Service) userView(ctx context.Context, user store.User) (UserView, error) {
	role, err := s.admin.Role(ctx, user.ID)
	if err != nil {
		return UserView{}, err
	}
	teams, err := s.admin.UserTeams(ctx, user.ID)
	if err != nil {
		return UserView{}, err
	}
	if teams == nil {
		teams = []string{}
	}
	return UserView{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        role,
		Teams:       teams,
		Deactivated: user.DeactivatedAt != nil,
	}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]UserView, 0, len(users))
	for _, user := range users {
		view, err := s.userView(ctx, user)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

type CreateUserInput struct {
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	DisplayName string   `json:"displayName"`
	Role        string   `json:"role"`
	Teams       []string `json:"teams"`
}

// CreateUser adds a portal account. Role defaults to client.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (UserView, error) {
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = string(rbac.RoleClient)
	}
	if !rbac.Valid(role) {
		return UserView{}, domainError(http.StatusBadRequest, "INVALID_ROLE", "Role must be client, reviewer or admin", map[string]any{"role": input.Role})
	}
	user, err := s.passwords.CreateUser(ctx, authpw.CreateUserRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
	})
	if err != nil {
		return UserView{}, err
	}
	if err := s.admin.SetRole(ctx, user.ID, role); err != nil {
		return UserView{}, err
	}
	if len(input.Teams) > 0 {
		if err := s.admin.SetUserTeams(ctx, user.ID, input.Teams); err != nil {
			return UserView{}, err
		}
	}
	log.Printf("admin: created user %s with role %s", user.Email, role)
	return s.userView(ctx, user)
}

func (s *Service) SetUserRole(ctx context.Context, userID, role string) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	if err := s.admin.SetRole(ctx, userID, role); err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user)
}

func (s *Service) SetUserTeams(ctx context.Context, userID string, teamIDs []string) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	if err := s.admin.SetUserTeams(ctx, userID, teamIDs); err != nil {
		return UserView{}, err
	}
	return s.userView(ctx, user)
}

// DeactivateUser blocks sign-in and drops the user's refresh sessions.
// Access tokens already issued stop working on their next request.
func (s *Service) DeactivateUser(ctx context.Context, actor Session, userID string) error {
	if userID == actor.UserID {
		return domainError(http.StatusConflict, "SELF_DEACTIVATION", "You cannot deactivate your own account", nil)
	}
	if err := s.store.DeactivateUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *Service) VisibleTeams(ctx context.Context) ([]string, error) {
	teams, err := s.admin.VisibleTeams(ctx)
	if err != nil {
		return nil, err
	}
	if teams == nil {
		teams = []string{}
	}
	return teams, nil
}

// SetVisibleTeams replaces the curated team list. An empty list shows every
// mirrored team.
func (s *Service) SetVisibleTeams(ctx context.Context, teamIDs []string) ([]string, error) {
	if err := s.admin.SetVisibleTeams(ctx, teamIDs); err != nil {
		return nil, err
	}
	return s.VisibleTeams(ctx)
}

func (s *Service) ListSyncRuns(ctx context.Context, teamID string, limit int) ([]store.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	runs, err := s.store.ListSyncRuns(ctx, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}
	return runs, nil
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
