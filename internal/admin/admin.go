// Package admin keeps portal roles and team visibility in the KV store.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/rbac"
)

var ErrInvalidRole = errors.New("invalid role")

const prefix = "admin:"

func RoleKey(userID string) string  { return prefix + "role:" + userID }
func TeamsKey(userID string) string { return prefix + "teams:" + userID }
func VisibleTeamsKey() string       { return prefix + "visible_teams" }

type roleRecord struct {
	Role string `json:"role"`
}

type Store struct {
	kv *kv.Store
}

func New(store *kv.Store) *Store {
	return &Store{kv: store}
}

// Role returns the user's role. Users without a stored role are clients.
func (s *Store) Role(ctx context.Context, userID string) (rbac.Role, error) {
	var rec roleRecord
	err := s.kv.Get(ctx, RoleKey(userID), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return rbac.RoleClient, nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return rbac.Normalize(rec.Role), nil
}

func (s *Store) SetRole(ctx context.Context, userID, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Valid(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if _, err := s.kv.Put(ctx, RoleKey(userID), roleRecord{Role: role}); err != nil {
		return fmt.Errorf("write role: %w", err)
	}
	return nil
}

// Roles loads roles for several users at once.
func (s *Store) Roles(ctx context.Context, userIDs []string) (map[string]rbac.Role, error) {
	out := make(map[string]rbac.Role, len(userIDs))
	for _, id := range userIDs {
		role, err := s.Role(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = role
	}
	return out, nil
}

func (s *Store) UserTeams(ctx context.Context, userID string) ([]string, error) {
	return s.kv.Members(ctx, TeamsKey(userID))
}

// SetUserTeams replaces the teams a client may see.
func (s *Store) SetUserTeams(ctx context.Context, userID string, teamIDs []string) error {
	return s.kv.ReplaceSet(ctx, TeamsKey(userID), clean(teamIDs))
}

func (s *Store) GrantTeam(ctx context.Context, userID, teamID string) error {
	return s.kv.AddMembers(ctx, TeamsKey(userID), teamID)
}

func (s *Store) RevokeTeam(ctx context.Context, userID, teamID string) error {
	return s.kv.RemoveMembers(ctx, TeamsKey(userID), teamID)
}

// VisibleTeams is the curated list of teams shown in the portal. An empty
// list means every mirrored team is shown.
func (s *Store) VisibleTeams(ctx context.Context) ([]string, error) {
	return s.kv.Members(ctx, VisibleTeamsKey())
}

func (s *Store) SetVisibleTeams(ctx context.Context, teamIDs []string) error {
	return s.kv.ReplaceSet(ctx, VisibleTeamsKey(), clean(teamIDs))
}

// Access is a user's resolved view of the portal.
type Access struct {
	UserID  string
	Role    rbac.Role
	visible map[string]struct{}
	granted map[string]struct{}
}

// Resolve loads everything needed to answer CanSeeTeam for one request.
func (s *Store) Resolve(ctx context.Context, userID string) (Access, error) {
	role, err := s.Role(ctx, userID)
	if err != nil {
		return Access{}, err
	}
	access := Access{UserID: userID, Role: role}
	visible, err := s.VisibleTeams(ctx)
	if err != nil {
		return Access{}, err
	}
	if len(visible) > 0 {
		access.visible = toSet(visible)
	}
	if !rbac.SeesAllTeams(role) {
		granted, err := s.UserTeams(ctx, userID)
		if err != nil {
			return Access{}, err
		}
		access.granted = toSet(granted)
	}
	return access, nil
}

// CanSeeTeam applies the rules: admins see everything; other roles only see
// curated teams, and clients additionally only their granted teams.
func (a Access) CanSeeTeam(teamID string) bool {
	if a.Role == rbac.RoleAdmin {
		return true
	}
	if a.visible != nil {
		if _, ok := a.visible[teamID]; !ok {
			return false
		}
	}
	if rbac.SeesAllTeams(a.Role) {
		return true
	}
	_, ok := a.granted[teamID]
	return ok
}

func (a Access) Can(action rbac.Action) bool {
	return rbac.Can(a.Role, action)
}

// FilterTeams keeps the teams the user can see, preserving order.
func (a Access) FilterTeams(teams []linear.Team) []linear.Team {
	out := make([]linear.Team, 0, len(teams))
	for _, team := range teams {
		if a.CanSeeTeam(team.ID) {
			out = append(out, team)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
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
