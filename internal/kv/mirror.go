package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"signoff/api/internal/linear"
)

const mirrorPrefix = "mirror:"

func TeamsKey() string                   { return mirrorPrefix + "teams" }
func TeamForestKey() string              { return mirrorPrefix + "teams:tree" }
func TeamKey(teamID string) string       { return mirrorPrefix + "team:" + teamID }
func TeamIssuesKey(teamID string) string { return TeamKey(teamID) + ":issues" }
func TeamTreeKey(teamID string) string   { return TeamKey(teamID) + ":tree" }
func TeamStatesKey(teamID string) string { return TeamKey(teamID) + ":states" }
func TeamMetaKey(teamID string) string   { return TeamKey(teamID) + ":meta" }
func IssueKey(issueID string) string     { return mirrorPrefix + "issue:" + issueID }

// CachePrefix namespaces values derived from a team's mirror, such as
// rendered boards and search fallbacks. Every sync drops them.
func CachePrefix(teamID string) string { return "cache:team:" + teamID + ":" }

// TreeNode is the stored shape of one hierarchy node. Issue bodies live in
// their own snapshots; the tree carries ids and computed counts only.
type TreeNode struct {
	ID              string     `json:"id"`
	Identifier      string     `json:"identifier"`
	Level           int        `json:"level"`
	ChildCount      int        `json:"childCount"`
	DescendantCount int        `json:"descendantCount"`
	Orphan          bool       `json:"orphan,omitempty"`
	Cycle           bool       `json:"cycle,omitempty"`
	Children        []TreeNode `json:"children,omitempty"`
}

type Tree struct {
	TeamID string     `json:"teamId"`
	Roots  []TreeNode `json:"roots"`
}

// Meta describes the last successful sync of a team.
type Meta struct {
	TeamID     string    `json:"teamId"`
	SyncedAt   time.Time `json:"syncedAt"`
	IssueCount int       `json:"issueCount"`
	Changed    int       `json:"changed"`
	Removed    int       `json:"removed"`
	DurationMS int64     `json:"durationMs"`
}

// Mirror stores Linear snapshots under the mirror: layout.
type Mirror struct {
	store *Store
}

func NewMirror(store *Store) *Mirror {
	return &Mirror{store: store}
}

func (m *Mirror) Store() *Store { return m.store }

func (m *Mirror) PutTeam(ctx context.Context, team linear.Team) (bool, error) {
	changed, err := m.store.Put(ctx, TeamKey(team.ID), team)
	if err != nil {
		return false, err
	}
	if err := m.store.AddMembers(ctx, TeamsKey(), team.ID); err != nil {
		return false, err
	}
	return changed, nil
}

func (m *Mirror) GetTeam(ctx context.Context, teamID string) (linear.Team, error) {
	var team linear.Team
	if err := m.store.Get(ctx, TeamKey(teamID), &team); err != nil {
		return linear.Team{}, err
	}
	return team, nil
}

// ListTeams returns every mirrored team ordered by key.
func (m *Mirror) ListTeams(ctx context.Context) ([]linear.Team, error) {
	ids, err := m.store.Members(ctx, TeamsKey())
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = TeamKey(id)
	}
	raw, err := m.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	teams := make([]linear.Team, 0, len(raw))
	for _, data := range raw {
		var team linear.Team
		if err := json.Unmarshal(data, &team); err != nil {
			return nil, fmt.Errorf("decode team: %w", err)
		}
		teams = append(teams, team)
	}
	sort.SliceStable(teams, func(i, j int) bool { return teams[i].Key < teams[j].Key })
	return teams, nil
}

// PutTeamForest stores the parent/sub-team hierarchy of all teams.
func (m *Mirror) PutTeamForest(ctx context.Context, roots []TreeNode) (bool, error) {
	return m.store.Put(ctx, TeamForestKey(), Tree{Roots: roots})
}

func (m *Mirror) GetTeamForest(ctx context.Context) ([]TreeNode, error) {
	var tree Tree
	if err := m.store.Get(ctx, TeamForestKey(), &tree); err != nil {
		return nil, err
	}
	return tree.Roots, nil
}

func (m *Mirror) PutStates(ctx context.Context, teamID string, states []linear.WorkflowState) (bool, error) {
	return m.store.Put(ctx, TeamStatesKey(teamID), states)
}

func (m *Mirror) GetStates(ctx context.Context, teamID string) ([]linear.WorkflowState, error) {
	var states []linear.WorkflowState
	if err := m.store.Get(ctx, TeamStatesKey(teamID), &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (m *Mirror) PutIssue(ctx context.Context, issue linear.Issue) (bool, error) {
	return m.store.Put(ctx, IssueKey(issue.ID), issue)
}

func (m *Mirror) GetIssue(ctx context.Context, issueID string) (linear.Issue, error) {
	var issue linear.Issue
	if err := m.store.Get(ctx, IssueKey(issueID), &issue); err != nil {
		return linear.Issue{}, err
	}
	return issue, nil
}

// GetIssues loads snapshots for ids, skipping ids with no snapshot.
func (m *Mirror) GetIssues(ctx context.Context, ids []string) ([]linear.Issue, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = IssueKey(id)
	}
	raw, err := m.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	issues := make([]linear.Issue, 0, len(raw))
	for _, data := range raw {
		var issue linear.Issue
		if err := json.Unmarshal(data, &issue); err != nil {
			return nil, fmt.Errorf("decode issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// TeamIssues returns the snapshots of the team's current member set.
func (m *Mirror) TeamIssues(ctx context.Context, teamID string) ([]linear.Issue, error) {
	ids, err := m.store.Members(ctx, TeamIssuesKey(teamID))
	if err != nil {
		return nil, err
	}
	return m.GetIssues(ctx, ids)
}

func (m *Mirror) ReplaceTeamIssues(ctx context.Context, teamID string, ids []string) error {
	return m.store.ReplaceSet(ctx, TeamIssuesKey(teamID), ids)
}

func (m *Mirror) PutTree(ctx context.Context, tree Tree) (bool, error) {
	return m.store.Put(ctx, TeamTreeKey(tree.TeamID), tree)
}

func (m *Mirror) GetTree(ctx context.Context, teamID string) (Tree, error) {
	var tree Tree
	if err := m.store.Get(ctx, TeamTreeKey(teamID), &tree); err != nil {
		return Tree{}, err
	}
	return tree, nil
}

func (m *Mirror) PutMeta(ctx context.Context, meta Meta) error {
	_, err := m.store.Put(ctx, TeamMetaKey(meta.TeamID), meta)
	return err
}

func (m *Mirror) GetMeta(ctx context.Context, teamID string) (Meta, error) {
	var meta Meta
	if err := m.store.Get(ctx, TeamMetaKey(teamID), &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// InvalidateTeamCache drops derived values for a team.
func (m *Mirror) InvalidateTeamCache(ctx context.Context, teamID string) (int64, error) {
	return m.store.InvalidatePrefix(ctx, CachePrefix(teamID))
}

// Reconciliation reports what ReconcileOrphans changed.
type Reconciliation struct {
	Removed        []string `json:"removed"`
	ClearedParents []string `json:"clearedParents"`
}

// ReconcileOrphans removes snapshots of the team's issues that are not in
// liveIDs and clears parent references in live snapshots whose parent no
// longer has a snapshot anywhere in the mirror.
func (m *Mirror) ReconcileOrphans(ctx context.Context, teamID string, liveIDs []string) (Reconciliation, error) {
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}

	var result Reconciliation
	keys, err := m.store.Scan(ctx, IssueKey(""))
	if err != nil {
		return result, err
	}
	var stale []string
	for _, key := range keys {
		id := key[len(IssueKey("")):]
		if _, ok := live[id]; ok {
			continue
		}
		issue, err := m.GetIssue(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		if issue.Team == nil || issue.Team.ID != teamID {
			continue
		}
		stale = append(stale, key)
		result.Removed = append(result.Removed, id)
	}
	if _, err := m.store.Delete(ctx, stale...); err != nil {
		return result, err
	}

	for _, id := range liveIDs {
		issue, err := m.GetIssue(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		parentID := issue.ParentID()
		if parentID == "" {
			continue
		}
		if _, ok := live[parentID]; ok {
			continue
		}
		exists, err := m.store.Exists(ctx, IssueKey(parentID))
		if err != nil {
			return result, err
		}
		if exists {
			continue
		}
		issue.Parent = nil
		if _, err := m.PutIssue(ctx, issue); err != nil {
			return result, err
		}
		result.ClearedParents = append(result.ClearedParents, id)
	}
	return result, nil
}
