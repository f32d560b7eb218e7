package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"signoff/api/internal/admin"
	"signoff/api/internal/hierarchy"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/rbac"
	"signoff/api/internal/syncer"
	"signoff/api/internal/workflow"
)

type TeamView struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	ParentID   string     `json:"parentId,omitempty"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`
	IssueCount int        `json:"issueCount"`
}

// IssueNode is an issue with its derived review status and its place in the
// team hierarchy.
type IssueNode struct {
	Issue           linear.Issue    `json:"issue"`
	Status          workflow.Status `json:"status"`
	Level           int             `json:"level"`
	ChildCount      int             `json:"childCount"`
	DescendantCount int             `json:"descendantCount"`
	Orphan          bool            `json:"orphan,omitempty"`
	Cycle           bool            `json:"cycle,omitempty"`
	Children        []IssueNode     `json:"children,omitempty"`
}

const boardCacheSuffix = "board"

func (s *Service) teamView(ctx context.Context, team linear.Team) TeamView {
	view := TeamView{ID: team.ID, Key: team.Key, Name: team.Name, ParentID: team.ParentID()}
	meta, err := s.mirror.GetMeta(ctx, team.ID)
	if err == nil {
		syncedAt := meta.SyncedAt
		view.SyncedAt = &syncedAt
		view.IssueCount = meta.IssueCount
	} else if !errors.Is(err, kv.ErrNotFound) {
		log.Printf("teams: read meta for %s: %v", team.ID, err)
	}
	return view
}

// ListTeams returns the mirrored teams the caller may see, plus the team
// forest pruned to those teams.
func (s *Service) ListTeams(ctx context.Context, sess Session) (map[string]any, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	teams, err := s.mirror.ListTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	visible := access.FilterTeams(teams)
	views := make([]TeamView, 0, len(visible))
	for _, team := range visible {
		views = append(views, s.teamView(ctx, team))
	}

	forest, err := s.mirror.GetTeamForest(ctx)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read team forest: %w", err)
	}
	return map[string]any{
		"teams":  views,
		"forest": pruneForest(forest, access.CanSeeTeam, 0),
	}, nil
}

// pruneForest drops nodes keep rejects. Kept descendants of a dropped node
// move up to its position and levels are recomputed.
func pruneForest(nodes []kv.TreeNode, keep func(string) bool, level int) []kv.TreeNode {
	out := make([]kv.TreeNode, 0, len(nodes))
	for _, node := range nodes {
		if !keep(node.ID) {
			out = append(out, pruneForest(node.Children, keep, level)...)
			continue
		}
		node.Level = level
		node.Children = pruneForest(node.Children, keep, level+1)
		node.ChildCount = len(node.Children)
		node.DescendantCount = countDescendants(node.Children)
		out = append(out, node)
	}
	return out
}

func countDescendants(nodes []kv.TreeNode) int {
	n := len(nodes)
	for _, node := range nodes {
		n += countDescendants(node.Children)
	}
	return n
}

// visibleTeam loads a team and hides it behind a 404 when the caller may not
// see it.
func (s *Service) visibleTeam(ctx context.Context, access admin.Access, teamID string) (linear.Team, error) {
	if !access.CanSeeTeam(teamID) {
		return linear.Team{}, errTeamNotFound(teamID)
	}
	team, err := s.mirror.GetTeam(ctx, teamID)
	if errors.Is(err, kv.ErrNotFound) {
		return linear.Team{}, errTeamNotFound(teamID)
	}
	if err != nil {
		return linear.Team{}, fmt.Errorf("read team: %w", err)
	}
	return team, nil
}

func (s *Service) GetTeam(ctx context.Context, sess Session, teamID string) (map[string]any, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	team, err := s.visibleTeam(ctx, access, teamID)
	if err != nil {
		return nil, err
	}
	states, err := s.mirror.GetStates(ctx, teamID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read states: %w", err)
	}
	if states == nil {
		states = []linear.WorkflowState{}
	}
	return map[string]any{
		"team":   s.teamView(ctx, team),
		"states": states,
	}, nil
}

func (s *Service) teamForest(ctx context.Context, teamID string) (hierarchy.Forest[linear.Issue], error) {
	issues, err := s.mirror.TeamIssues(ctx, teamID)
	if err != nil {
		return hierarchy.Forest[linear.Issue]{}, fmt.Errorf("read team issues: %w", err)
	}
	return syncer.BuildIssueForest(issues), nil
}

// TeamIssues returns a team's issues as a nested tree or, with view=flat,
// as a pre-order list carrying levels.
func (s *Service) TeamIssues(ctx context.Context, sess Session, teamID, view string) (map[string]any, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.visibleTeam(ctx, access, teamID); err != nil {
		return nil, err
	}
	forest, err := s.teamForest(ctx, teamID)
	if err != nil {
		return nil, err
	}
	statuses := workflow.DeriveForest(forest)

	switch strings.ToLower(strings.TrimSpace(view)) {
	case "", "tree":
		return map[string]any{
			"teamId": teamID,
			"view":   "tree",
			"total":  forest.Len(),
			"roots":  issueNodes(forest.Roots, statuses),
		}, nil
	case "flat":
		flat := forest.Flatten()
		items := make([]IssueNode, 0, len(flat))
		for _, n := range flat {
			node := issueNode(n, statuses)
			node.Children = nil
			items = append(items, node)
		}
		return map[string]any{
			"teamId": teamID,
			"view":   "flat",
			"total":  len(items),
			"issues": items,
		}, nil
	default:
		return nil, domainError(http.StatusBadRequest, "INVALID_VIEW", "view must be tree or flat", map[string]any{"view": view})
	}
}

func issueNode(n *hierarchy.Node[linear.Issue], statuses map[string]workflow.Status) IssueNode {
	return IssueNode{
		Issue:           n.Item,
		Status:          statuses[n.ID],
		Level:           n.Level,
		ChildCount:      n.ChildCount,
		DescendantCount: n.DescendantCount,
		Orphan:          n.Orphan,
		Cycle:           n.Cycle,
		Children:        issueNodes(n.Children, statuses),
	}
}

func issueNodes(nodes []*hierarchy.Node[linear.Issue], statuses map[string]workflow.Status) []IssueNode {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]IssueNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, issueNode(n, statuses))
	}
	return out
}

type BoardView struct {
	TeamID  string            `json:"teamId"`
	Columns []workflow.Column `json:"columns"`
}

// Board groups a team's issues into Kanban columns in hierarchy order. The
// result is cached until the next sync or review action.
func (s *Service) Board(ctx context.Context, sess Session, teamID string) (BoardView, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return BoardView{}, err
	}
	if _, err := s.visibleTeam(ctx, access, teamID); err != nil {
		return BoardView{}, err
	}

	cacheKey := kv.CachePrefix(teamID) + boardCacheSuffix
	var cached BoardView
	if err := s.mirror.Store().Get(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		log.Printf("board: read cache for %s: %v", teamID, err)
	}

	forest, err := s.teamForest(ctx, teamID)
	if err != nil {
		return BoardView{}, err
	}
	ordered := make([]linear.Issue, 0, forest.Len())
	for _, n := range forest.Flatten() {
		ordered = append(ordered, n.Item)
	}
	board := BoardView{TeamID: teamID, Columns: workflow.Board(ordered)}
	if _, err := s.mirror.Store().Put(ctx, cacheKey, board); err != nil {
		log.Printf("board: write cache for %s: %v", teamID, err)
	}
	return board, nil
}

// loadIssue returns a visible issue from the mirror.
func (s *Service) loadIssue(ctx context.Context, access admin.Access, issueID string) (linear.Issue, error) {
	issue, err := s.mirror.GetIssue(ctx, issueID)
	if errors.Is(err, kv.ErrNotFound) {
		return linear.Issue{}, errIssueNotFound(issueID)
	}
	if err != nil {
		return linear.Issue{}, fmt.Errorf("read issue: %w", err)
	}
	if issue.Team == nil || !access.CanSeeTeam(issue.Team.ID) {
		return linear.Issue{}, errIssueNotFound(issueID)
	}
	return issue, nil
}

// loadChildren returns every direct child of issue in ChildIDs order.
// Children without a mirror snapshot (sub-issues in teams that are not
// synced) are read from Linear; when that fails they are returned with no
// state so they block approval. The ids of such children are returned as
// unsynced.
func (s *Service) loadChildren(ctx context.Context, issue linear.Issue) ([]linear.Issue, map[string]struct{}, error) {
	mirrored, err := s.mirror.GetIssues(ctx, issue.ChildIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("read sub-issues: %w", err)
	}
	byID := make(map[string]linear.Issue, len(mirrored))
	for _, child := range mirrored {
		byID[child.ID] = child
	}

	children := make([]linear.Issue, 0, len(issue.ChildIDs))
	unsynced := map[string]struct{}{}
	for _, id := range issue.ChildIDs {
		if child, ok := byID[id]; ok {
			children = append(children, child)
			continue
		}
		unsynced[id] = struct{}{}
		children = append(children, s.fetchUnsyncedChild(ctx, issue, id))
	}
	return children, unsynced, nil
}

func (s *Service) fetchUnsyncedChild(ctx context.Context, parent linear.Issue, childID string) linear.Issue {
	placeholder := linear.Issue{ID: childID, Identifier: childID, Parent: &linear.IssueRef{ID: parent.ID}}
	if s.fetcher == nil {
		return placeholder
	}
	child, err := s.fetcher.FetchIssue(ctx, childID)
	if err != nil {
		log.Printf("review: sub-issue %s of %s is not mirrored and could not be fetched: %v", childID, parent.Identifier, err)
		return placeholder
	}
	return child
}

// reviewItems loads a visible issue and its children as workflow items.
func (s *Service) reviewItems(ctx context.Context, access admin.Access, issueID string) (linear.Issue, []workflow.Item, error) {
	issue, err := s.loadIssue(ctx, access, issueID)
	if err != nil {
		return linear.Issue{}, nil, err
	}
	children, unsynced, err := s.loadChildren(ctx, issue)
	if err != nil {
		return linear.Issue{}, nil, err
	}
	items := workflow.ItemsFromIssues(children)
	for i := range items {
		if _, ok := unsynced[items[i].ID]; ok {
			items[i].Unsynced = true
		}
	}
	return issue, items, nil
}

func (s *Service) GetIssue(ctx context.Context, sess Session, issueID string) (map[string]any, error) {
	access, err := s.access(ctx, sess)
	if err != nil {
		return nil, err
	}
	issue, err := s.loadIssue(ctx, access, issueID)
	if err != nil {
		return nil, err
	}
	children, _, err := s.loadChildren(ctx, issue)
	if err != nil {
		return nil, err
	}

	childViews := make([]map[string]any, 0, len(children))
	for _, child := range children {
		grandchildren, err := s.mirror.GetIssues(ctx, child.ChildIDs)
		if err != nil {
			return nil, fmt.Errorf("read sub-issues: %w", err)
		}
		childViews = append(childViews, map[string]any{
			"issue":  child,
			"status": workflow.Derive(workflow.ItemFromIssue(child), workflow.ItemsFromIssues(grandchildren)),
		})
	}

	var parent any
	if parentID := issue.ParentID(); parentID != "" {
		if p, err := s.mirror.GetIssue(ctx, parentID); err == nil {
			parent = map[string]any{"id": p.ID, "identifier": p.Identifier, "title": p.Title}
		}
	}

	return map[string]any{
		"issue":     issue,
		"status":    workflow.Derive(workflow.ItemFromIssue(issue), workflow.ItemsFromIssues(children)),
		"parent":    parent,
		"children":  childViews,
		"canReview": rbac.Can(access.Role, rbac.ActionReview),
	}, nil
}
