package linear

import (
	"context"
	"errors"
	"fmt"
)

const childPageSize = 50

const teamsQuery = `
query Teams($first: Int!, $after: String) {
	teams(first: $first, after: $after) {
		nodes { id key name parent { id key } }
		pageInfo { hasNextPage endCursor }
	}
}`

const teamQuery = `
query Team($id: String!) {
	team(id: $id) { id key name parent { id key } }
}`

const teamStatesQuery = `
query TeamStates($id: String!) {
	team(id: $id) {
		id
		states { nodes { id name type position } }
	}
}`

const issueFields = `
	id
	identifier
	title
	description
	url
	priority
	sortOrder
	state { id name type position }
	team { id key }
	parent { id identifier }
	assignee { id name email }
	labels { nodes { id name } }
	children(first: 50) {
		nodes { id identifier }
		pageInfo { hasNextPage endCursor }
	}
	createdAt
	updatedAt
	completedAt
`

const teamIssuesQuery = `
query TeamIssues($id: String!, $first: Int!, $after: String) {
	team(id: $id) {
		id
		issues(first: $first, after: $after, includeArchived: false) {
			nodes {` + issueFields + `}
			pageInfo { hasNextPage endCursor }
		}
	}
}`

const issueQuery = `
query Issue($id: String!) {
	issue(id: $id) {` + issueFields + `}
}`

const issueChildrenQuery = `
query IssueChildren($id: String!, $first: Int!, $after: String) {
	issue(id: $id) {
		id
		children(first: $first, after: $after) {
			nodes { id identifier }
			pageInfo { hasNextPage endCursor }
		}
	}
}`

const issueUpdateMutation = `
mutation IssueUpdate($id: String!, $stateId: String!) {
	issueUpdate(id: $id, input: { stateId: $stateId }) {
		success
		issue { id state { id name type position } }
	}
}`

const commentCreateMutation = `
mutation CommentCreate($issueId: String!, $body: String!) {
	commentCreate(input: { issueId: $issueId, body: $body }) {
		success
		comment { id }
	}
}`

// FetchTeams returns every team visible to the API key.
func (c *Client) FetchTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	cursor := ""
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("fetch teams: exceeded %d pages", c.maxPages)
		}
		vars := map[string]any{"first": c.pageSize}
		if cursor != "" {
			vars["after"] = cursor
		}
		var resp struct {
			Teams struct {
				Nodes    []Team   `json:"nodes"`
				PageInfo PageInfo `json:"pageInfo"`
			} `json:"teams"`
		}
		if err := c.Execute(ctx, teamsQuery, vars, &resp); err != nil {
			return nil, fmt.Errorf("fetch teams: %w", err)
		}
		teams = append(teams, resp.Teams.Nodes...)
		next, more, err := advance(cursor, resp.Teams.PageInfo)
		if err != nil {
			return nil, fmt.Errorf("fetch teams: %w", err)
		}
		if !more {
			return teams, nil
		}
		cursor = next
	}
}

// FetchTeam returns a single team. A missing team yields ErrTeamNotFound.
func (c *Client) FetchTeam(ctx context.Context, teamID string) (Team, error) {
	var resp struct {
		Team *Team `json:"team"`
	}
	if err := c.Execute(ctx, teamQuery, map[string]any{"id": teamID}, &resp); err != nil {
		return Team{}, fmt.Errorf("fetch team %s: %w", teamID, asTeamNotFound(err))
	}
	if resp.Team == nil {
		return Team{}, fmt.Errorf("fetch team %s: %w", teamID, &APIError{Kind: KindTeamNotFound, Messages: []string{"team " + teamID + " not found"}})
	}
	return *resp.Team, nil
}

func (c *Client) FetchTeamStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	var resp struct {
		Team *struct {
			States struct {
				Nodes []WorkflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.Execute(ctx, teamStatesQuery, map[string]any{"id": teamID}, &resp); err != nil {
		return nil, fmt.Errorf("fetch states for team %s: %w", teamID, asTeamNotFound(err))
	}
	if resp.Team == nil {
		return nil, fmt.Errorf("fetch states for team %s: %w", teamID, &APIError{Kind: KindTeamNotFound, Messages: []string{"team " + teamID + " not found"}})
	}
	return resp.Team.States.Nodes, nil
}

// FetchTeamIssuesPage returns one page of a team's issues starting after the
// given cursor ("" for the first page).
func (c *Client) FetchTeamIssuesPage(ctx context.Context, teamID, after string) (IssuePage, error) {
	vars := map[string]any{"id": teamID, "first": c.pageSize}
	if after != "" {
		vars["after"] = after
	}
	var resp struct {
		Team *struct {
			Issues struct {
				Nodes    []issueNode `json:"nodes"`
				PageInfo PageInfo    `json:"pageInfo"`
			} `json:"issues"`
		} `json:"team"`
	}
	if err := c.Execute(ctx, teamIssuesQuery, vars, &resp); err != nil {
		return IssuePage{}, fmt.Errorf("fetch issues for team %s: %w", teamID, asTeamNotFound(err))
	}
	if resp.Team == nil {
		return IssuePage{}, fmt.Errorf("fetch issues for team %s: %w", teamID, &APIError{Kind: KindTeamNotFound, Messages: []string{"team " + teamID + " not found"}})
	}
	page := IssuePage{
		Issues:   make([]Issue, 0, len(resp.Team.Issues.Nodes)),
		PageInfo: resp.Team.Issues.PageInfo,
	}
	for _, node := range resp.Team.Issues.Nodes {
		page.Issues = append(page.Issues, node.toIssue())
		if node.Children != nil && node.Children.PageInfo.HasNextPage {
			if page.ChildPages == nil {
				page.ChildPages = make(map[string]PageInfo)
			}
			page.ChildPages[node.ID] = node.Children.PageInfo
		}
	}
	return page, nil
}

// FetchTeamIssues walks every page of a team's issues and completes any
// truncated children lists.
func (c *Client) FetchTeamIssues(ctx context.Context, teamID string) ([]Issue, error) {
	var issues []Issue
	truncated := map[string]PageInfo{}
	cursor := ""
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("fetch issues for team %s: exceeded %d pages", teamID, c.maxPages)
		}
		result, err := c.FetchTeamIssuesPage(ctx, teamID, cursor)
		if err != nil {
			return nil, err
		}
		issues = append(issues, result.Issues...)
		for id, info := range result.ChildPages {
			truncated[id] = info
		}
		next, more, err := advance(cursor, result.PageInfo)
		if err != nil {
			return nil, fmt.Errorf("fetch issues for team %s: %w", teamID, err)
		}
		if !more {
			break
		}
		cursor = next
	}

	for i := range issues {
		info, ok := truncated[issues[i].ID]
		if !ok {
			continue
		}
		rest, err := c.fetchChildrenAfter(ctx, issues[i].ID, info.EndCursor)
		if err != nil {
			return nil, err
		}
		issues[i].ChildIDs = appendUnique(issues[i].ChildIDs, rest...)
	}
	return issues, nil
}

// FetchIssueChildren returns every child id of an issue.
func (c *Client) FetchIssueChildren(ctx context.Context, issueID string) ([]string, error) {
	return c.fetchChildrenAfter(ctx, issueID, "")
}

func (c *Client) fetchChildrenAfter(ctx context.Context, issueID, cursor string) ([]string, error) {
	var ids []string
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("fetch children of %s: exceeded %d pages", issueID, c.maxPages)
		}
		vars := map[string]any{"id": issueID, "first": childPageSize}
		if cursor != "" {
			vars["after"] = cursor
		}
		var resp struct {
			Issue *struct {
				Children struct {
					Nodes    []IssueRef `json:"nodes"`
					PageInfo PageInfo   `json:"pageInfo"`
				} `json:"children"`
			} `json:"issue"`
		}
		if err := c.Execute(ctx, issueChildrenQuery, vars, &resp); err != nil {
			return nil, fmt.Errorf("fetch children of %s: %w", issueID, err)
		}
		if resp.Issue == nil {
			return nil, fmt.Errorf("fetch children of %s: %w", issueID, &APIError{Kind: KindNotFound, Messages: []string{"issue " + issueID + " not found"}})
		}
		for _, ref := range resp.Issue.Children.Nodes {
			ids = append(ids, ref.ID)
		}
		next, more, err := advance(cursor, resp.Issue.Children.PageInfo)
		if err != nil {
			return nil, fmt.Errorf("fetch children of %s: %w", issueID, err)
		}
		if !more {
			return ids, nil
		}
		cursor = next
	}
}

func (c *Client) FetchIssue(ctx context.Context, issueID string) (Issue, error) {
	var resp struct {
		Issue *issueNode `json:"issue"`
	}
	if err := c.Execute(ctx, issueQuery, map[string]any{"id": issueID}, &resp); err != nil {
		return Issue{}, fmt.Errorf("fetch issue %s: %w", issueID, err)
	}
	if resp.Issue == nil {
		return Issue{}, fmt.Errorf("fetch issue %s: %w", issueID, &APIError{Kind: KindNotFound, Messages: []string{"issue " + issueID + " not found"}})
	}
	return resp.Issue.toIssue(), nil
}

// UpdateIssueState moves an issue to the given workflow state.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) (WorkflowState, error) {
	var resp struct {
		IssueUpdate struct {
			Success bool `json:"success"`
			Issue   *struct {
				State *WorkflowState `json:"state"`
			} `json:"issue"`
		} `json:"issueUpdate"`
	}
	vars := map[string]any{"id": issueID, "stateId": stateID}
	if err := c.Execute(ctx, issueUpdateMutation, vars, &resp); err != nil {
		return WorkflowState{}, fmt.Errorf("update issue %s: %w", issueID, err)
	}
	if !resp.IssueUpdate.Success {
		return WorkflowState{}, fmt.Errorf("update issue %s: mutation reported failure", issueID)
	}
	if resp.IssueUpdate.Issue == nil || resp.IssueUpdate.Issue.State == nil {
		return WorkflowState{ID: stateID}, nil
	}
	return *resp.IssueUpdate.Issue.State, nil
}

// CreateComment posts a markdown comment and returns its id.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (string, error) {
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment *struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	vars := map[string]any{"issueId": issueID, "body": body}
	if err := c.Execute(ctx, commentCreateMutation, vars, &resp); err != nil {
		return "", fmt.Errorf("comment on issue %s: %w", issueID, err)
	}
	if !resp.CommentCreate.Success {
		return "", fmt.Errorf("comment on issue %s: mutation reported failure", issueID)
	}
	if resp.CommentCreate.Comment == nil {
		return "", nil
	}
	return resp.CommentCreate.Comment.ID, nil
}

var errStalledCursor = errors.New("pagination cursor did not advance")

// advance returns the cursor for the next page. A page claiming more results
// without a new cursor would loop forever, so it is an error.
func advance(current string, info PageInfo) (string, bool, error) {
	if !info.HasNextPage {
		return "", false, nil
	}
	if info.EndCursor == "" || info.EndCursor == current {
		return "", false, errStalledCursor
	}
	return info.EndCursor, true, nil
}

func asTeamNotFound(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindNotFound {
		apiErr.Kind = KindTeamNotFound
	}
	return err
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
