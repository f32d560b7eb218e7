// Package linear is a thin GraphQL client for the Linear API.
package linear

import "time"

// TeamRef is a parent team reference.
type TeamRef struct {
	ID  string `json:"id"`
	Key string `json:"key,omitempty"`
}

type Team struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Name   string   `json:"name"`
	Parent *TeamRef `json:"parent,omitempty"`
}

// ParentID returns the parent team id or "".
func (t Team) ParentID() string {
	if t.Parent == nil {
		return ""
	}
	return t.Parent.ID
}

type WorkflowState struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type IssueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier,omitempty"`
}

type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// Issue is the portal's view of a Linear issue. ChildIDs holds the ids from
// the issue's children connection, completed across pages by the syncer.
type Issue struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Priority    int            `json:"priority"`
	SortOrder   float64        `json:"sortOrder"`
	State       *WorkflowState `json:"state,omitempty"`
	Team        *TeamRef       `json:"team,omitempty"`
	Parent      *IssueRef      `json:"parent,omitempty"`
	Assignee    *User          `json:"assignee,omitempty"`
	Labels      []string       `json:"labels,omitempty"`
	ChildIDs    []string       `json:"childIds,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// ParentID returns the parent issue id or "".
func (i Issue) ParentID() string {
	if i.Parent == nil {
		return ""
	}
	return i.Parent.ID
}

// StateName returns the workflow state name or "".
func (i Issue) StateName() string {
	if i.State == nil {
		return ""
	}
	return i.State.Name
}

// IssuePage is one page of a team's issues. ChildPages reports issues whose
// inline children connection was truncated.
type IssuePage struct {
	Issues     []Issue
	PageInfo   PageInfo
	ChildPages map[string]PageInfo
}

// wire types

type issueNode struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Priority    int            `json:"priority"`
	SortOrder   float64        `json:"sortOrder"`
	State       *WorkflowState `json:"state"`
	Team        *TeamRef       `json:"team"`
	Parent      *IssueRef      `json:"parent"`
	Assignee    *User          `json:"assignee"`
	Labels      *struct {
		Nodes []Label `json:"nodes"`
	} `json:"labels"`
	Children *struct {
		Nodes    []IssueRef `json:"nodes"`
		PageInfo PageInfo   `json:"pageInfo"`
	} `json:"children"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (n issueNode) toIssue() Issue {
	issue := Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		URL:         n.URL,
		Priority:    n.Priority,
		SortOrder:   n.SortOrder,
		State:       n.State,
		Team:        n.Team,
		Parent:      n.Parent,
		Assignee:    n.Assignee,
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
		CompletedAt: n.CompletedAt,
	}
	if n.Labels != nil {
		for _, l := range n.Labels.Nodes {
			issue.Labels = append(issue.Labels, l.Name)
		}
	}
	if n.Children != nil {
		for _, c := range n.Children.Nodes {
			issue.ChildIDs = append(issue.ChildIDs, c.ID)
		}
	}
	return issue
}
