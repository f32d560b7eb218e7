package syncer

import (
	"strings"

	"signoff/api/internal/hierarchy"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
)

// ReconcileParents makes parent and child references agree. An issue's own
// parent field wins; an issue without one takes the first issue that lists
// it as a child. ChildIDs are then rebuilt from the final parents, keeping
// listed children that live outside the batch.
func ReconcileParents(issues []linear.Issue) []linear.Issue {
	out := make([]linear.Issue, len(issues))
	copy(out, issues)

	byID := make(map[string]int, len(out))
	for i, issue := range out {
		byID[issue.ID] = i
	}

	for _, parent := range out {
		for _, childID := range parent.ChildIDs {
			idx, ok := byID[childID]
			if !ok || childID == parent.ID {
				continue
			}
			if out[idx].Parent == nil || out[idx].Parent.ID == "" {
				out[idx].Parent = &linear.IssueRef{ID: parent.ID, Identifier: parent.Identifier}
			}
		}
	}

	children := make(map[string][]string, len(out))
	for _, issue := range out {
		if parentID := issue.ParentID(); parentID != "" {
			children[parentID] = append(children[parentID], issue.ID)
		}
	}
	for i := range out {
		ids := children[out[i].ID]
		for _, childID := range out[i].ChildIDs {
			if _, inBatch := byID[childID]; !inBatch {
				ids = append(ids, childID)
			}
		}
		out[i].ChildIDs = ids
	}
	return out
}

func issueKey(issue linear.Issue) (string, string) {
	return issue.ID, issue.ParentID()
}

func issueLess(a, b linear.Issue) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	return strings.Compare(a.Identifier, b.Identifier) < 0
}

// BuildIssueForest is the hierarchy used for trees, boards and reports.
func BuildIssueForest(issues []linear.Issue) hierarchy.Forest[linear.Issue] {
	return hierarchy.Build(issues, issueKey, hierarchy.WithLess(issueLess))
}

func teamKey(team linear.Team) (string, string) {
	return team.ID, team.ParentID()
}

func BuildTeamForest(teams []linear.Team) hierarchy.Forest[linear.Team] {
	return hierarchy.Build(teams, teamKey, hierarchy.WithLess(func(a, b linear.Team) bool { return a.Key < b.Key }))
}

// TreeNodes converts a forest into the stored tree shape.
func TreeNodes[T any](roots []*hierarchy.Node[T], label func(T) string) []kv.TreeNode {
	out := make([]kv.TreeNode, 0, len(roots))
	for _, n := range roots {
		out = append(out, kv.TreeNode{
			ID:              n.ID,
			Identifier:      label(n.Item),
			Level:           n.Level,
			ChildCount:      n.ChildCount,
			DescendantCount: n.DescendantCount,
			Orphan:          n.Orphan,
			Cycle:           n.Cycle,
			Children:        TreeNodes(n.Children, label),
		})
	}
	return out
}
