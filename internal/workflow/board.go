package workflow

import "signoff/api/internal/linear"

// BoardColumns is the Kanban column order. Backlog and Canceled issues are
// not shown on the board.
var BoardColumns = []State{
	StateTodo,
	StateInProgress,
	StateInReview,
	StateClientReview,
	StateChangesRequested,
	StateApproved,
	StateReleaseReady,
	StateDone,
}

const otherColumn State = "Other"

type Column struct {
	State  State          `json:"state"`
	Issues []linear.Issue `json:"issues"`
}

// Board groups issues into the fixed columns, keeping input order inside a
// column. Issues in states outside the portal set land in a trailing
// "Other" column, which is omitted when empty.
func Board(issues []linear.Issue) []Column {
	columns := make([]Column, 0, len(BoardColumns)+1)
	position := make(map[State]int, len(BoardColumns))
	for i, s := range BoardColumns {
		position[s] = i
		columns = append(columns, Column{State: s, Issues: []linear.Issue{}})
	}
	var other []linear.Issue
	for _, issue := range issues {
		state := ParseState(issue.StateName())
		if state == StateBacklog || state == StateCanceled {
			continue
		}
		if i, ok := position[state]; ok {
			columns[i].Issues = append(columns[i].Issues, issue)
			continue
		}
		other = append(other, issue)
	}
	if len(other) > 0 {
		columns = append(columns, Column{State: otherColumn, Issues: other})
	}
	return columns
}
