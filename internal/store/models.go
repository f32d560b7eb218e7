package store

import "time"

type User struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Review event outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// ReviewEvent is one append-only audit row for a review action.
type ReviewEvent struct {
	ID         int64     `json:"id"`
	IssueID    string    `json:"issueId"`
	Identifier string    `json:"identifier"`
	TeamID     string    `json:"teamId"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	FromState  string    `json:"fromState"`
	ToState    string    `json:"toState"`
	ChildIDs   []string  `json:"childIds,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ActorID    string    `json:"actorId"`
	ActorName  string    `json:"actorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Sync run statuses.
const (
	SyncRunning   = "running"
	SyncSucceeded = "succeeded"
	SyncFailed    = "failed"
)

type SyncRun struct {
	ID         string     `json:"id"`
	TeamID     string     `json:"teamId"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	IssueCount int        `json:"issueCount"`
	Changed    int        `json:"changed"`
	Removed    int        `json:"removed"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
