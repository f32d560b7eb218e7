package rbac

type Role string
type Action string

const (
	RoleClient   Role = "client"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionReview Action = "review"
	ActionSync   Action = "sync"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionReview || action == ActionSync
	case RoleClient:
		return action == ActionRead || action == ActionReview
	default:
		return false
	}
}

// Valid reports whether role is one of the portal roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleClient, RoleReviewer, RoleAdmin:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleClient
}

// SeesAllTeams is true for roles not limited to their granted teams.
func SeesAllTeams(role Role) bool {
	return role == RoleReviewer || role == RoleAdmin
}
