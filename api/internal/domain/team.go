package domain

import "time"

// Team is an organization owning projects.
type Team struct {
	ID          string
	Name        string
	MaxProjects int
	CreatedAt   time.Time
}

// Team roles.
const (
	TeamRoleOwner  = "owner"
	TeamRoleMember = "member"
)

// TeamMember links a user to a team with a role.
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// CostCenter holds a team's usage budget. The entitlement gate only needs the
// yes/no answer of whether the limit has been reached.
type CostCenter struct {
	TeamID        string
	SpendingLimit int64
	CurrentUsage  int64
	UpdatedAt     time.Time
}

// LimitReached reports whether usage has met the spending limit. A zero
// limit means unlimited.
func (c CostCenter) LimitReached() bool {
	return c.SpendingLimit > 0 && c.CurrentUsage >= c.SpendingLimit
}
