// Package authz checks team scoped permissions.
package authz

import (
	"context"
	"errors"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
)

// Permission names an action on team resources.
type Permission string

const (
	PermissionReadProject     Permission = "read_project"
	PermissionReadPrebuild    Permission = "read_prebuild"
	PermissionCreatePrebuild  Permission = "create_prebuild"
	PermissionCreateWorkspace Permission = "create_workspace"
	PermissionWriteProject    Permission = "write_project"
	PermissionManageMembers   Permission = "manage_members"
)

// ownerOnly lists permissions members do not hold.
var ownerOnly = map[Permission]bool{
	PermissionManageMembers: true,
}

// Gate authorizes users through their team membership.
type Gate struct {
	teams repository.TeamRepository
}

// New constructs a Gate.
func New(teams repository.TeamRepository) Gate {
	return Gate{teams: teams}
}

// Check returns a PERMISSION_DENIED error unless userID may perform
// permission within teamID.
func (g Gate) Check(ctx context.Context, userID string, permission Permission, teamID string) error {
	if userID == "" || teamID == "" {
		return apperr.Newf(apperr.CodePermissionDenied, "%s not permitted", permission)
	}
	member, err := g.teams.GetMember(ctx, teamID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Newf(apperr.CodePermissionDenied, "%s not permitted", permission)
	}
	if err != nil {
		return err
	}
	if ownerOnly[permission] && member.Role != domain.TeamRoleOwner {
		return apperr.Newf(apperr.CodePermissionDenied, "%s requires the owner role", permission)
	}
	return nil
}
