package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
)

type teamStub struct {
	repository.TeamRepository
	members map[string]string
	err     error
}

func (s teamStub) GetMember(_ context.Context, teamID, userID string) (*domain.TeamMember, error) {
	if s.err != nil {
		return nil, s.err
	}
	role, ok := s.members[teamID+"/"+userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &domain.TeamMember{TeamID: teamID, UserID: userID, Role: role}, nil
}

func TestCheck(t *testing.T) {
	gate := New(teamStub{members: map[string]string{
		"t1/owner":  domain.TeamRoleOwner,
		"t1/member": domain.TeamRoleMember,
	}})
	ctx := context.Background()

	if err := gate.Check(ctx, "member", PermissionReadPrebuild, "t1"); err != nil {
		t.Fatalf("expected member to read prebuilds, got %v", err)
	}
	if err := gate.Check(ctx, "owner", PermissionManageMembers, "t1"); err != nil {
		t.Fatalf("expected owner to manage members, got %v", err)
	}
	for _, tc := range []struct {
		user string
		perm Permission
		team string
	}{
		{"member", PermissionManageMembers, "t1"},
		{"stranger", PermissionReadPrebuild, "t1"},
		{"owner", PermissionReadPrebuild, "t2"},
		{"", PermissionReadPrebuild, "t1"},
	} {
		err := gate.Check(ctx, tc.user, tc.perm, tc.team)
		if apperr.CodeOf(err) != apperr.CodePermissionDenied {
			t.Fatalf("expected permission denied for %+v, got %v", tc, err)
		}
	}
}

func TestCheckPropagatesStorageErrors(t *testing.T) {
	boom := errors.New("boom")
	if err := New(teamStub{err: boom}).Check(context.Background(), "u", PermissionReadPrebuild, "t"); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
