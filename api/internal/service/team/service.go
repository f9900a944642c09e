package team

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
)

const defaultMaxProjects = 20

// Service handles team workflows.
type Service struct {
	repo   repository.TeamRepository
	users  repository.UserRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(repo repository.TeamRepository, users repository.UserRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{repo: repo, users: users, logger: logger.With("component", "team")}
}

var (
	errInvalidTeamName = apperr.New(apperr.CodeInvalidArgument, "team name is required")
	errInvalidRole     = apperr.New(apperr.CodeInvalidArgument, "role must be owner or member")
)

// Create registers a team with ownerID as its owner.
func (s Service) Create(ctx context.Context, ownerID, name string, maxProjects int) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errInvalidTeamName
	}
	if maxProjects <= 0 {
		maxProjects = defaultMaxProjects
	}
	team := &domain.Team{
		ID:          uuid.NewString(),
		Name:        name,
		MaxProjects: maxProjects,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	member := &domain.TeamMember{
		TeamID:    team.ID,
		UserID:    ownerID,
		Role:      domain.TeamRoleOwner,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info("team created", "team_id", team.ID, "owner_id", ownerID)
	return team, nil
}

// ListForUser returns the teams userID belongs to.
func (s Service) ListForUser(ctx context.Context, userID string) ([]domain.Team, error) {
	return s.repo.ListTeamsByUser(ctx, userID)
}

// Members lists the members of teamID.
func (s Service) Members(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	return s.repo.ListMembers(ctx, teamID)
}

// AddMember adds the user registered with email to the team, or updates
// their role.
func (s Service) AddMember(ctx context.Context, teamID, email, role string) (*domain.TeamMember, error) {
	if role == "" {
		role = domain.TeamRoleMember
	}
	if role != domain.TeamRoleOwner && role != domain.TeamRoleMember {
		return nil, errInvalidRole
	}
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.CodeNotFound, "no user with that email")
		}
		return nil, err
	}
	member := &domain.TeamMember{
		TeamID:    teamID,
		UserID:    user.ID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info("team member upserted", "team_id", teamID, "user_id", user.ID, "role", role)
	return member, nil
}
