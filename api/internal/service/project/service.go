package project

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/service/precondition"
	"github.com/splax/prebuildd/pkg/apperr"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	TeamID   string
	Name     string
	CloneURL string
	Settings domain.ProjectSettings
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	teams    repository.TeamRepository
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, teams repository.TeamRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{projects: projects, teams: teams, logger: logger.With("component", "project")}
}

var (
	errInvalidProjectName = apperr.New(apperr.CodeInvalidArgument, "project name is required")
	errInvalidCloneURL    = apperr.New(apperr.CodeInvalidArgument, "clone_url must be an http(s) repository URL")
	errMissingTeamID      = apperr.New(apperr.CodeInvalidArgument, "team id required")
	errMissingProjectID   = apperr.New(apperr.CodeInvalidArgument, "project id required")
	errProjectQuota       = apperr.New(apperr.CodeConflict, "team project quota exceeded")
)

// Create registers a new project respecting team quotas.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errInvalidProjectName
	}
	cloneURL, err := normalizeCloneURL(input.CloneURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.TeamID) == "" {
		return nil, errMissingTeamID
	}
	if err := ValidateSettings(input.Settings); err != nil {
		return nil, err
	}
	team, err := s.teams.GetTeamByID(ctx, input.TeamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.CodeNotFound, "team not found")
		}
		return nil, err
	}
	count, err := s.teams.CountProjects(ctx, input.TeamID)
	if err != nil {
		return nil, err
	}
	if team.MaxProjects > 0 && count >= team.MaxProjects {
		return nil, errProjectQuota
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		TeamID:    input.TeamID,
		Name:      strings.TrimSpace(input.Name),
		CloneURL:  cloneURL,
		Settings:  input.Settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "team_id", project.TeamID, "clone_url", cloneURL)
	return project, nil
}

// ListByTeam returns projects owned by the team.
func (s Service) ListByTeam(ctx context.Context, teamID string) ([]domain.Project, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, errMissingTeamID
	}
	return s.projects.ListProjectsByTeam(ctx, teamID)
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.CodeNotFound, "project not found")
		}
		return nil, err
	}
	if project.MarkedDeleted {
		return nil, apperr.New(apperr.CodeNotFound, "project not found")
	}
	return project, nil
}

// UpdateSettings validates and replaces the project's settings.
func (s Service) UpdateSettings(ctx context.Context, projectID string, settings domain.ProjectSettings) (*domain.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	if err := s.projects.UpdateProjectSettings(ctx, project.ID, settings); err != nil {
		return nil, err
	}
	project.Settings = settings
	s.logger.Info("project settings updated", "project_id", project.ID, "prebuilds_enabled", project.PrebuildSettings().Enabled())
	return project, nil
}

// ValidateSettings rejects unknown strategies and malformed branch patterns.
func ValidateSettings(settings domain.ProjectSettings) error {
	if settings.PrebuildEveryNthCommit < 0 {
		return apperr.New(apperr.CodeInvalidArgument, "prebuildEveryNthCommit must not be negative")
	}
	if err := validatePatterns(settings.PrebuildBranchPattern); err != nil {
		return err
	}
	p := settings.Prebuilds
	if p == nil {
		return nil
	}
	switch p.BranchStrategy {
	case "", domain.BranchStrategyDefaultBranch, domain.BranchStrategyAllBranches:
	case domain.BranchStrategyMatched, domain.BranchStrategySelected:
		if strings.TrimSpace(p.BranchMatchingPattern) == "" {
			return apperr.New(apperr.CodeInvalidArgument, "branchMatchingPattern is required for matched branches")
		}
	default:
		return apperr.Newf(apperr.CodeInvalidArgument, "unknown branch strategy %q", p.BranchStrategy)
	}
	switch p.TriggerStrategy {
	case "", domain.TriggerStrategyWebhook, domain.TriggerStrategyActivity:
	default:
		return apperr.Newf(apperr.CodeInvalidArgument, "unknown trigger strategy %q", p.TriggerStrategy)
	}
	if p.PrebuildInterval < 0 {
		return apperr.New(apperr.CodeInvalidArgument, "prebuildInterval must not be negative")
	}
	return validatePatterns(p.BranchMatchingPattern)
}

func validatePatterns(raw string) error {
	for _, pattern := range precondition.SplitPatterns(raw) {
		if !doublestar.ValidatePattern(pattern) {
			return apperr.Newf(apperr.CodeInvalidArgument, "invalid branch pattern %q", pattern)
		}
	}
	return nil
}

func normalizeCloneURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return "", errInvalidCloneURL
	}
	u.Host = strings.ToLower(u.Host)
	out := strings.TrimSuffix(u.String(), "/")
	if !strings.HasSuffix(out, ".git") {
		out += ".git"
	}
	return out, nil
}
