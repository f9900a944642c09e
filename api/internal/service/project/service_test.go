package project

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
)

type stubProjectRepository struct {
	repository.ProjectRepository
	created   []domain.Project
	projects  map[string][]domain.Project
	projectBy map[string]domain.Project
	settings  map[string]domain.ProjectSettings
}

func (s *stubProjectRepository) CreateProject(_ context.Context, project *domain.Project) error {
	s.created = append(s.created, *project)
	return nil
}

func (s *stubProjectRepository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	if project, ok := s.projectBy[projectID]; ok {
		return &project, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) ListProjectsByTeam(_ context.Context, teamID string) ([]domain.Project, error) {
	return append([]domain.Project(nil), s.projects[teamID]...), nil
}

func (s *stubProjectRepository) UpdateProjectSettings(_ context.Context, projectID string, settings domain.ProjectSettings) error {
	if s.settings == nil {
		s.settings = map[string]domain.ProjectSettings{}
	}
	s.settings[projectID] = settings
	return nil
}

type stubTeamRepository struct {
	repository.TeamRepository
	count int
	max   int
}

func (s stubTeamRepository) CountProjects(context.Context, string) (int, error) {
	return s.count, nil
}

func (s stubTeamRepository) GetTeamByID(_ context.Context, teamID string) (*domain.Team, error) {
	if teamID == "missing" {
		return nil, repository.ErrNotFound
	}
	return &domain.Team{ID: teamID, MaxProjects: s.max}, nil
}

func newTestService(repo *stubProjectRepository, teams stubTeamRepository) Service {
	return New(repo, teams, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateNormalizesCloneURL(t *testing.T) {
	repo := &stubProjectRepository{}
	svc := newTestService(repo, stubTeamRepository{max: 5})
	project, err := svc.Create(context.Background(), CreateInput{TeamID: "team-1", Name: " app ", CloneURL: "https://GitHub.com/acme/app/"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.CloneURL != "https://github.com/acme/app.git" || project.Name != "app" {
		t.Fatalf("unexpected project %+v", project)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected project stored")
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc := newTestService(&stubProjectRepository{}, stubTeamRepository{max: 5})
	cases := []CreateInput{
		{TeamID: "team-1", CloneURL: "https://github.com/acme/app.git"},
		{TeamID: "team-1", Name: "app", CloneURL: "git@github.com:acme/app.git"},
		{TeamID: "team-1", Name: "app", CloneURL: "https://github.com"},
		{Name: "app", CloneURL: "https://github.com/acme/app.git"},
	}
	for _, in := range cases {
		if _, err := svc.Create(context.Background(), in); apperr.CodeOf(err) != apperr.CodeInvalidArgument {
			t.Fatalf("%+v: expected invalid argument, got %v", in, err)
		}
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	svc := newTestService(&stubProjectRepository{}, stubTeamRepository{count: 2, max: 2})
	_, err := svc.Create(context.Background(), CreateInput{TeamID: "team-1", Name: "app", CloneURL: "https://github.com/acme/app.git"})
	if err != errProjectQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestCreateUnknownTeam(t *testing.T) {
	svc := newTestService(&stubProjectRepository{}, stubTeamRepository{max: 2})
	_, err := svc.Create(context.Background(), CreateInput{TeamID: "missing", Name: "app", CloneURL: "https://github.com/acme/app.git"})
	if apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListByTeamRequiresTeamID(t *testing.T) {
	svc := newTestService(&stubProjectRepository{}, stubTeamRepository{})
	if _, err := svc.ListByTeam(context.Background(), " "); err != errMissingTeamID {
		t.Fatalf("expected errMissingTeamID, got %v", err)
	}
}

func TestGetHidesDeletedProjects(t *testing.T) {
	repo := &stubProjectRepository{projectBy: map[string]domain.Project{"p": {ID: "p", MarkedDeleted: true}}}
	svc := newTestService(repo, stubTeamRepository{})
	if _, err := svc.Get(context.Background(), "p"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateSettingsStoresValidSettings(t *testing.T) {
	repo := &stubProjectRepository{projectBy: map[string]domain.Project{"p": {ID: "p"}}}
	svc := newTestService(repo, stubTeamRepository{})
	enable := true
	settings := domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{
		Enable:                &enable,
		BranchStrategy:        domain.BranchStrategyMatched,
		BranchMatchingPattern: "main, release/*",
	}}
	project, err := svc.UpdateSettings(context.Background(), "p", settings)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !project.PrebuildSettings().Enabled() {
		t.Fatalf("expected prebuilds enabled")
	}
	if _, ok := repo.settings["p"]; !ok {
		t.Fatalf("expected settings stored")
	}
}

func TestValidateSettings(t *testing.T) {
	cases := []struct {
		name     string
		settings domain.ProjectSettings
		ok       bool
	}{
		{name: "empty", ok: true},
		{name: "legacy pattern", settings: domain.ProjectSettings{PrebuildBranchPattern: "feature/**"}, ok: true},
		{name: "bad legacy pattern", settings: domain.ProjectSettings{PrebuildBranchPattern: "feature/["}},
		{name: "matched without pattern", settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{BranchStrategy: domain.BranchStrategyMatched}}},
		{name: "unknown strategy", settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{BranchStrategy: "every-branch"}}},
		{name: "unknown trigger", settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{TriggerStrategy: "cron"}}},
		{name: "negative interval", settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{PrebuildInterval: -1}}},
		{name: "activity based", settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{TriggerStrategy: domain.TriggerStrategyActivity}}, ok: true},
	}
	for _, tc := range cases {
		err := ValidateSettings(tc.settings)
		if tc.ok && err != nil {
			t.Fatalf("%s: expected valid, got %v", tc.name, err)
		}
		if !tc.ok && apperr.CodeOf(err) != apperr.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
}
