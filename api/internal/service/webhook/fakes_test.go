package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/service/commitstatus"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/pkg/crypto"
)

type eventStore struct {
	mu     sync.Mutex
	order  []string
	events map[string]domain.WebhookEvent
}

func newEventStore() *eventStore {
	return &eventStore{events: map[string]domain.WebhookEvent{}}
}

func (s *eventStore) CreateWebhookEvent(_ context.Context, ev *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, ev.ID)
	s.events[ev.ID] = *ev
	return nil
}

func (s *eventStore) UpdateWebhookEvent(_ context.Context, ev *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		return repository.ErrNotFound
	}
	s.events[ev.ID] = *ev
	return nil
}

func (s *eventStore) ListWebhookEvents(context.Context, string, int) ([]domain.WebhookEvent, error) {
	return s.all(), nil
}

func (s *eventStore) all() []domain.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WebhookEvent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.events[id])
	}
	return out
}

func (s *eventStore) only(t *testing.T) domain.WebhookEvent {
	t.Helper()
	all := s.all()
	if len(all) != 1 {
		t.Fatalf("expected 1 webhook event, got %d", len(all))
	}
	return all[0]
}

type installationStore struct {
	records map[string]domain.AppInstallation
}

func (s *installationStore) UpsertAppInstallation(_ context.Context, inst *domain.AppInstallation) error {
	if s.records == nil {
		s.records = map[string]domain.AppInstallation{}
	}
	s.records[inst.Platform+"/"+inst.InstallationID] = *inst
	return nil
}

func (s *installationStore) FindAppInstallation(_ context.Context, platform, id string) (*domain.AppInstallation, error) {
	rec, ok := s.records[platform+"/"+id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

type userStore struct {
	repository.UserRepository
	users      map[string]*domain.User
	identities map[string]domain.Identity
	tokens     map[string][]domain.AccessToken
}

func (s *userStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) GetIdentity(_ context.Context, userID, host string) (*domain.Identity, error) {
	id, ok := s.identities[userID+"@"+host]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &id, nil
}

func (s *userStore) FindUserByIdentity(_ context.Context, host, authID string) (*domain.User, error) {
	for _, id := range s.identities {
		if id.AuthProviderHost == host && id.AuthID == authID {
			return s.GetUserByID(context.Background(), id.UserID)
		}
	}
	return nil, repository.ErrNotFound
}

func (s *userStore) UpsertIdentity(context.Context, *domain.Identity) error { return nil }

func (s *userStore) ListIdentitiesByUser(context.Context, string) ([]domain.Identity, error) {
	return nil, nil
}

func (s *userStore) CreateAccessToken(context.Context, *domain.AccessToken) error { return nil }

func (s *userStore) ListAccessTokensByUser(_ context.Context, userID string) ([]domain.AccessToken, error) {
	return s.tokens[userID], nil
}

type teamStore struct {
	repository.TeamRepository
	members map[string][]domain.TeamMember
}

func (s *teamStore) ListMembers(_ context.Context, teamID string) ([]domain.TeamMember, error) {
	return s.members[teamID], nil
}

type projectStore struct {
	repository.ProjectRepository
	projects      []domain.Project
	savedSettings map[string]domain.ProjectSettings
}

func (s *projectStore) FindProjectsByCloneURL(_ context.Context, cloneURL string) ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range s.projects {
		if domain.NormalizeCloneURL(p.CloneURL) == domain.NormalizeCloneURL(cloneURL) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *projectStore) UpdateProjectSettings(_ context.Context, projectID string, settings domain.ProjectSettings) error {
	if s.savedSettings == nil {
		s.savedSettings = map[string]domain.ProjectSettings{}
	}
	s.savedSettings[projectID] = settings
	return nil
}

type fakeConfigs struct {
	cfg domain.WorkspaceConfig
	err error
}

func (f fakeConfigs) FetchConfig(context.Context, *domain.User, domain.CommitContext) (domain.WorkspaceConfig, error) {
	return f.cfg, f.err
}

type fakeTrigger struct {
	mu      sync.Mutex
	calls   []prebuild.StartParams
	failFor map[string]bool
	done    bool
}

func (f *fakeTrigger) StartPrebuild(_ context.Context, p prebuild.StartParams) (prebuild.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if p.Project != nil && f.failFor[p.Project.ID] {
		return prebuild.StartResult{}, errors.New("runtime unavailable")
	}
	return prebuild.StartResult{PrebuildID: fmt.Sprintf("pb-%d", len(f.calls)), WorkspaceID: "ws", Done: f.done}, nil
}

type recordingChecks struct {
	mu   sync.Mutex
	regs []commitstatus.Registration
	err  error
}

func (c *recordingChecks) Register(_ context.Context, r commitstatus.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = append(c.regs, r)
	return c.err
}

type harness struct {
	svc      *Service
	checks   *recordingChecks
	events   *eventStore
	installs *installationStore
	users    *userStore
	teams    *teamStore
	projects *projectStore
	trigger  *fakeTrigger
	configs  *fakeConfigs
}

const (
	testCloneURL  = "https://github.com/acme/app.git"
	testGitHubKey = "topsecret"
)

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	enable := true
	h := &harness{
		events:   newEventStore(),
		installs: &installationStore{records: map[string]domain.AppInstallation{}},
		users: &userStore{
			users: map[string]*domain.User{
				"installer": {ID: "installer"},
				"member":    {ID: "member"},
			},
			identities: map[string]domain.Identity{},
			tokens:     map[string][]domain.AccessToken{},
		},
		teams: &teamStore{members: map[string][]domain.TeamMember{
			"team-1": {{TeamID: "team-1", UserID: "installer", Role: domain.TeamRoleOwner}},
		}},
		projects: &projectStore{projects: []domain.Project{{
			ID:       "project-1",
			TeamID:   "team-1",
			CloneURL: testCloneURL,
			Settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{Enable: &enable, BranchStrategy: domain.BranchStrategyAllBranches}},
		}}},
		trigger: &fakeTrigger{failFor: map[string]bool{}},
		checks:  &recordingChecks{},
		configs: &fakeConfigs{cfg: domain.WorkspaceConfig{
			Origin: domain.ConfigOriginRepo,
			Tasks:  []domain.Task{{Init: "make"}},
		}},
	}
	h.installs.records["github/42"] = domain.AppInstallation{Platform: "github", InstallationID: "42", OwnerUserID: "installer", State: domain.AppInstallationStateInstalled}
	for _, opt := range opts {
		opt(h)
	}
	h.svc = New(Deps{
		Events:        h.events,
		Installations: h.installs,
		Users:         h.users,
		Identities:    h.users,
		Tokens:        h.users,
		Teams:         h.teams,
		Projects:      h.projects,
		Configs:       h.configs,
		Prebuilds:     h.trigger,
		Checks:        h.checks,
	}, testGitHubKey, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

// issueToken stores a bcrypt hashed token for userID and returns the
// "<userID>|<secret>" header value.
func (h *harness) issueToken(t *testing.T, userID, secret string, scopes ...string) string {
	t.Helper()
	hash, err := crypto.HashPassword(secret)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	h.users.tokens[userID] = append(h.users.tokens[userID], domain.AccessToken{ID: secret, UserID: userID, SecretHash: hash, Scopes: scopes})
	return userID + "|" + secret
}
