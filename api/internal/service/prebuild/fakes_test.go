package prebuild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/api/internal/service/entitlement"
	"github.com/splax/prebuildd/api/internal/service/incremental"
	"github.com/splax/prebuildd/pkg/config"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

// memStore keeps prebuilds, workspaces and instances in memory.
type memStore struct {
	mu         sync.Mutex
	prebuilds  map[string]*domain.Prebuild
	workspaces map[string]*domain.Workspace
	instances  map[string]*domain.WorkspaceInstance
	infos      map[string]*domain.PrebuildInfo

	regularWorkspaces int
	countErr          error
	casConflicts      int
}

func newMemStore() *memStore {
	return &memStore{
		prebuilds:  map[string]*domain.Prebuild{},
		workspaces: map[string]*domain.Workspace{},
		instances:  map[string]*domain.WorkspaceInstance{},
		infos:      map[string]*domain.PrebuildInfo{},
	}
}

func (s *memStore) put(ws domain.Workspace, pb domain.Prebuild) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = &ws
	s.prebuilds[pb.ID] = &pb
}

func (s *memStore) prebuild(id string) domain.Prebuild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.prebuilds[id]
}

func (s *memStore) CreatePrebuildWorkspace(_ context.Context, ws *domain.Workspace, pb *domain.Prebuild) error {
	s.put(*ws, *pb)
	return nil
}

func (s *memStore) GetPrebuildByID(_ context.Context, id string) (*domain.Prebuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.prebuilds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *pb
	return &cp, nil
}

func (s *memStore) GetPrebuildByWorkspaceID(_ context.Context, workspaceID string) (*domain.Prebuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pb := range s.prebuilds {
		if pb.BuildWorkspaceID == workspaceID {
			cp := *pb
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) sorted(filter func(*domain.Prebuild) bool) []domain.PrebuildWithWorkspace {
	var out []domain.PrebuildWithWorkspace
	for _, pb := range s.prebuilds {
		if filter(pb) {
			out = append(out, domain.PrebuildWithWorkspace{Prebuild: *pb, Workspace: *s.workspaces[pb.BuildWorkspaceID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prebuild.CreatedAt.After(out[j].Prebuild.CreatedAt) })
	return out
}

func (s *memStore) FindPrebuiltWorkspaceByCommit(_ context.Context, cloneURL, commit string) (*domain.PrebuildWithWorkspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.sorted(func(pb *domain.Prebuild) bool {
		return pb.CloneURL == cloneURL && pb.Commit == commit && !pb.State.Unsuccessful()
	})
	if len(found) == 0 {
		return nil, repository.ErrNotFound
	}
	return &found[0], nil
}

func (s *memStore) FindPrebuildsWithWorkspace(_ context.Context, projectID string) ([]domain.PrebuildWithWorkspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(pb *domain.Prebuild) bool { return pb.ProjectID == projectID }), nil
}

func (s *memStore) FindActivePrebuildsByBranch(_ context.Context, projectID, branch string) ([]domain.PrebuildWithWorkspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(pb *domain.Prebuild) bool {
		return pb.ProjectID == projectID && pb.Branch == branch && pb.State.Active()
	}), nil
}

func (s *memStore) ListPrebuildsByProject(_ context.Context, projectID, _ string, _ int) ([]domain.Prebuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Prebuild
	for _, p := range s.sorted(func(pb *domain.Prebuild) bool { return pb.ProjectID == projectID }) {
		out = append(out, p.Prebuild)
	}
	return out, nil
}

func (s *memStore) ListActivePrebuildsCreatedBefore(_ context.Context, before time.Time) ([]domain.Prebuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Prebuild
	for _, p := range s.sorted(func(pb *domain.Prebuild) bool { return pb.State.Active() && pb.CreatedAt.Before(before) }) {
		out = append(out, p.Prebuild)
	}
	return out, nil
}

func (s *memStore) CountUnabortedPrebuildsSince(_ context.Context, cloneURL string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	count := 0
	for _, pb := range s.prebuilds {
		if pb.CloneURL == cloneURL && !pb.CreatedAt.Before(since) && pb.State != domain.PrebuildStateAborted {
			count++
		}
	}
	return count, nil
}

func (s *memStore) CompareAndSwapPrebuild(_ context.Context, pb *domain.Prebuild, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.prebuilds[pb.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.casConflicts > 0 {
		s.casConflicts--
		stored.StatusVersion++
		return repository.ErrConflict
	}
	if stored.StatusVersion != expectedVersion {
		return repository.ErrConflict
	}
	stored.State = pb.State
	stored.Error = pb.Error
	stored.StatusVersion = pb.StatusVersion
	return nil
}

func (s *memStore) StorePrebuildInfo(_ context.Context, info *domain.PrebuildInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.PrebuildID] = info
	return nil
}

func (s *memStore) GetPrebuildInfo(_ context.Context, id string) (*domain.PrebuildInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return info, nil
}

func (s *memStore) GetWorkspaceByID(_ context.Context, id string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *memStore) CreateInstance(_ context.Context, inst *domain.WorkspaceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *memStore) GetInstanceByID(_ context.Context, id string) (*domain.WorkspaceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *memStore) FindRunningInstance(_ context.Context, workspaceID string) (*domain.WorkspaceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.WorkspaceID == workspaceID && inst.Phase.Running() {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) UpdateInstancePhase(_ context.Context, instanceID string, phase domain.InstancePhase, stoppedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Phase = phase
	inst.StoppedAt = stoppedAt
	return nil
}

func (s *memStore) GetWorkspaceCountByCloneURL(context.Context, string, time.Time, domain.WorkspaceType) (int, error) {
	return s.regularWorkspaces, nil
}

type projectStore struct {
	repository.ProjectRepository
	mu           sync.Mutex
	usage        *domain.ProjectUsage
	webhookMarks int
	startMarks   []string
	markErr      error
	usageErr     error
}

func (p *projectStore) MarkWorkspaceStarted(_ context.Context, projectID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startMarks = append(p.startMarks, projectID)
	if p.markErr != nil {
		return p.markErr
	}
	if p.usage == nil {
		p.usage = &domain.ProjectUsage{ProjectID: projectID}
	}
	p.usage.LastWorkspaceStart = &at
	return nil
}

func (p *projectStore) MarkWebhookReceived(context.Context, string, time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhookMarks++
	return p.markErr
}

func (p *projectStore) GetProjectUsage(_ context.Context, projectID string) (*domain.ProjectUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usageErr != nil {
		return nil, p.usageErr
	}
	if p.usage == nil {
		return nil, repository.ErrNotFound
	}
	return p.usage, nil
}

type fakeRuntime struct {
	mu       sync.Mutex
	started  []contract.StartRequest
	stopped  map[string]string
	startErr error
	stopErr  map[string]error
}

func (r *fakeRuntime) StartWorkspace(_ context.Context, req contract.StartRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, req)
	return nil
}

func (r *fakeRuntime) StopWorkspaceInstance(_ context.Context, instanceID, policy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.stopErr[instanceID]; err != nil {
		return err
	}
	if r.stopped == nil {
		r.stopped = map[string]string{}
	}
	r.stopped[instanceID] = policy
	return nil
}

func (r *fakeRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

type fakeConfigs struct {
	cfg domain.WorkspaceConfig
	err error
}

func (f *fakeConfigs) FetchConfig(context.Context, *domain.User, domain.CommitContext) (domain.WorkspaceConfig, error) {
	return f.cfg, f.err
}

func (f *fakeConfigs) ImageSource(context.Context, *domain.User, domain.CommitContext, domain.WorkspaceConfig) (domain.ImageSource, error) {
	return domain.ImageSource{BaseImageResolved: "node:20"}, nil
}

// fakeHistory prepends the revision to a fixed ancestor list.
type fakeHistory struct {
	ancestors []string
}

func (f fakeHistory) GetCommitHistoryForContext(_ context.Context, c domain.CommitContext, _ *domain.User) (domain.CommitHistory, error) {
	return domain.CommitHistory{CommitHistory: append([]string{c.Revision}, f.ancestors...)}, nil
}

type fakeEntitlements struct {
	res entitlement.MayStartResult
	err error
}

func (f fakeEntitlements) MayStartWorkspace(context.Context, *domain.User, string) (entitlement.MayStartResult, error) {
	return f.res, f.err
}

type fakeProviders struct {
	provider scm.Provider
}

func (f fakeProviders) Lookup(string) (scm.Provider, bool) {
	return f.provider, f.provider != nil
}

type commitInfoProvider struct {
	scm.Provider
	info *domain.CommitInfo
	err  error
}

func (p commitInfoProvider) GetCommitInfo(context.Context, *domain.User, domain.Repository, string) (*domain.CommitInfo, error) {
	return p.info, p.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []domain.Prebuild
}

func (n *recordingNotifier) PrebuildUpdated(_ context.Context, pb domain.Prebuild) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, pb)
}

var errBoom = errors.New("boom")

type harness struct {
	store    *memStore
	projects *projectStore
	runtime  *fakeRuntime
	configs  *fakeConfigs
	notifier *recordingNotifier
	coord    *Coordinator
}

func prebuildConfig(init string) domain.WorkspaceConfig {
	return domain.WorkspaceConfig{
		Origin: domain.ConfigOriginRepo,
		Tasks:  []domain.Task{{Name: "build", Init: init, Command: "npm start"}},
	}
}

func newHarness(opts ...func(*harness, *Deps, *config.APIConfig)) *harness {
	h := &harness{
		store:    newMemStore(),
		projects: &projectStore{},
		runtime:  &fakeRuntime{},
		configs:  &fakeConfigs{cfg: prebuildConfig("npm ci")},
		notifier: &recordingNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Prebuilds:    h.store,
		Workspaces:   h.store,
		Projects:     h.projects,
		Configs:      h.configs,
		History:      fakeHistory{ancestors: []string{"c2", "c1"}},
		Runtime:      h.runtime,
		Entitlements: fakeEntitlements{},
		Notifier:     h.notifier,
	}
	deps.Incremental = incremental.New(h.store, h.configs, logger)
	cfg := config.APIConfig{
		PrebuildRateLimits:              map[string]config.PrebuildRateLimit{config.DefaultPrebuildRateLimitKey: {Limit: 50, Period: 50}},
		InactivityPeriodForProjectsDays: 7,
	}
	for _, opt := range opts {
		opt(h, &deps, &cfg)
	}
	h.coord = New(deps, cfg, logger)
	return h
}

func testProject() *domain.Project {
	enable := true
	return &domain.Project{
		ID:       "project-1",
		TeamID:   "team-1",
		Name:     "app",
		CloneURL: "https://github.com/acme/app.git",
		Settings: domain.ProjectSettings{Prebuilds: &domain.PrebuildSettings{Enable: &enable, BranchStrategy: domain.BranchStrategyAllBranches}},
	}
}

func commitContext(revision, branch string) domain.CommitContext {
	return domain.CommitContext{
		Repository: domain.Repository{Host: "github.com", Owner: "acme", Name: "app", CloneURL: "https://github.com/acme/app.git", DefaultBranch: "main"},
		Revision:   revision,
		Ref:        branch,
		RefType:    domain.RefTypeBranch,
	}
}

var testUser = &domain.User{ID: "user-1", Email: "dev@example.com"}
