package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/service/auth"
	"github.com/splax/prebuildd/api/internal/service/authz"
	"github.com/splax/prebuildd/api/internal/service/buildlog"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/api/internal/service/project"
	"github.com/splax/prebuildd/api/internal/service/team"
	"github.com/splax/prebuildd/api/internal/service/webhook"
	"github.com/splax/prebuildd/api/internal/ws"
	"github.com/splax/prebuildd/pkg/config"
	jwtpkg "github.com/splax/prebuildd/pkg/jwt"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

const testBuilderToken = "builder-secret"

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type userRepoStub struct {
	repository.UserRepository
	mu    sync.Mutex
	users map[string]*domain.User
}

func (u *userRepoStub) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *user
	return &copy, nil
}

type teamRepoStub struct {
	repository.TeamRepository
	members map[string]domain.TeamMember
}

func (t *teamRepoStub) GetMember(_ context.Context, teamID, userID string) (*domain.TeamMember, error) {
	m, ok := t.members[teamID+"/"+userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

type projectRepoStub struct {
	repository.ProjectRepository
	projects map[string]domain.Project
}

func (p *projectRepoStub) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	project, ok := p.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

type prebuildRepoStub struct {
	mu        sync.Mutex
	prebuilds map[string]domain.Prebuild
	infos     map[string]domain.PrebuildInfo
	listArgs  struct {
		projectID string
		branch    string
		limit     int
	}
}

func (p *prebuildRepoStub) GetPrebuildByID(_ context.Context, id string) (*domain.Prebuild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pb, ok := p.prebuilds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &pb, nil
}

func (p *prebuildRepoStub) GetPrebuildByWorkspaceID(_ context.Context, workspaceID string) (*domain.Prebuild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pb := range p.prebuilds {
		if pb.BuildWorkspaceID == workspaceID {
			out := pb
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (p *prebuildRepoStub) ListPrebuildsByProject(_ context.Context, projectID, branch string, limit int) ([]domain.Prebuild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listArgs.projectID, p.listArgs.branch, p.listArgs.limit = projectID, branch, limit
	var out []domain.Prebuild
	for _, pb := range p.prebuilds {
		if pb.ProjectID == projectID && (branch == "" || pb.Branch == branch) {
			out = append(out, pb)
		}
	}
	return out, nil
}

func (p *prebuildRepoStub) GetPrebuildInfo(_ context.Context, id string) (*domain.PrebuildInfo, error) {
	info, ok := p.infos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &info, nil
}

type logRepoStub struct {
	mu    sync.Mutex
	next  int64
	lines []domain.PrebuildLog
}

func (l *logRepoStub) AppendPrebuildLogs(_ context.Context, logs []domain.PrebuildLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range logs {
		l.next++
		logs[i].ID = l.next
		l.lines = append(l.lines, logs[i])
	}
	return nil
}

func (l *logRepoStub) ListPrebuildLogs(_ context.Context, workspaceID string, afterID int64, limit int) ([]domain.PrebuildLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.PrebuildLog
	for _, line := range l.lines {
		if line.WorkspaceID == workspaceID && line.ID > afterID && len(out) < limit {
			out = append(out, line)
		}
	}
	return out, nil
}

type prebuildsStub struct {
	mu        sync.Mutex
	started   []prebuild.StartParams
	aborted   []string
	cancelled []string
	reports   []contract.StatusReport
	result    prebuild.StartResult
	startErr  error
}

func (p *prebuildsStub) StartPrebuild(_ context.Context, params prebuild.StartParams) (prebuild.StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, params)
	return p.result, p.startErr
}

func (p *prebuildsStub) ContextForProject(_ context.Context, _ *domain.User, project *domain.Project, branch, revision string) (domain.CommitContext, *domain.CommitInfo, error) {
	if branch == "" {
		branch = "main"
	}
	if revision == "" {
		revision = "head-of-" + branch
	}
	c := domain.CommitContext{
		Repository: domain.Repository{CloneURL: project.CloneURL, DefaultBranch: "main"},
		Ref:        branch,
		RefType:    "branch",
		Revision:   revision,
	}
	return c, &domain.CommitInfo{SHA: revision}, nil
}

func (p *prebuildsStub) AbortPrebuildsForBranch(_ context.Context, _ *domain.Project, _ *domain.User, branch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, branch)
	return nil
}

func (p *prebuildsStub) CancelPrebuild(_ context.Context, id string) (*domain.Prebuild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	return &domain.Prebuild{ID: id, State: domain.PrebuildStateAborted}, nil
}

func (p *prebuildsStub) RetriggerPrebuild(_ context.Context, _ *domain.User, _ *domain.Project, workspaceID string) (prebuild.StartResult, error) {
	return prebuild.StartResult{WorkspaceID: workspaceID}, nil
}

func (p *prebuildsStub) ApplyStatus(_ context.Context, report contract.StatusReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	return nil
}

type configStub struct {
	cfg domain.WorkspaceConfig
}

func (c configStub) FetchConfig(context.Context, *domain.User, domain.CommitContext) (domain.WorkspaceConfig, error) {
	return c.cfg, nil
}

type webhooksStub struct {
	mu         sync.Mutex
	host       string
	deliveries []webhook.Delivery
	response   webhook.Response
}

func (s *webhooksStub) record(host string, d webhook.Delivery) webhook.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
	s.deliveries = append(s.deliveries, d)
	return s.response
}

func (s *webhooksStub) HandleGitHub(_ context.Context, d webhook.Delivery) webhook.Response {
	return s.record("github", d)
}

func (s *webhooksStub) HandleGitLab(_ context.Context, d webhook.Delivery) webhook.Response {
	return s.record("gitlab", d)
}

func (s *webhooksStub) HandleBitbucket(_ context.Context, d webhook.Delivery) webhook.Response {
	return s.record("bitbucket", d)
}

func (s *webhooksStub) HandleBitbucketServer(_ context.Context, d webhook.Delivery) webhook.Response {
	return s.record("bitbucketserver", d)
}

type testEnv struct {
	router    *Router
	token     string
	outsider  string
	limiter   *rateLimiterStub
	prebuilds *prebuildsStub
	repo      *prebuildRepoStub
	logs      *logRepoStub
	webhooks  *webhooksStub
	hub       *ws.Hub
	dbErr     error
}

// setupRouter wires a router around in-memory stores. "user-123" is a member
// of team-1 which owns project-1; "outsider" belongs to no team.
func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}
	users := &userRepoStub{users: map[string]*domain.User{
		"user-123": {ID: "user-123", Email: "user@example.com"},
		"outsider": {ID: "outsider", Email: "outsider@example.com"},
	}}
	teams := &teamRepoStub{members: map[string]domain.TeamMember{
		"team-1/user-123": {TeamID: "team-1", UserID: "user-123", Role: domain.TeamRoleMember},
	}}
	projects := &projectRepoStub{projects: map[string]domain.Project{
		"project-1": {ID: "project-1", TeamID: "team-1", Name: "app", CloneURL: "https://github.com/acme/app.git"},
	}}
	env := &testEnv{
		limiter:   newRateLimiterStub(),
		prebuilds: &prebuildsStub{result: prebuild.StartResult{PrebuildID: "pb-new", WorkspaceID: "ws-new"}},
		repo: &prebuildRepoStub{
			prebuilds: map[string]domain.Prebuild{
				"pb-1": {ID: "pb-1", BuildWorkspaceID: "ws-1", ProjectID: "project-1", Branch: "main", Commit: "abc", State: domain.PrebuildStateBuilding},
			},
			infos: map[string]domain.PrebuildInfo{
				"pb-1": {PrebuildID: "pb-1", ChangeTitle: "Add feature"},
			},
		},
		logs:     &logRepoStub{},
		webhooks: &webhooksStub{response: webhook.Response{Status: http.StatusOK, Message: "handled"}},
		hub:      ws.NewHub(),
	}
	t.Cleanup(env.hub.Close)

	env.router = NewRouter(logger, Deps{
		Auth:         auth.New(users, nil, nil, nil, logger, cfg),
		Teams:        team.New(teams, users, logger),
		Projects:     project.New(projects, teams, logger),
		Authz:        authz.New(teams),
		Prebuilds:    env.prebuilds,
		PrebuildRepo: env.repo,
		Configs: configStub{cfg: domain.WorkspaceConfig{
			Origin: domain.ConfigOriginRepo,
			Tasks:  []domain.Task{{Init: "make"}},
		}},
		Logs:         buildlog.New(env.logs, env.repo, env.hub, logger),
		Webhooks:     env.webhooks,
		Limiter:      env.limiter,
		BuilderToken: testBuilderToken,
		DBHealth:     func(context.Context) error { return env.dbErr },
	})

	var err error
	if env.token, err = jwtpkg.GenerateToken("user-123", jwtpkg.KindAccess, cfg.JWTSecret, time.Hour); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if env.outsider, err = jwtpkg.GenerateToken("outsider", jwtpkg.KindAccess, cfg.JWTSecret, time.Hour); err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return env
}

func (e *testEnv) do(method, target, token string, body any) *streamRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, target, reader)
	req.RemoteAddr = "192.0.2.1:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := newStreamRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// streamRecorder is a ResponseWriter that supports flushing so streaming
// handlers can be exercised through the full middleware chain.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

func (s *streamRecorder) statusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func extractSSEPayloads(body string) ([]map[string]any, error) {
	var payloads []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			var payload map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
				return nil, err
			}
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	v, _ := payload["error"].(string)
	return v
}
