// Package webhook turns push deliveries of source hosting providers into
// prebuild requests and keeps an audit record of every delivery.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/api/internal/service/commitstatus"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/api/internal/service/precondition"
	"github.com/splax/prebuildd/pkg/crypto"
	"github.com/splax/prebuildd/pkg/tracer"
)

const headsPrefix = "refs/heads/"

var (
	errInvalidToken = errors.New("invalid webhook token")
	errBlockedUser  = errors.New("webhook user is blocked")
)

// ConfigFetcher resolves the workspace configuration of a commit.
type ConfigFetcher interface {
	FetchConfig(ctx context.Context, actor *domain.User, c domain.CommitContext) (domain.WorkspaceConfig, error)
}

// Trigger starts prebuilds.
type Trigger interface {
	StartPrebuild(ctx context.Context, p prebuild.StartParams) (prebuild.StartResult, error)
}

// ProviderLookup resolves the provider of a host.
type ProviderLookup interface {
	Lookup(host string) (scm.Provider, bool)
}

// CheckRegistrar posts prebuild statuses on pull request commits.
type CheckRegistrar interface {
	Register(ctx context.Context, r commitstatus.Registration) error
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Events        repository.WebhookEventRepository
	Installations repository.AppInstallationRepository
	Users         repository.UserRepository
	Identities    repository.IdentityRepository
	Tokens        repository.AccessTokenRepository
	Teams         repository.TeamRepository
	Projects      repository.ProjectRepository
	Configs       ConfigFetcher
	Prebuilds     Trigger
	Providers     ProviderLookup
	// Checks is optional.
	Checks CheckRegistrar
}

// Service ingests webhook deliveries.
type Service struct {
	Deps
	githubSecret []byte
	logger       *slog.Logger
	now          func() time.Time
}

// New constructs a Service. githubSecret verifies GitHub App deliveries and
// may be empty to skip signature checks in development.
func New(deps Deps, githubSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Deps:         deps,
		githubSecret: []byte(githubSecret),
		logger:       logger.With("component", "webhook"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Delivery is one webhook request as received over HTTP.
type Delivery struct {
	Event     string
	Signature string
	Token     string
	Body      []byte
}

// Response is what the sender gets back. Senders disable endpoints that
// keep failing, so Status stays 2xx unless the sender must re-authenticate.
type Response struct {
	Status  int
	Message string
}

// push is a branch update normalised across hosts.
type push struct {
	Host          string
	Owner         string
	Name          string
	CloneURL      string
	Branch        string
	Revision      string
	DefaultBranch string
	// PullRequest is set for GitHub pull request deliveries.
	PullRequest *pullRequest
}

type pullRequest struct {
	InstallationID int64
	URL            string
}

func (p push) commitContext() domain.CommitContext {
	return domain.CommitContext{
		Title: p.Owner + "/" + p.Name + " - " + p.Branch,
		Repository: domain.Repository{
			Host:          p.Host,
			Owner:         p.Owner,
			Name:          p.Name,
			CloneURL:      p.CloneURL,
			DefaultBranch: p.DefaultBranch,
		},
		Revision: p.Revision,
		Ref:      p.Branch,
		RefType:  domain.RefTypeBranch,
	}
}

func parseRepoURL(raw string) (host, owner, name string, err error) {
	repo, err := domain.ParseCloneURL(raw)
	if err != nil {
		return "", "", "", err
	}
	return repo.Host, repo.Owner, repo.Name, nil
}

func branchFromRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, headsPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, headsPrefix), true
}

func (s *Service) createEvent(ctx context.Context, host, eventType string, raw []byte) *domain.WebhookEvent {
	ev := &domain.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Host:      host,
		Status:    domain.WebhookStatusReceived,
		RawEvent:  raw,
		CreatedAt: s.now(),
	}
	if err := s.Events.CreateWebhookEvent(ctx, ev); err != nil {
		s.logger.Error("store webhook event failed", "host", host, "error", err)
	}
	return ev
}

// ignoreMalformed records a delivery whose body could not be decoded and
// still acknowledges it, so the host keeps the hook enabled.
func (s *Service) ignoreMalformed(ctx context.Context, host, eventType string, body []byte, err error) Response {
	s.logger.Warn("malformed webhook payload", "host", host, "event", eventType, "error", err)
	ev := s.createEvent(ctx, host, eventType, body)
	ev.Message = "malformed payload: " + err.Error()
	s.finish(ctx, ev, domain.WebhookStatusIgnored, "")
	return Response{Status: http.StatusOK, Message: "Malformed payload ignored."}
}

// finish persists the outcome of ev. Audit failures never fail the delivery.
func (s *Service) finish(ctx context.Context, ev *domain.WebhookEvent, status, prebuildStatus string) {
	ev.Status = status
	ev.PrebuildStatus = prebuildStatus
	recordEvent(ev.Host, status, prebuildStatus)
	if err := s.Events.UpdateWebhookEvent(ctx, ev); err != nil {
		s.logger.Error("update webhook event failed", "event_id", ev.ID, "error", err)
	}
}

// authorizeToken resolves the user behind a "<userID>|<secret>" token and
// checks the token grants prebuilds for cloneURL.
func (s *Service) authorizeToken(ctx context.Context, raw, cloneURL string) (*domain.User, error) {
	userID, secret, ok := strings.Cut(strings.TrimSpace(raw), "|")
	if !ok || userID == "" || secret == "" {
		return nil, errInvalidToken
	}
	user, err := s.Users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errInvalidToken
		}
		return nil, fmt.Errorf("load webhook user: %w", err)
	}
	if user.Blocked {
		return nil, errBlockedUser
	}
	tokens, err := s.Tokens.ListAccessTokensByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load access tokens: %w", err)
	}
	for _, t := range tokens {
		if crypto.ComparePassword(t.SecretHash, secret) != nil {
			continue
		}
		if t.HasScopes(domain.ScopePrebuild) && grantsRepository(t, cloneURL) {
			return user, nil
		}
		return nil, fmt.Errorf("token is not valid for the repository %s: %w", cloneURL, errInvalidToken)
	}
	return nil, errInvalidToken
}

func grantsRepository(t domain.AccessToken, cloneURL string) bool {
	want := domain.NormalizeCloneURL(cloneURL)
	for _, scope := range t.Scopes {
		if domain.NormalizeCloneURL(scope) == want {
			return true
		}
	}
	return false
}

// selectOwner picks the user a project's prebuild runs as: the installer when
// they are a team member, otherwise the first member linked to host,
// otherwise the installer.
func (s *Service) selectOwner(ctx context.Context, installer *domain.User, project *domain.Project, host string) *domain.User {
	if project == nil || project.TeamID == "" {
		return installer
	}
	members, err := s.Teams.ListMembers(ctx, project.TeamID)
	if err != nil {
		s.logger.Warn("list team members failed", "team_id", project.TeamID, "error", err)
		return installer
	}
	for _, m := range members {
		if installer != nil && m.UserID == installer.ID {
			return installer
		}
	}
	for _, m := range members {
		if _, err := s.Identities.GetIdentity(ctx, m.UserID, host); err != nil {
			continue
		}
		user, err := s.Users.GetUserByID(ctx, m.UserID)
		if err != nil || user.Blocked {
			continue
		}
		return user
	}
	return installer
}

// revertActivityTrigger switches a project back to webhook based prebuilds
// once webhooks reach it again.
func (s *Service) revertActivityTrigger(ctx context.Context, project *domain.Project) {
	settings := project.Settings
	if settings.Prebuilds == nil || settings.Prebuilds.TriggerStrategy != domain.TriggerStrategyActivity {
		return
	}
	next := *settings.Prebuilds
	next.TriggerStrategy = domain.TriggerStrategyWebhook
	settings.Prebuilds = &next
	if err := s.Projects.UpdateProjectSettings(ctx, project.ID, settings); err != nil {
		s.logger.Warn("revert trigger strategy failed", "project_id", project.ID, "error", err)
		return
	}
	project.Settings = settings
}

// handlePush triggers prebuilds for every project of the pushed repository,
// or once without a project when none exists. Each project gets its own
// audit record; one failing project does not stop the others.
func (s *Service) handlePush(ctx context.Context, ev *domain.WebhookEvent, installer *domain.User, p push) {
	ctx, span := tracer.Start(ctx, "webhook.handlePush")
	defer tracer.End(span, nil)

	if p.DefaultBranch == "" {
		p.DefaultBranch = s.defaultBranch(ctx, installer, p)
	}
	projects, err := s.Projects.FindProjectsByCloneURL(ctx, p.CloneURL)
	if err != nil {
		s.logger.Error("find projects failed", "clone_url", p.CloneURL, "error", err)
		ev.CloneURL, ev.Branch, ev.Commit = p.CloneURL, p.Branch, p.Revision
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return
	}
	if len(projects) == 0 {
		s.triggerFor(ctx, ev, installer, nil, p)
		return
	}
	for i := range projects {
		project := projects[i]
		target := ev
		if i > 0 {
			target = s.createEvent(ctx, ev.Host, ev.Type, ev.RawEvent)
		}
		s.triggerFor(ctx, target, installer, &project, p)
	}
}

func (s *Service) triggerFor(ctx context.Context, ev *domain.WebhookEvent, installer *domain.User, project *domain.Project, p push) {
	owner := s.selectOwner(ctx, installer, project, p.Host)
	log := s.logger.With("host", p.Host, "clone_url", p.CloneURL, "branch", p.Branch, "commit", p.Revision)
	if project != nil {
		log = log.With("project_id", project.ID)
		ev.ProjectID = project.ID
		s.revertActivityTrigger(ctx, project)
	}
	ev.CloneURL, ev.Branch, ev.Commit = p.CloneURL, p.Branch, p.Revision
	if owner != nil {
		ev.AuthorizedUser = owner.ID
	}

	commitCtx := p.commitContext()
	cfg, err := s.Configs.FetchConfig(ctx, owner, commitCtx)
	if err != nil {
		log.Error("fetch config failed", "error", err)
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return
	}
	decision := precondition.Check(precondition.Input{Config: &cfg, Project: project, Context: commitCtx})
	if !decision.ShouldRun {
		log.Debug("prebuild not required", "reason", decision.Reason)
		ev.Message = decision.Reason
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return
	}

	res, err := s.Prebuilds.StartPrebuild(ctx, prebuild.StartParams{User: owner, Context: commitCtx, Project: project})
	if err != nil {
		log.Error("start prebuild failed", "error", err)
		ev.Message = err.Error()
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return
	}
	ev.PrebuildID = res.PrebuildID
	s.addCheck(ctx, log, cfg, res.PrebuildID, p)
	if res.Done {
		ev.Message = "prebuild already exists"
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return
	}
	log.Info("prebuild triggered", "prebuild_id", res.PrebuildID)
	s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggered)
}

// addCheck posts the prebuild's status on a pull request head. Failures are
// logged; the prebuild itself was triggered.
func (s *Service) addCheck(ctx context.Context, log *slog.Logger, cfg domain.WorkspaceConfig, prebuildID string, p push) {
	if s.Checks == nil || p.PullRequest == nil || !cfg.AddCheck.Enabled() {
		return
	}
	err := s.Checks.Register(ctx, commitstatus.Registration{
		InstallationID: p.PullRequest.InstallationID,
		Owner:          p.Owner,
		Repo:           p.Name,
		CommitSHA:      p.Revision,
		PullRequestURL: p.PullRequest.URL,
		PrebuildID:     prebuildID,
		Mode:           cfg.AddCheck,
	})
	if err != nil {
		log.Warn("register commit status failed", "prebuild_id", prebuildID, "error", err)
	}
}

func (s *Service) defaultBranch(ctx context.Context, actor *domain.User, p push) string {
	if s.Providers == nil {
		return ""
	}
	provider, ok := s.Providers.Lookup(p.Host)
	if !ok {
		return ""
	}
	branch, err := provider.GetDefaultBranch(ctx, actor, domain.Repository{Host: p.Host, Owner: p.Owner, Name: p.Name, CloneURL: p.CloneURL})
	if err != nil {
		s.logger.Warn("resolve default branch failed", "clone_url", p.CloneURL, "error", err)
		return ""
	}
	return branch
}
