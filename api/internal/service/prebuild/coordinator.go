// Package prebuild decides when prebuilds start, supersedes outdated ones and
// keeps prebuild state in step with the workspace runner.
package prebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	wsruntime "github.com/splax/prebuildd/api/internal/runtime"
	"github.com/splax/prebuildd/api/internal/scm"
	"github.com/splax/prebuildd/api/internal/service/entitlement"
	"github.com/splax/prebuildd/pkg/apperr"
	"github.com/splax/prebuildd/pkg/config"
	contract "github.com/splax/prebuildd/pkg/runtime"
	"github.com/splax/prebuildd/pkg/tracer"
)

// User visible reasons stored on suppressed or superseded prebuilds.
const (
	MessageRateLimited     = "Prebuild is rate limited. Please contact support if you believe this happened in error."
	MessageProjectInactive = "Project is inactive. Please start a new workspace for this project to re-enable prebuilds."
	MessageRepoInactive    = "Repository is inactive. Please create a project for this repository to re-enable prebuilds."
	MessageNewerCommit     = "A newer commit was pushed to the same branch."
	MessageCancelled       = "Prebuild was cancelled."
	excludedFeatureFlag    = "full_workspace_backup"
	maxConcurrentAborts    = 4
)

var (
	// ErrWorkspaceRunning is returned by RetriggerPrebuild while the build
	// workspace still has a running instance.
	ErrWorkspaceRunning = apperr.New(apperr.CodeConflict, "workspace is still running")
	errUserBlocked      = apperr.New(apperr.CodeUserBlocked, "user is blocked")
	errSpendingLimit    = apperr.New(apperr.CodePaymentSpendingLimitReached, "usage limit reached on the team's cost center")
	errNotActive        = apperr.New(apperr.CodeConflict, "prebuild is not running")
)

// ConfigResolver resolves the workspace configuration of a commit.
type ConfigResolver interface {
	FetchConfig(ctx context.Context, actor *domain.User, c domain.CommitContext) (domain.WorkspaceConfig, error)
	ImageSource(ctx context.Context, actor *domain.User, c domain.CommitContext, cfg domain.WorkspaceConfig) (domain.ImageSource, error)
}

// HistoryService computes commit histories.
type HistoryService interface {
	GetCommitHistoryForContext(ctx context.Context, c domain.CommitContext, actor *domain.User) (domain.CommitHistory, error)
}

// IncrementalService selects earlier prebuilds as bases.
type IncrementalService interface {
	FindGoodBaseForIncrementalBuild(ctx context.Context, c domain.CommitContext, cfg domain.WorkspaceConfig, history domain.CommitHistory, actor *domain.User, projectID string) (*domain.Prebuild, error)
	FindBaseForIncrementalWorkspace(ctx context.Context, c domain.CommitContext, cfg domain.WorkspaceConfig, history domain.CommitHistory, actor *domain.User, projectID string, includeUnfinished bool) (*domain.Prebuild, error)
}

// Runtime starts and stops workspace instances.
type Runtime interface {
	StartWorkspace(ctx context.Context, req contract.StartRequest) error
	StopWorkspaceInstance(ctx context.Context, instanceID, policy string) error
}

// Entitlements reports whether a team may start workspaces.
type Entitlements interface {
	MayStartWorkspace(ctx context.Context, user *domain.User, teamID string) (entitlement.MayStartResult, error)
}

// ProviderLookup resolves the provider of a host.
type ProviderLookup interface {
	Lookup(host string) (scm.Provider, bool)
}

// Credentials resolves the git token handed to the runner.
type Credentials interface {
	Token(ctx context.Context, actor *domain.User, host string) (string, error)
}

// Notifier is told about every persisted prebuild change.
type Notifier interface {
	PrebuildUpdated(ctx context.Context, pb domain.Prebuild)
}

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

// PrebuildUpdated implements Notifier.
func (ns Notifiers) PrebuildUpdated(ctx context.Context, pb domain.Prebuild) {
	for _, n := range ns {
		n.PrebuildUpdated(ctx, pb)
	}
}

// Deps bundles the collaborators of a Coordinator.
type Deps struct {
	Prebuilds    repository.PrebuildRepository
	Workspaces   repository.WorkspaceRepository
	Projects     repository.ProjectRepository
	Configs      ConfigResolver
	History      HistoryService
	Incremental  IncrementalService
	Runtime      Runtime
	Entitlements Entitlements
	Providers    ProviderLookup
	Credentials  Credentials
	Notifier     Notifier
}

// Coordinator runs the prebuild lifecycle.
type Coordinator struct {
	Deps
	cfg    config.APIConfig
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Coordinator.
func New(deps Deps, cfg config.APIConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	initMetrics()
	return &Coordinator{Deps: deps, cfg: cfg, logger: logger.With("component", "prebuild"), now: func() time.Time { return time.Now().UTC() }}
}

// StartParams describes a prebuild request.
type StartParams struct {
	User          *domain.User
	Context       domain.CommitContext
	Project       *domain.Project
	CommitInfo    *domain.CommitInfo
	ForcePrebuild bool
	// UserInitiated marks requests made by a project member rather than a
	// webhook. They count as workspace activity on the project.
	UserInitiated bool
}

// StartResult identifies the prebuild serving a request. Done is true when an
// existing prebuild was reused and no new build was started.
type StartResult struct {
	PrebuildID  string `json:"prebuild_id"`
	WorkspaceID string `json:"workspace_id"`
	Done        bool   `json:"done"`
}

// StartPrebuild starts a prebuild for the commit context, or returns an
// existing one that already covers it.
func (c *Coordinator) StartPrebuild(ctx context.Context, p StartParams) (res StartResult, err error) {
	ctx, span := tracer.Start(ctx, "prebuild.StartPrebuild")
	defer func() { tracer.End(span, err) }()

	if p.User == nil {
		return StartResult{}, apperr.New(apperr.CodeInvalidArgument, "user is required")
	}
	if !p.Context.IsCommitContext() {
		return StartResult{}, apperr.New(apperr.CodeInvalidArgument, "commit context requires a clone URL and a revision")
	}
	commitCtx := p.Context
	cloneURL := commitCtx.Repository.CloneURL
	commit := commitCtx.Identifier()
	log := c.logger.With("clone_url", cloneURL, "commit", commit)

	if p.Project != nil {
		c.markProjectUsage(ctx, p.Project.ID, p.UserInitiated)
	}

	if p.User.Blocked {
		return StartResult{}, errUserBlocked
	}

	if p.Project != nil && c.Entitlements != nil {
		may, err := c.Entitlements.MayStartWorkspace(ctx, p.User, p.Project.TeamID)
		if err != nil {
			log.Error("entitlement check failed, allowing prebuild", "team_id", p.Project.TeamID, "error", err)
		} else if may.UsageLimitReachedOnCostCenter {
			return StartResult{}, errSpendingLimit
		}
	}

	wsConfig, err := c.Configs.FetchConfig(ctx, p.User, commitCtx)
	if err != nil {
		return StartResult{}, fmt.Errorf("fetch config: %w", err)
	}

	if !p.ForcePrebuild {
		existing, err := c.Prebuilds.FindPrebuiltWorkspaceByCommit(ctx, cloneURL, commit)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return StartResult{}, fmt.Errorf("find existing prebuild: %w", err)
		}
		if existing != nil && existing.Workspace.Config.PrebuildTasksKey() == wsConfig.PrebuildTasksKey() {
			log.Info("prebuild already exists for commit", "prebuild_id", existing.Prebuild.ID)
			recordStart(outcomeDeduplicated)
			return StartResult{PrebuildID: existing.Prebuild.ID, WorkspaceID: existing.Workspace.ID, Done: true}, nil
		}
	}

	if p.Project != nil && !p.Project.PrebuildSettings().KeepOutdatedPrebuildsRunning && commitCtx.Ref != "" {
		if err := c.AbortPrebuildsForBranch(ctx, p.Project, p.User, commitCtx.Ref); err != nil {
			log.Error("abort outdated prebuilds failed", "branch", commitCtx.Ref, "error", err)
		}
	}

	history, err := c.History.GetCommitHistoryForContext(ctx, commitCtx, p.User)
	if err != nil {
		return StartResult{}, fmt.Errorf("commit history: %w", err)
	}
	interval := 0
	if p.Project != nil {
		interval = p.Project.Settings.PrebuildEveryNthCommit
	}
	if interval > 0 && !p.ForcePrebuild {
		base, err := c.Incremental.FindGoodBaseForIncrementalBuild(ctx, commitCtx, wsConfig, truncateHistory(history, interval), p.User, p.Project.ID)
		if err != nil {
			return StartResult{}, fmt.Errorf("find recent prebuild: %w", err)
		}
		if base != nil {
			log.Info("recent prebuild within interval", "prebuild_id", base.ID, "interval", interval)
			recordStart(outcomeIncremental)
			return StartResult{PrebuildID: base.ID, WorkspaceID: base.BuildWorkspaceID, Done: true}, nil
		}
	} else if c.shouldPrebuildIncrementally(cloneURL, p.Project) {
		commitCtx = commitCtx.WithHistory(history)
	}

	ws, pb, err := c.createForStartPrebuild(ctx, p.User, p.Project, commitCtx, wsConfig)
	if err != nil {
		return StartResult{}, err
	}
	log = log.With("prebuild_id", pb.ID, "workspace_id", ws.ID)
	c.storePrebuildInfo(ctx, p, commitCtx, pb)
	res = StartResult{PrebuildID: pb.ID, WorkspaceID: ws.ID}

	if msg, outcome := c.suppression(ctx, cloneURL, p.Project); msg != "" {
		log.Info("prebuild suppressed", "reason", outcome)
		if _, err := c.updatePrebuild(ctx, pb.ID, func(pb *domain.Prebuild) error {
			return pb.Transition(domain.PrebuildStateAborted, msg)
		}); err != nil {
			return StartResult{}, fmt.Errorf("abort suppressed prebuild: %w", err)
		}
		recordStart(outcome)
		return res, nil
	}

	if err := c.startWorkspace(ctx, p.User, ws, pb.ID); err != nil {
		recordStart(outcomeStartFailed)
		return StartResult{}, err
	}
	recordStart(outcomeStarted)
	log.Info("prebuild started")
	return res, nil
}

// suppression returns the user visible reason for not starting a prebuild
// and the metric outcome, or an empty message.
func (c *Coordinator) suppression(ctx context.Context, cloneURL string, project *domain.Project) (string, string) {
	if c.rateLimited(ctx, cloneURL) {
		return MessageRateLimited, outcomeRateLimited
	}
	if project != nil {
		if c.projectInactive(ctx, project.ID) {
			return MessageProjectInactive, outcomeInactive
		}
		return "", ""
	}
	if c.repositoryInactive(ctx, cloneURL) {
		return MessageRepoInactive, outcomeInactive
	}
	return "", ""
}

func (c *Coordinator) rateLimited(ctx context.Context, cloneURL string) bool {
	limit := c.cfg.RateLimitFor(cloneURL)
	if limit.Limit <= 0 || limit.Period <= 0 {
		return false
	}
	since := c.now().Add(-time.Duration(limit.Period) * time.Second)
	count, err := c.Prebuilds.CountUnabortedPrebuildsSince(ctx, cloneURL, since)
	if err != nil {
		c.logger.Error("count recent prebuilds failed", "clone_url", cloneURL, "error", err)
		return false
	}
	if count >= limit.Limit {
		c.logger.Warn("prebuild rate limit reached", "clone_url", cloneURL, "count", count, "limit", limit.Limit, "period_seconds", limit.Period)
		return true
	}
	return false
}

// markProjectUsage stamps the project's usage row. Member requests count as
// a workspace start, which is what keeps prebuilds of the project enabled;
// webhook deliveries only refresh the webhook timestamp.
func (c *Coordinator) markProjectUsage(ctx context.Context, projectID string, userInitiated bool) {
	now := c.now()
	if userInitiated {
		if err := c.Projects.MarkWorkspaceStarted(ctx, projectID, now); err != nil {
			c.logger.Warn("mark workspace started failed", "project_id", projectID, "error", err)
		}
		return
	}
	if err := c.Projects.MarkWebhookReceived(ctx, projectID, now); err != nil {
		c.logger.Warn("mark webhook received failed", "project_id", projectID, "error", err)
	}
}

func (c *Coordinator) projectInactive(ctx context.Context, projectID string) bool {
	days := c.cfg.InactivityPeriodForProjectsDays
	if days <= 0 {
		return false
	}
	usage, err := c.Projects.GetProjectUsage(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return false
	}
	if err != nil {
		c.logger.Error("load project usage failed", "project_id", projectID, "error", err)
		return false
	}
	if usage.LastWorkspaceStart == nil {
		return false
	}
	return c.now().Sub(*usage.LastWorkspaceStart) > time.Duration(days)*24*time.Hour
}

func (c *Coordinator) repositoryInactive(ctx context.Context, cloneURL string) bool {
	days := c.cfg.InactivityPeriodForReposDays
	if days <= 0 {
		return false
	}
	since := c.now().Add(-time.Duration(days) * 24 * time.Hour)
	count, err := c.Workspaces.GetWorkspaceCountByCloneURL(ctx, cloneURL, since, domain.WorkspaceTypeRegular)
	if err != nil {
		c.logger.Error("count repository workspaces failed", "clone_url", cloneURL, "error", err)
		return false
	}
	return count == 0
}

func (c *Coordinator) shouldPrebuildIncrementally(cloneURL string, project *domain.Project) bool {
	if project != nil && project.Settings.UseIncrementalPrebuilds {
		return true
	}
	want := domain.NormalizeCloneURL(cloneURL)
	for _, u := range c.cfg.IncrementalPrebuildsPasslist {
		if domain.NormalizeCloneURL(u) == want {
			return true
		}
	}
	return false
}

func truncateHistory(h domain.CommitHistory, depth int) domain.CommitHistory {
	out := domain.CommitHistory{CommitHistory: head(h.CommitHistory, depth)}
	for _, add := range h.AdditionalRepositoryCommitHistories {
		out.AdditionalRepositoryCommitHistories = append(out.AdditionalRepositoryCommitHistories, domain.RepositoryHistory{
			CloneURL:      add.CloneURL,
			CommitHistory: head(add.CommitHistory, depth),
		})
	}
	return out
}

func head(list []string, n int) []string {
	if len(list) > n {
		list = list[:n]
	}
	return append([]string(nil), list...)
}

func (c *Coordinator) storePrebuildInfo(ctx context.Context, p StartParams, commitCtx domain.CommitContext, pb *domain.Prebuild) {
	info := c.commitInfo(ctx, p, commitCtx)
	record := &domain.PrebuildInfo{
		PrebuildID:        pb.ID,
		ProjectID:         pb.ProjectID,
		CloneURL:          pb.CloneURL,
		Branch:            pb.Branch,
		ChangeTitle:       firstLine(info.Message),
		ChangeAuthor:      info.Author,
		ChangeAuthorEmail: info.AuthorEmail,
		ChangeDate:        info.AuthorDate,
		ChangeHash:        info.SHA,
		ChangeURL:         commitCtx.NormalizedContextURL,
		StartedAt:         pb.CreatedAt,
		StartedBy:         p.User.ID,
	}
	if p.Project != nil {
		record.TeamID = p.Project.TeamID
		record.ProjectName = p.Project.Name
	}
	if err := c.Prebuilds.StorePrebuildInfo(ctx, record); err != nil {
		c.logger.Warn("store prebuild info failed", "prebuild_id", pb.ID, "error", err)
	}
}

func (c *Coordinator) commitInfo(ctx context.Context, p StartParams, commitCtx domain.CommitContext) domain.CommitInfo {
	if p.CommitInfo != nil {
		return *p.CommitInfo
	}
	unknown := domain.UnknownCommitInfo(commitCtx.Revision)
	if c.Providers == nil {
		return unknown
	}
	provider, ok := c.Providers.Lookup(commitCtx.Repository.Host)
	if !ok {
		return unknown
	}
	info, err := provider.GetCommitInfo(ctx, p.User, commitCtx.Repository, commitCtx.Revision)
	if err != nil || info == nil {
		c.logger.Warn("commit info lookup failed", "clone_url", commitCtx.Repository.CloneURL, "revision", commitCtx.Revision, "error", err)
		return unknown
	}
	return *info
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// AbortPrebuildsForBranch aborts every queued or building prebuild of the
// project on branch. A failure on one prebuild does not affect the others.
func (c *Coordinator) AbortPrebuildsForBranch(ctx context.Context, project *domain.Project, user *domain.User, branch string) (err error) {
	ctx, span := tracer.Start(ctx, "prebuild.AbortPrebuildsForBranch")
	defer func() { tracer.End(span, err) }()

	active, err := c.Prebuilds.FindActivePrebuildsByBranch(ctx, project.ID, branch)
	if err != nil {
		return fmt.Errorf("find active prebuilds: %w", err)
	}
	var g errgroup.Group
	g.SetLimit(maxConcurrentAborts)
	for _, candidate := range active {
		candidate := candidate
		g.Go(func() error {
			if err := c.stop(ctx, candidate.Prebuild.ID, candidate.Workspace.ID, domain.PrebuildStateAborted, MessageNewerCommit); err != nil {
				c.logger.Error("abort prebuild failed", "prebuild_id", candidate.Prebuild.ID, "branch", branch, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// CancelPrebuild aborts a single queued or building prebuild.
func (c *Coordinator) CancelPrebuild(ctx context.Context, prebuildID string) (pb *domain.Prebuild, err error) {
	ctx, span := tracer.Start(ctx, "prebuild.CancelPrebuild")
	defer func() { tracer.End(span, err) }()

	current, err := c.Prebuilds.GetPrebuildByID(ctx, prebuildID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(err, apperr.CodeNotFound, "prebuild not found")
	}
	if err != nil {
		return nil, err
	}
	if !current.State.Active() {
		return nil, errNotActive
	}
	if err := c.stop(ctx, current.ID, current.BuildWorkspaceID, domain.PrebuildStateAborted, MessageCancelled); err != nil {
		return nil, err
	}
	return c.Prebuilds.GetPrebuildByID(ctx, prebuildID)
}

// TimeoutPrebuild stops a prebuild that exceeded its build time and marks it
// timed out.
func (c *Coordinator) TimeoutPrebuild(ctx context.Context, pb domain.Prebuild) (err error) {
	ctx, span := tracer.Start(ctx, "prebuild.TimeoutPrebuild")
	defer func() { tracer.End(span, err) }()
	return c.stop(ctx, pb.ID, pb.BuildWorkspaceID, domain.PrebuildStateTimeout, MessageTimedOut)
}

// stop stops the running instance of a prebuild workspace with the abort
// policy and moves the prebuild to state.
func (c *Coordinator) stop(ctx context.Context, prebuildID, workspaceID string, state domain.PrebuildState, reason string) error {
	inst, err := c.Workspaces.FindRunningInstance(ctx, workspaceID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return fmt.Errorf("find running instance: %w", err)
	default:
		if err := c.stopInstance(ctx, inst.ID, contract.StopPolicyAbort); err != nil {
			return err
		}
	}
	_, err = c.updatePrebuild(ctx, prebuildID, func(pb *domain.Prebuild) error {
		return pb.Transition(state, reason)
	})
	return err
}

func (c *Coordinator) stopInstance(ctx context.Context, instanceID, policy string) error {
	err := c.Runtime.StopWorkspaceInstance(ctx, instanceID, policy)
	if errors.Is(err, wsruntime.ErrInstanceNotFound) {
		c.logger.Debug("instance unknown to runner", "instance_id", instanceID)
	} else if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	if err := c.Workspaces.UpdateInstancePhase(ctx, instanceID, domain.InstancePhaseStopping, nil); err != nil {
		c.logger.Warn("update instance phase failed", "instance_id", instanceID, "error", err)
	}
	return nil
}

// RetriggerPrebuild restarts the build workspace of an existing prebuild.
func (c *Coordinator) RetriggerPrebuild(ctx context.Context, user *domain.User, project *domain.Project, workspaceID string) (res StartResult, err error) {
	ctx, span := tracer.Start(ctx, "prebuild.RetriggerPrebuild")
	defer func() { tracer.End(span, err) }()

	if user != nil && user.Blocked {
		return StartResult{}, errUserBlocked
	}
	ws, err := c.Workspaces.GetWorkspaceByID(ctx, workspaceID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && project != nil && ws.ProjectID != project.ID) {
		return StartResult{}, apperr.Newf(apperr.CodeNotFound, "workspace %s not found", workspaceID)
	}
	if err != nil {
		return StartResult{}, err
	}
	pb, err := c.Prebuilds.GetPrebuildByWorkspaceID(ctx, workspaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return StartResult{}, apperr.Newf(apperr.CodeNotFound, "no prebuild for workspace %s", workspaceID)
	}
	if err != nil {
		return StartResult{}, err
	}
	if _, err := c.Workspaces.FindRunningInstance(ctx, workspaceID); err == nil {
		return StartResult{}, ErrWorkspaceRunning
	} else if !errors.Is(err, repository.ErrNotFound) {
		return StartResult{}, err
	}

	if pb.State.Terminal() {
		if _, err := c.updatePrebuild(ctx, pb.ID, func(pb *domain.Prebuild) error {
			return pb.Transition(domain.PrebuildStateQueued, "")
		}); err != nil {
			return StartResult{}, fmt.Errorf("requeue prebuild: %w", err)
		}
	}
	if err := c.startWorkspace(ctx, user, ws, pb.ID); err != nil {
		return StartResult{}, err
	}
	if ws.ProjectID != "" {
		c.markProjectUsage(ctx, ws.ProjectID, true)
	}
	c.logger.Info("prebuild retriggered", "prebuild_id", pb.ID, "workspace_id", ws.ID)
	return StartResult{PrebuildID: pb.ID, WorkspaceID: ws.ID}, nil
}
