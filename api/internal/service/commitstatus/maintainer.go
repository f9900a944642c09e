// Package commitstatus mirrors prebuild outcomes onto GitHub pull requests
// as commit statuses.
package commitstatus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/tracer"
)

// Commit status states.
const (
	StateError   = "error"
	StateFailure = "failure"
	StatePending = "pending"
	StateSuccess = "success"
)

const (
	statusContext          = "prebuildd"
	pendingDescription     = "prebuilding an online workspace for this PR"
	prebuiltDescription    = "Open a prebuilt online workspace"
	nonPrebuiltDescription = "Open an online workspace"

	// Open statuses older than maxPendingAge are swept; those older than
	// ignoredAge are left alone.
	maxPendingAge = 6 * time.Hour
	ignoredAge    = 24 * time.Hour
	sweepBatch    = 100
	sweepTimeout  = 5 * time.Minute
	updateTimeout = 30 * time.Second
	queueSize     = 64
)

// Status is the body of a GitHub commit status.
type Status struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

// Poster writes commit statuses.
type Poster interface {
	CreateCommitStatus(ctx context.Context, installationID int64, owner, repo, sha string, st Status) error
}

// Store persists status targets and reads the prebuilds they follow.
type Store interface {
	AttachCommitStatus(ctx context.Context, target *domain.CommitStatusTarget) error
	ListCommitStatuses(ctx context.Context, prebuildID string) ([]domain.CommitStatusTarget, error)
	ListUnresolvedCommitStatuses(ctx context.Context, limit int) ([]domain.UnresolvedCommitStatus, error)
	MarkCommitStatusResolved(ctx context.Context, id string) error
	GetPrebuildByID(ctx context.Context, id string) (*domain.Prebuild, error)
	GetWorkspaceByID(ctx context.Context, id string) (*domain.Workspace, error)
}

// Registration asks for a status on a pull request head commit.
type Registration struct {
	InstallationID int64
	Owner          string
	Repo           string
	CommitSHA      string
	PullRequestURL string
	PrebuildID     string
	Mode           domain.CheckMode
}

// Maintainer posts a pending status when a pull request prebuild starts and
// replaces it with the outcome once the prebuild finishes.
type Maintainer struct {
	store   Store
	poster  Poster
	baseURL string
	logger  *slog.Logger
	updates chan domain.Prebuild
	now     func() time.Time
}

// New constructs a Maintainer. baseURL prefixes the pull request URL in the
// status link. It returns nil without a poster.
func New(store Store, poster Poster, baseURL string, logger *slog.Logger) *Maintainer {
	if store == nil || poster == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:   store,
		poster:  poster,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		logger:  logger.With("component", "commitstatus"),
		updates: make(chan domain.Prebuild, queueSize),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Conclusion maps a prebuild onto a commit status state.
func Conclusion(pb domain.Prebuild) string {
	switch pb.State {
	case domain.PrebuildStateQueued, domain.PrebuildStateBuilding:
		return StatePending
	case domain.PrebuildStateAvailable:
		if pb.Error != "" {
			return StateFailure
		}
		return StateSuccess
	default:
		return StateError
	}
}

func (m *Maintainer) detailsURL(pullRequestURL string) string {
	if m.baseURL == "" {
		return pullRequestURL
	}
	return m.baseURL + "/#" + pullRequestURL
}

func finalStatus(pb domain.Prebuild, mode domain.CheckMode, targetURL string) Status {
	conclusion := Conclusion(pb)
	st := Status{State: StateSuccess, TargetURL: targetURL, Description: nonPrebuiltDescription, Context: statusContext}
	if conclusion == StateSuccess {
		st.Description = prebuiltDescription
	}
	if mode == domain.CheckModePreventMergeOnError {
		st.State = conclusion
	}
	return st
}

// Register posts the status of a freshly triggered prebuild. Running
// prebuilds get a pending status that is tracked until they finish.
func (m *Maintainer) Register(ctx context.Context, r Registration) error {
	if m == nil || !r.Mode.Enabled() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "commitstatus.Register")
	var err error
	defer func() { tracer.End(span, err) }()

	pb, err := m.store.GetPrebuildByID(ctx, r.PrebuildID)
	if err != nil {
		return fmt.Errorf("load prebuild %s: %w", r.PrebuildID, err)
	}
	target := m.detailsURL(r.PullRequestURL)
	if !pb.State.Active() {
		err = m.poster.CreateCommitStatus(ctx, r.InstallationID, r.Owner, r.Repo, r.CommitSHA, finalStatus(*pb, r.Mode, target))
		return err
	}

	t := &domain.CommitStatusTarget{
		ID:             uuid.NewString(),
		PrebuildID:     pb.ID,
		InstallationID: r.InstallationID,
		Owner:          r.Owner,
		Repo:           r.Repo,
		CommitSHA:      r.CommitSHA,
		DetailsURL:     target,
		CreatedAt:      m.now(),
	}
	if err = m.store.AttachCommitStatus(ctx, t); err != nil {
		return fmt.Errorf("attach commit status: %w", err)
	}
	pending := Status{State: StatePending, TargetURL: target, Description: pendingDescription, Context: statusContext}
	if err = m.poster.CreateCommitStatus(ctx, r.InstallationID, r.Owner, r.Repo, r.CommitSHA, pending); err != nil {
		return err
	}
	m.logger.Info("commit status registered", "prebuild_id", pb.ID, "repo", r.Owner+"/"+r.Repo, "commit", r.CommitSHA)

	// The prebuild may have finished before the target was attached.
	if latest, lerr := m.store.GetPrebuildByID(ctx, pb.ID); lerr == nil && !latest.State.Active() {
		err = m.resolve(ctx, *t, *latest)
	}
	return err
}

// PrebuildUpdated queues finished prebuilds for status resolution.
func (m *Maintainer) PrebuildUpdated(_ context.Context, pb domain.Prebuild) {
	if m == nil || pb.State.Active() {
		return
	}
	select {
	case m.updates <- pb:
	default:
		m.logger.Warn("commit status queue full, leaving update to the sweep", "prebuild_id", pb.ID)
	}
}

// Run resolves queued prebuild updates and periodically sweeps statuses
// that were left pending, until the context is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(maxPendingAge / 2)
	defer ticker.Stop()

	m.logger.Info("commit status maintainer started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("commit status maintainer stopped")
			return
		case pb := <-m.updates:
			updateCtx, cancel := context.WithTimeout(ctx, updateTimeout)
			m.prebuildFinished(updateCtx, pb)
			cancel()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Maintainer) prebuildFinished(ctx context.Context, pb domain.Prebuild) {
	targets, err := m.store.ListCommitStatuses(ctx, pb.ID)
	if err != nil {
		m.logger.Error("list commit statuses failed", "prebuild_id", pb.ID, "error", err)
		return
	}
	for _, t := range targets {
		if t.Resolved {
			continue
		}
		if err := m.resolve(ctx, t, pb); err != nil {
			m.logger.Error("resolve commit status failed", "status_id", t.ID, "prebuild_id", pb.ID, "error", err)
		}
	}
}

// sweep resolves open statuses whose build workspace is between
// maxPendingAge and ignoredAge old. It returns how many were resolved.
func (m *Maintainer) sweep(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	open, err := m.store.ListUnresolvedCommitStatuses(ctx, sweepBatch)
	if err != nil {
		m.logger.Error("list unresolved commit statuses failed", "error", err)
		return 0
	}
	now := m.now()
	resolved := 0
	for _, u := range open {
		age := now.Sub(u.WorkspaceCreatedAt)
		if age <= maxPendingAge || age >= ignoredAge {
			continue
		}
		m.logger.Info("resolving stale commit status", "status_id", u.Target.ID, "prebuild_id", u.Prebuild.ID, "age", age)
		if err := m.resolve(ctx, u.Target, u.Prebuild); err != nil {
			m.logger.Error("resolve commit status failed", "status_id", u.Target.ID, "error", err)
			continue
		}
		if Conclusion(u.Prebuild) != StatePending {
			resolved++
		}
	}
	return resolved
}

// resolve posts the outcome of pb and closes t. Prebuilds that are still
// running are left for a later update. A rejected post still closes t so a
// revoked installation does not keep it open forever.
func (m *Maintainer) resolve(ctx context.Context, t domain.CommitStatusTarget, pb domain.Prebuild) error {
	conclusion := Conclusion(pb)
	if conclusion == StatePending {
		m.logger.Debug("prebuild still running", "prebuild_id", pb.ID)
		return nil
	}
	ws, err := m.store.GetWorkspaceByID(ctx, pb.BuildWorkspaceID)
	if err != nil {
		return fmt.Errorf("load build workspace %s: %w", pb.BuildWorkspaceID, err)
	}
	sha := t.CommitSHA
	if sha == "" {
		sha = pb.Commit
	}
	st := finalStatus(pb, ws.Config.AddCheck, t.DetailsURL)
	if err := m.poster.CreateCommitStatus(ctx, t.InstallationID, t.Owner, t.Repo, sha, st); err != nil {
		m.logger.Info("could not create commit status", "status_id", t.ID, "repo", t.Owner+"/"+t.Repo, "error", err)
	}
	if err := m.store.MarkCommitStatusResolved(ctx, t.ID); err != nil {
		return fmt.Errorf("mark commit status %s resolved: %w", t.ID, err)
	}
	recordResolved(st.State)
	m.logger.Info("commit status resolved", "status_id", t.ID, "prebuild_id", pb.ID, "state", st.State, "conclusion", conclusion)
	return nil
}
