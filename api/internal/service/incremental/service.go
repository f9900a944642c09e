package incremental

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/tracer"
)

// Match grades how well a prior prebuild serves as a base.
type Match int

const (
	MatchNone Match = iota
	MatchLoose
	MatchExact
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchLoose:
		return "loose"
	default:
		return "none"
	}
}

// PrebuildFinder lists candidate prebuilds of a project.
type PrebuildFinder interface {
	FindPrebuildsWithWorkspace(ctx context.Context, projectID string) ([]domain.PrebuildWithWorkspace, error)
}

// ImageSourceResolver computes the image a workspace would be built from.
type ImageSourceResolver interface {
	ImageSource(ctx context.Context, actor *domain.User, c domain.CommitContext, cfg domain.WorkspaceConfig) (domain.ImageSource, error)
}

// Service selects earlier prebuilds that can seed a new build.
type Service struct {
	prebuilds PrebuildFinder
	images    ImageSourceResolver
	logger    *slog.Logger
}

// New constructs the matcher.
func New(prebuilds PrebuildFinder, images ImageSourceResolver, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{prebuilds: prebuilds, images: images, logger: logger.With("component", "incremental")}
}

// FindGoodBaseForIncrementalBuild only considers available prebuilds.
func (s Service) FindGoodBaseForIncrementalBuild(ctx context.Context, c domain.CommitContext, cfg domain.WorkspaceConfig, history domain.CommitHistory, actor *domain.User, projectID string) (*domain.Prebuild, error) {
	return s.FindBaseForIncrementalWorkspace(ctx, c, cfg, history, actor, projectID, false)
}

// FindBaseForIncrementalWorkspace walks history from newest to oldest commit
// and returns the first prebuild whose match is better than MatchNone.
// Candidates are ordered by position of their commit in history, not by
// creation time. It returns nil when nothing matches.
func (s Service) FindBaseForIncrementalWorkspace(ctx context.Context, c domain.CommitContext, cfg domain.WorkspaceConfig, history domain.CommitHistory, actor *domain.User, projectID string, includeUnfinished bool) (base *domain.Prebuild, err error) {
	ctx, span := tracer.Start(ctx, "incremental.FindBaseForIncrementalWorkspace")
	defer func() { tracer.End(span, err) }()

	if history.Empty() || projectID == "" {
		return nil, nil
	}

	recent, err := s.prebuilds.FindPrebuildsWithWorkspace(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project prebuilds: %w", err)
	}
	if len(recent) == 0 {
		return nil, nil
	}
	image, err := s.images.ImageSource(ctx, actor, c, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve image source: %w", err)
	}

	wanted := Wanted{History: history, ImageSource: image, TasksKey: cfg.PrebuildTasksKey(), IncludeUnfinished: includeUnfinished}
	byCommit := make(map[string][]domain.PrebuildWithWorkspace, len(recent))
	for _, candidate := range recent {
		byCommit[candidate.Prebuild.Commit] = append(byCommit[candidate.Prebuild.Commit], candidate)
	}
	for _, sha := range history.CommitHistory {
		for _, candidate := range byCommit[sha] {
			match := Classify(candidate, wanted)
			if match == MatchNone {
				continue
			}
			s.logger.Debug("found incremental base",
				"project_id", projectID,
				"prebuild_id", candidate.Prebuild.ID,
				"commit", sha,
				"match", match.String(),
			)
			pb := candidate.Prebuild
			return &pb, nil
		}
	}
	return nil, nil
}

// Wanted describes the build a base is searched for.
type Wanted struct {
	History           domain.CommitHistory
	ImageSource       domain.ImageSource
	TasksKey          string
	IncludeUnfinished bool
}

// Classify grades a single candidate against the wanted build.
func Classify(candidate domain.PrebuildWithWorkspace, w Wanted) Match {
	pb, ws := candidate.Prebuild, candidate.Workspace

	switch pb.State {
	case domain.PrebuildStateAvailable:
	case domain.PrebuildStateQueued, domain.PrebuildStateBuilding:
		if !w.IncludeUnfinished {
			return MatchNone
		}
	default:
		return MatchNone
	}
	cc := ws.Context
	if !cc.IsCommitContext() {
		return MatchNone
	}
	if ws.BasedOnPrebuildID != "" {
		return MatchNone
	}
	if len(cc.AdditionalRepositoryCheckoutInfo) != len(w.History.AdditionalRepositoryCommitHistories) {
		return MatchNone
	}
	if !contains(w.History.CommitHistory, cc.Revision) {
		return MatchNone
	}
	for _, sub := range cc.AdditionalRepositoryCheckoutInfo {
		found := false
		for _, h := range w.History.AdditionalRepositoryCommitHistories {
			if h.CloneURL == sub.Repository.CloneURL {
				found = contains(h.CommitHistory, sub.Revision)
				break
			}
		}
		if !found {
			return MatchNone
		}
	}
	if ws.ImageSource.String() != w.ImageSource.String() {
		return MatchNone
	}
	if ws.Config.PrebuildTasksKey() != w.TasksKey {
		return MatchNone
	}
	if len(w.History.CommitHistory) > 0 && pb.Commit == w.History.CommitHistory[0] {
		return MatchExact
	}
	return MatchLoose
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
