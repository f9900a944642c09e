package prebuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	contract "github.com/splax/prebuildd/pkg/runtime"
)

const maxCASAttempts = 3

// createForStartPrebuild stores a prebuild workspace and its queued prebuild.
// Contexts carrying commit histories are matched against earlier prebuilds,
// unfinished ones included, to record the incremental base.
func (c *Coordinator) createForStartPrebuild(ctx context.Context, user *domain.User, project *domain.Project, commitCtx domain.CommitContext, cfg domain.WorkspaceConfig) (*domain.Workspace, *domain.Prebuild, error) {
	image, err := c.Configs.ImageSource(ctx, user, commitCtx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve image source: %w", err)
	}
	now := c.now()
	ws := &domain.Workspace{
		ID:          uuid.NewString(),
		OwnerID:     user.ID,
		Type:        domain.WorkspaceTypePrebuild,
		ContextURL:  commitCtx.NormalizedContextURL,
		Context:     commitCtx,
		Config:      cfg,
		ImageSource: image,
		CreatedAt:   now,
	}
	if ws.ContextURL == "" {
		ws.ContextURL = commitCtx.Repository.CloneURL
	}
	if project != nil {
		ws.ProjectID = project.ID
		ws.TeamID = project.TeamID
		if history := commitCtx.History(); !history.Empty() {
			base, err := c.Incremental.FindBaseForIncrementalWorkspace(ctx, commitCtx, cfg, history, user, project.ID, true)
			if err != nil {
				return nil, nil, fmt.Errorf("find incremental base: %w", err)
			}
			if base != nil {
				ws.BasedOnPrebuildID = base.ID
			}
		}
	}
	pb := &domain.Prebuild{
		ID:               uuid.NewString(),
		BuildWorkspaceID: ws.ID,
		CloneURL:         commitCtx.Repository.CloneURL,
		Commit:           commitCtx.Identifier(),
		Branch:           commitCtx.Ref,
		ProjectID:        ws.ProjectID,
		State:            domain.PrebuildStateQueued,
		CreatedAt:        now,
	}
	if err := c.Prebuilds.CreatePrebuildWorkspace(ctx, ws, pb); err != nil {
		return nil, nil, fmt.Errorf("store prebuild workspace: %w", err)
	}
	recordTransition(string(pb.State))
	c.notify(ctx, *pb)
	return ws, pb, nil
}

// startWorkspace creates a new instance of ws and hands it to the runner. A
// runner failure fails the prebuild.
func (c *Coordinator) startWorkspace(ctx context.Context, user *domain.User, ws *domain.Workspace, prebuildID string) error {
	inst := &domain.WorkspaceInstance{
		ID:          uuid.NewString(),
		WorkspaceID: ws.ID,
		Phase:       domain.InstancePhasePreparing,
		CreatedAt:   c.now(),
	}
	if err := c.Workspaces.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	req := contract.StartRequest{
		InstanceID:          inst.ID,
		WorkspaceID:         ws.ID,
		Type:                string(ws.Type),
		Image:               ws.ImageSource.BaseImageResolved,
		Dockerfile:          ws.ImageSource.DockerFilePath,
		DockerContext:       ws.ImageSource.DockerContext,
		Checkouts:           checkouts(ws.Context),
		Tasks:               tasks(ws.Config),
		Env:                 map[string]string{"PREBUILD_ID": prebuildID},
		ExcludeFeatureFlags: []string{excludedFeatureFlag},
	}
	if c.Credentials != nil && user != nil {
		token, err := c.Credentials.Token(ctx, user, ws.Context.Repository.Host)
		if err != nil {
			c.logger.Warn("resolve git token failed", "workspace_id", ws.ID, "error", err)
		}
		req.GitToken = token
	}
	if err := c.Runtime.StartWorkspace(ctx, req); err != nil {
		stopped := c.now()
		if uerr := c.Workspaces.UpdateInstancePhase(ctx, inst.ID, domain.InstancePhaseStopped, &stopped); uerr != nil {
			c.logger.Warn("update instance phase failed", "instance_id", inst.ID, "error", uerr)
		}
		if _, uerr := c.updatePrebuild(ctx, prebuildID, func(pb *domain.Prebuild) error {
			return pb.Transition(domain.PrebuildStateFailed, err.Error())
		}); uerr != nil {
			c.logger.Error("mark prebuild failed", "prebuild_id", prebuildID, "error", uerr)
		}
		return fmt.Errorf("start prebuild workspace: %w", err)
	}
	return nil
}

func checkouts(c domain.CommitContext) []contract.Checkout {
	out := []contract.Checkout{{
		CloneURL: c.Repository.CloneURL,
		Revision: c.Revision,
		Ref:      c.Ref,
	}}
	for _, info := range c.AdditionalRepositoryCheckoutInfo {
		dir := info.TargetDir
		if dir == "" {
			dir = info.Repository.Name
		}
		out = append(out, contract.Checkout{
			CloneURL:  info.Repository.CloneURL,
			Revision:  info.Revision,
			Ref:       info.Ref,
			TargetDir: dir,
		})
	}
	return out
}

func tasks(cfg domain.WorkspaceConfig) []contract.Task {
	out := make([]contract.Task, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		out = append(out, contract.Task{Name: t.Name, Before: t.Before, Init: t.Init, Prebuild: t.Prebuild, Command: t.Command})
	}
	return out
}

// updatePrebuild applies mutate to the stored prebuild with a compare and
// swap on its status version, reloading on conflicts. The version is bumped
// past both the stored value and the current time, so runner reports made
// before the update are stale afterwards.
func (c *Coordinator) updatePrebuild(ctx context.Context, id string, mutate func(*domain.Prebuild) error) (*domain.Prebuild, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		pb, err := c.Prebuilds.GetPrebuildByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := pb.StatusVersion
		if err := mutate(pb); err != nil {
			return nil, err
		}
		pb.StatusVersion = nextVersion(expected, c.now())
		err = c.Prebuilds.CompareAndSwapPrebuild(ctx, pb, expected)
		if errors.Is(err, repository.ErrConflict) {
			c.logger.Debug("prebuild version conflict, retrying", "prebuild_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		recordTransition(string(pb.State))
		c.notify(ctx, *pb)
		return pb, nil
	}
	return nil, fmt.Errorf("update prebuild %s: %w", id, repository.ErrConflict)
}

func nextVersion(stored int64, now time.Time) int64 {
	if v := now.UnixNano(); v > stored {
		return v
	}
	return stored + 1
}

func (c *Coordinator) notify(ctx context.Context, pb domain.Prebuild) {
	if c.Notifier != nil {
		c.Notifier.PrebuildUpdated(ctx, pb)
	}
}
