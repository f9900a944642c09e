package prebuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
	contract "github.com/splax/prebuildd/pkg/runtime"
	"github.com/splax/prebuildd/pkg/tracer"
)

// ApplyStatus records a runner status report on the instance and on the
// prebuild of its workspace. Reports whose version is not newer than the
// stored status version are dropped, so late deliveries never regress state.
func (c *Coordinator) ApplyStatus(ctx context.Context, report contract.StatusReport) (err error) {
	ctx, span := tracer.Start(ctx, "prebuild.ApplyStatus")
	defer func() { tracer.End(span, err) }()

	if report.WorkspaceID == "" || report.InstanceID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "workspace_id and instance_id are required")
	}
	target, phase, err := mapReport(report)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidArgument, "invalid status report")
	}
	log := c.logger.With("workspace_id", report.WorkspaceID, "instance_id", report.InstanceID, "phase", report.Phase, "version", report.Version)

	current, err := c.Prebuilds.GetPrebuildByWorkspaceID(ctx, report.WorkspaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Wrap(err, apperr.CodeNotFound, "no prebuild for workspace")
	}
	if err != nil {
		return err
	}
	if report.Version <= current.StatusVersion {
		log.Debug("dropping stale status report", "prebuild_id", current.ID, "stored_version", current.StatusVersion)
		return nil
	}

	var stoppedAt *time.Time
	if phase == domain.InstancePhaseStopped {
		at := report.OccurredAt
		if at.IsZero() {
			at = c.now()
		}
		stoppedAt = &at
	}
	if err := c.Workspaces.UpdateInstancePhase(ctx, report.InstanceID, phase, stoppedAt); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Warn("update instance phase failed", "error", err)
	}
	if target == "" {
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if report.Version <= current.StatusVersion {
			log.Debug("dropping stale status report", "prebuild_id", current.ID, "stored_version", current.StatusVersion)
			return nil
		}
		if current.State == target {
			return nil
		}
		expected := current.StatusVersion
		next := *current
		if !domain.CanTransition(next.State, target) && next.State == domain.PrebuildStateQueued && domain.CanTransition(domain.PrebuildStateBuilding, target) {
			next.State = domain.PrebuildStateBuilding
		}
		if err := next.Transition(target, report.Error); err != nil {
			log.Warn("ignoring status report", "prebuild_id", current.ID, "state", current.State, "target", target)
			return nil
		}
		next.StatusVersion = report.Version
		err := c.Prebuilds.CompareAndSwapPrebuild(ctx, &next, expected)
		if errors.Is(err, repository.ErrConflict) {
			if current, err = c.Prebuilds.GetPrebuildByID(ctx, current.ID); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		recordTransition(string(next.State))
		c.notify(ctx, next)
		log.Info("prebuild state changed", "prebuild_id", next.ID, "state", next.State)
		return nil
	}
	return fmt.Errorf("apply status to prebuild %s: %w", current.ID, repository.ErrConflict)
}

// mapReport returns the prebuild state a report moves to, empty for phases
// that do not change it, and the instance phase.
func mapReport(r contract.StatusReport) (domain.PrebuildState, domain.InstancePhase, error) {
	switch r.Phase {
	case contract.PhasePreparing:
		return "", domain.InstancePhasePreparing, nil
	case contract.PhaseBuilding:
		return domain.PrebuildStateBuilding, domain.InstancePhaseBuilding, nil
	case contract.PhaseStopping:
		return "", domain.InstancePhaseStopping, nil
	case contract.PhaseStopped:
		switch r.Outcome {
		case contract.OutcomeAvailable:
			return domain.PrebuildStateAvailable, domain.InstancePhaseStopped, nil
		case contract.OutcomeFailed:
			return domain.PrebuildStateFailed, domain.InstancePhaseStopped, nil
		case contract.OutcomeAborted:
			return domain.PrebuildStateAborted, domain.InstancePhaseStopped, nil
		case contract.OutcomeTimeout:
			return domain.PrebuildStateTimeout, domain.InstancePhaseStopped, nil
		}
		return "", "", fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return "", "", fmt.Errorf("unknown phase %q", r.Phase)
}
