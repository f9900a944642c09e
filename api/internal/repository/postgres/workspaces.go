package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

const workspaceColumns = `w.id, w.owner_id, w.team_id, w.project_id, w.type, w.context_url, w.context, w.config,
	w.image_source, w.based_on_prebuild_id, w.created_at, w.content_deleted_at`

// workspaceRow holds the raw columns of a workspace until decoded.
type workspaceRow struct {
	teamID, projectID, basedOn *string
	wsType                     string
	context, config, image     []byte
}

func (w *workspaceRow) targets(ws *domain.Workspace) []any {
	return []any{&ws.ID, &ws.OwnerID, &w.teamID, &w.projectID, &w.wsType, &ws.ContextURL, &w.context, &w.config,
		&w.image, &w.basedOn, &ws.CreatedAt, &ws.ContentDeletedTime}
}

func (w *workspaceRow) decode(ws *domain.Workspace) error {
	ws.TeamID = deref(w.teamID)
	ws.ProjectID = deref(w.projectID)
	ws.BasedOnPrebuildID = deref(w.basedOn)
	ws.Type = domain.WorkspaceType(w.wsType)
	if err := json.Unmarshal(w.context, &ws.Context); err != nil {
		return fmt.Errorf("decode workspace context: %w", err)
	}
	if err := json.Unmarshal(w.config, &ws.Config); err != nil {
		return fmt.Errorf("decode workspace config: %w", err)
	}
	if len(w.image) > 0 {
		if err := json.Unmarshal(w.image, &ws.ImageSource); err != nil {
			return fmt.Errorf("decode workspace image source: %w", err)
		}
	}
	return nil
}

func encodeWorkspace(ws *domain.Workspace) (ctxJSON, cfgJSON, imgJSON []byte, err error) {
	if ctxJSON, err = json.Marshal(ws.Context); err != nil {
		return nil, nil, nil, fmt.Errorf("encode workspace context: %w", err)
	}
	if cfgJSON, err = json.Marshal(ws.Config); err != nil {
		return nil, nil, nil, fmt.Errorf("encode workspace config: %w", err)
	}
	if imgJSON, err = json.Marshal(ws.ImageSource); err != nil {
		return nil, nil, nil, fmt.Errorf("encode workspace image source: %w", err)
	}
	return ctxJSON, cfgJSON, imgJSON, nil
}

// GetWorkspaceByID fetches a workspace.
func (r *Repository) GetWorkspaceByID(ctx context.Context, id string) (*domain.Workspace, error) {
	var (
		ws  domain.Workspace
		raw workspaceRow
	)
	row := r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.id = $1`, id)
	if err := row.Scan(raw.targets(&ws)...); err != nil {
		return nil, mapError(err)
	}
	if err := raw.decode(&ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

const instanceColumns = `id, workspace_id, region, phase, created_at, stopped_at`

func scanInstance(row interface{ Scan(...any) error }) (*domain.WorkspaceInstance, error) {
	var (
		inst  domain.WorkspaceInstance
		phase string
	)
	if err := row.Scan(&inst.ID, &inst.WorkspaceID, &inst.Region, &phase, &inst.CreatedAt, &inst.StoppedAt); err != nil {
		return nil, mapError(err)
	}
	inst.Phase = domain.InstancePhase(phase)
	return &inst, nil
}

// CreateInstance inserts a workspace instance.
func (r *Repository) CreateInstance(ctx context.Context, inst *domain.WorkspaceInstance) error {
	const query = `INSERT INTO workspace_instances (id, workspace_id, region, phase, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, inst.ID, inst.WorkspaceID, inst.Region, string(inst.Phase), inst.CreatedAt)
	return mapError(err)
}

// GetInstanceByID fetches a workspace instance.
func (r *Repository) GetInstanceByID(ctx context.Context, id string) (*domain.WorkspaceInstance, error) {
	return scanInstance(r.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workspace_instances WHERE id = $1`, id))
}

// FindRunningInstance returns the newest instance of the workspace that has not stopped.
func (r *Repository) FindRunningInstance(ctx context.Context, workspaceID string) (*domain.WorkspaceInstance, error) {
	const query = `SELECT ` + instanceColumns + ` FROM workspace_instances
		WHERE workspace_id = $1 AND phase <> 'stopped'
		ORDER BY created_at DESC LIMIT 1`
	return scanInstance(r.pool.QueryRow(ctx, query, workspaceID))
}

// UpdateInstancePhase moves an instance to phase.
func (r *Repository) UpdateInstancePhase(ctx context.Context, instanceID string, phase domain.InstancePhase, stoppedAt *time.Time) error {
	const query = `UPDATE workspace_instances SET phase = $2, stopped_at = COALESCE($3, stopped_at) WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, instanceID, string(phase), timePtrToNil(stoppedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetWorkspaceCountByCloneURL counts workspaces of wsType created for the
// clone URL since the given time.
func (r *Repository) GetWorkspaceCountByCloneURL(ctx context.Context, cloneURL string, since time.Time, wsType domain.WorkspaceType) (int, error) {
	const query = `SELECT COUNT(1) FROM workspaces WHERE clone_url = $1 AND created_at >= $2 AND type = $3`
	var count int
	err := r.pool.QueryRow(ctx, query, cloneURL, since, string(wsType)).Scan(&count)
	return count, mapError(err)
}
