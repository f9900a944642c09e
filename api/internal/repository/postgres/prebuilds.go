package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

const prebuildColumns = `p.id, p.build_workspace_id, p.clone_url, p.commit, p.branch, p.project_id, p.state, p.error,
	p.status_version, p.created_at`

type prebuildRow struct {
	projectID *string
	state     string
}

func (p *prebuildRow) targets(pb *domain.Prebuild) []any {
	return []any{&pb.ID, &pb.BuildWorkspaceID, &pb.CloneURL, &pb.Commit, &pb.Branch, &p.projectID, &p.state,
		&pb.Error, &pb.StatusVersion, &pb.CreatedAt}
}

func (p *prebuildRow) decode(pb *domain.Prebuild) {
	pb.ProjectID = deref(p.projectID)
	pb.State = domain.PrebuildState(p.state)
}

func scanPrebuild(row interface{ Scan(...any) error }) (*domain.Prebuild, error) {
	var (
		pb  domain.Prebuild
		raw prebuildRow
	)
	if err := row.Scan(raw.targets(&pb)...); err != nil {
		return nil, mapError(err)
	}
	raw.decode(&pb)
	return &pb, nil
}

func scanPrebuildWithWorkspace(row interface{ Scan(...any) error }) (*domain.PrebuildWithWorkspace, error) {
	var (
		out   domain.PrebuildWithWorkspace
		pbRaw prebuildRow
		wsRaw workspaceRow
	)
	targets := append(pbRaw.targets(&out.Prebuild), wsRaw.targets(&out.Workspace)...)
	if err := row.Scan(targets...); err != nil {
		return nil, mapError(err)
	}
	pbRaw.decode(&out.Prebuild)
	if err := wsRaw.decode(&out.Workspace); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) listPrebuildsWithWorkspace(ctx context.Context, query string, args ...any) ([]domain.PrebuildWithWorkspace, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.PrebuildWithWorkspace, 0)
	for rows.Next() {
		item, err := scanPrebuildWithWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (r *Repository) listPrebuilds(ctx context.Context, query string, args ...any) ([]domain.Prebuild, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.Prebuild, 0)
	for rows.Next() {
		pb, err := scanPrebuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pb)
	}
	return out, rows.Err()
}

// CreatePrebuildWorkspace stores the build workspace and its prebuild in one transaction.
func (r *Repository) CreatePrebuildWorkspace(ctx context.Context, ws *domain.Workspace, pb *domain.Prebuild) error {
	ctxJSON, cfgJSON, imgJSON, err := encodeWorkspace(ws)
	if err != nil {
		return err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const wsInsert = `INSERT INTO workspaces (id, owner_id, team_id, project_id, type, context_url, clone_url,
			context, config, image_source, based_on_prebuild_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	const pbInsert = `INSERT INTO prebuilds (id, build_workspace_id, clone_url, commit, branch, project_id, state,
			error, status_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	batch.Queue(wsInsert, ws.ID, ws.OwnerID, emptyToNil(ws.TeamID), emptyToNil(ws.ProjectID), string(ws.Type),
		ws.ContextURL, ws.Context.Repository.CloneURL, ctxJSON, cfgJSON, imgJSON, emptyToNil(ws.BasedOnPrebuildID), ws.CreatedAt)
	batch.Queue(pbInsert, pb.ID, pb.BuildWorkspaceID, pb.CloneURL, pb.Commit, pb.Branch, emptyToNil(pb.ProjectID),
		string(pb.State), pb.Error, pb.StatusVersion, pb.CreatedAt)
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(err)
		}
	}
	if err := br.Close(); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// GetPrebuildByID fetches a prebuild.
func (r *Repository) GetPrebuildByID(ctx context.Context, id string) (*domain.Prebuild, error) {
	return scanPrebuild(r.pool.QueryRow(ctx, `SELECT `+prebuildColumns+` FROM prebuilds p WHERE p.id = $1`, id))
}

// GetPrebuildByWorkspaceID fetches the prebuild built by workspaceID.
func (r *Repository) GetPrebuildByWorkspaceID(ctx context.Context, workspaceID string) (*domain.Prebuild, error) {
	return scanPrebuild(r.pool.QueryRow(ctx, `SELECT `+prebuildColumns+` FROM prebuilds p WHERE p.build_workspace_id = $1`, workspaceID))
}

// FindPrebuiltWorkspaceByCommit returns the newest prebuild for the commit that
// has not failed, been aborted or timed out.
func (r *Repository) FindPrebuiltWorkspaceByCommit(ctx context.Context, cloneURL, commit string) (*domain.PrebuildWithWorkspace, error) {
	const query = `SELECT ` + prebuildColumns + `, ` + workspaceColumns + `
		FROM prebuilds p
		INNER JOIN workspaces w ON w.id = p.build_workspace_id
		WHERE p.clone_url = $1 AND p.commit = $2
			AND p.state NOT IN ('failed', 'aborted', 'timeout')
		ORDER BY p.created_at DESC
		LIMIT 1`
	return scanPrebuildWithWorkspace(r.pool.QueryRow(ctx, query, cloneURL, commit))
}

// FindPrebuildsWithWorkspace lists the project's prebuilds whose workspace
// content still exists, newest first.
func (r *Repository) FindPrebuildsWithWorkspace(ctx context.Context, projectID string) ([]domain.PrebuildWithWorkspace, error) {
	const query = `SELECT ` + prebuildColumns + `, ` + workspaceColumns + `
		FROM prebuilds p
		INNER JOIN workspaces w ON w.id = p.build_workspace_id
		WHERE p.project_id = $1 AND w.content_deleted_at IS NULL
		ORDER BY p.created_at DESC`
	return r.listPrebuildsWithWorkspace(ctx, query, projectID)
}

// FindActivePrebuildsByBranch lists queued or building prebuilds of the project's branch.
func (r *Repository) FindActivePrebuildsByBranch(ctx context.Context, projectID, branch string) ([]domain.PrebuildWithWorkspace, error) {
	const query = `SELECT ` + prebuildColumns + `, ` + workspaceColumns + `
		FROM prebuilds p
		INNER JOIN workspaces w ON w.id = p.build_workspace_id
		WHERE p.project_id = $1 AND p.branch = $2 AND p.state IN ('queued', 'building')
		ORDER BY p.created_at DESC`
	return r.listPrebuildsWithWorkspace(ctx, query, projectID, branch)
}

// ListPrebuildsByProject returns recent prebuilds, optionally filtered by branch.
func (r *Repository) ListPrebuildsByProject(ctx context.Context, projectID, branch string, limit int) ([]domain.Prebuild, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + prebuildColumns + ` FROM prebuilds p
		WHERE p.project_id = $1 AND ($2::text IS NULL OR p.branch = $2)
		ORDER BY p.created_at DESC LIMIT $3`
	return r.listPrebuilds(ctx, query, projectID, emptyToNil(branch), limit)
}

// ListActivePrebuildsCreatedBefore returns queued or building prebuilds older than before.
func (r *Repository) ListActivePrebuildsCreatedBefore(ctx context.Context, before time.Time) ([]domain.Prebuild, error) {
	const query = `SELECT ` + prebuildColumns + ` FROM prebuilds p
		WHERE p.state IN ('queued', 'building') AND p.created_at < $1
		ORDER BY p.created_at`
	return r.listPrebuilds(ctx, query, before)
}

// CountUnabortedPrebuildsSince counts prebuilds of the clone URL created after
// since that were not aborted.
func (r *Repository) CountUnabortedPrebuildsSince(ctx context.Context, cloneURL string, since time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM prebuilds WHERE clone_url = $1 AND created_at >= $2 AND state <> 'aborted'`
	var count int
	err := r.pool.QueryRow(ctx, query, cloneURL, since).Scan(&count)
	return count, mapError(err)
}

// CompareAndSwapPrebuild persists state, error and status version of pb if
// the stored version still equals expectedVersion.
func (r *Repository) CompareAndSwapPrebuild(ctx context.Context, pb *domain.Prebuild, expectedVersion int64) error {
	const query = `UPDATE prebuilds SET state = $3, error = $4, status_version = $5
		WHERE id = $1 AND status_version = $2`
	tag, err := r.pool.Exec(ctx, query, pb.ID, expectedVersion, string(pb.State), pb.Error, pb.StatusVersion)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prebuilds WHERE id = $1)`, pb.ID).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}

// StorePrebuildInfo records display metadata of a prebuild.
func (r *Repository) StorePrebuildInfo(ctx context.Context, info *domain.PrebuildInfo) error {
	const query = `INSERT INTO prebuild_infos (prebuild_id, team_id, project_id, project_name, clone_url, branch,
			change_title, change_author, change_author_email, change_date, change_hash, change_url, started_at, started_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (prebuild_id) DO UPDATE SET
			change_title = EXCLUDED.change_title,
			change_author = EXCLUDED.change_author,
			change_author_email = EXCLUDED.change_author_email,
			change_date = EXCLUDED.change_date,
			change_hash = EXCLUDED.change_hash,
			started_at = EXCLUDED.started_at,
			started_by = EXCLUDED.started_by`
	_, err := r.pool.Exec(ctx, query, info.PrebuildID, emptyToNil(info.TeamID), emptyToNil(info.ProjectID), info.ProjectName,
		info.CloneURL, info.Branch, info.ChangeTitle, info.ChangeAuthor, info.ChangeAuthorEmail, info.ChangeDate,
		info.ChangeHash, info.ChangeURL, info.StartedAt, emptyToNil(info.StartedBy))
	return mapError(err)
}

// GetPrebuildInfo returns display metadata of a prebuild.
func (r *Repository) GetPrebuildInfo(ctx context.Context, prebuildID string) (*domain.PrebuildInfo, error) {
	const query = `SELECT prebuild_id, team_id, project_id, project_name, clone_url, branch, change_title, change_author,
			change_author_email, change_date, change_hash, change_url, started_at, started_by
		FROM prebuild_infos WHERE prebuild_id = $1`
	var (
		info                       domain.PrebuildInfo
		teamID, projectID, startBy *string
	)
	err := r.pool.QueryRow(ctx, query, prebuildID).Scan(&info.PrebuildID, &teamID, &projectID, &info.ProjectName,
		&info.CloneURL, &info.Branch, &info.ChangeTitle, &info.ChangeAuthor, &info.ChangeAuthorEmail, &info.ChangeDate,
		&info.ChangeHash, &info.ChangeURL, &info.StartedAt, &startBy)
	if err != nil {
		return nil, mapError(err)
	}
	info.TeamID, info.ProjectID, info.StartedBy = deref(teamID), deref(projectID), deref(startBy)
	return &info, nil
}
