package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/splax/prebuildd/api/internal/domain"
)

// AppendPrebuildLogs stores a batch of task output lines.
func (r *Repository) AppendPrebuildLogs(ctx context.Context, logs []domain.PrebuildLog) error {
	if len(logs) == 0 {
		return nil
	}
	const query = `INSERT INTO prebuild_logs (workspace_id, prebuild_id, project_id, task, stream, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(query, l.WorkspaceID, emptyToNil(l.PrebuildID), emptyToNil(l.ProjectID), l.Task, l.Stream, l.Line, l.CreatedAt)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// ListPrebuildLogs returns log lines of the workspace with id greater than afterID.
func (r *Repository) ListPrebuildLogs(ctx context.Context, workspaceID string, afterID int64, limit int) ([]domain.PrebuildLog, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT id, workspace_id, prebuild_id, project_id, task, stream, line, created_at
		FROM prebuild_logs WHERE workspace_id = $1 AND id > $2 ORDER BY id LIMIT $3`
	rows, err := r.pool.Query(ctx, query, workspaceID, afterID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.PrebuildLog, 0)
	for rows.Next() {
		var (
			l                 domain.PrebuildLog
			prebuild, project *string
		)
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &prebuild, &project, &l.Task, &l.Stream, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.PrebuildID, l.ProjectID = deref(prebuild), deref(project)
		out = append(out, l)
	}
	return out, rows.Err()
}
