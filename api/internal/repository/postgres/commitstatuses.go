package postgres

import (
	"context"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

const commitStatusColumns = `s.id, s.prebuild_id, s.installation_id, s.owner, s.repo, s.commit_sha, s.details_url,
	s.is_resolved, s.created_at`

func commitStatusTargets(t *domain.CommitStatusTarget) []any {
	return []any{&t.ID, &t.PrebuildID, &t.InstallationID, &t.Owner, &t.Repo, &t.CommitSHA, &t.DetailsURL,
		&t.Resolved, &t.CreatedAt}
}

// AttachCommitStatus records a commit status that follows a prebuild.
func (r *Repository) AttachCommitStatus(ctx context.Context, target *domain.CommitStatusTarget) error {
	const query = `INSERT INTO prebuild_commit_statuses (id, prebuild_id, installation_id, owner, repo, commit_sha,
			details_url, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, target.ID, target.PrebuildID, target.InstallationID, target.Owner, target.Repo,
		target.CommitSHA, target.DetailsURL, target.Resolved, target.CreatedAt)
	return mapError(err)
}

// ListCommitStatuses returns every status attached to a prebuild.
func (r *Repository) ListCommitStatuses(ctx context.Context, prebuildID string) ([]domain.CommitStatusTarget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+commitStatusColumns+` FROM prebuild_commit_statuses s
		WHERE s.prebuild_id = $1 ORDER BY s.created_at`, prebuildID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.CommitStatusTarget, 0)
	for rows.Next() {
		var t domain.CommitStatusTarget
		if err := rows.Scan(commitStatusTargets(&t)...); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListUnresolvedCommitStatuses returns open statuses with their prebuild,
// oldest first.
func (r *Repository) ListUnresolvedCommitStatuses(ctx context.Context, limit int) ([]domain.UnresolvedCommitStatus, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + commitStatusColumns + `, ` + prebuildColumns + `, w.created_at
		FROM prebuild_commit_statuses s
		INNER JOIN prebuilds p ON p.id = s.prebuild_id
		INNER JOIN workspaces w ON w.id = p.build_workspace_id
		WHERE NOT s.is_resolved
		ORDER BY s.created_at
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.UnresolvedCommitStatus, 0)
	for rows.Next() {
		var (
			u   domain.UnresolvedCommitStatus
			raw prebuildRow
		)
		targets := append(commitStatusTargets(&u.Target), raw.targets(&u.Prebuild)...)
		targets = append(targets, &u.WorkspaceCreatedAt)
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		raw.decode(&u.Prebuild)
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkCommitStatusResolved closes a status once its conclusion was posted.
func (r *Repository) MarkCommitStatusResolved(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE prebuild_commit_statuses SET is_resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
