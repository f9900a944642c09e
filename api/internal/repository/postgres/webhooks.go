package postgres

import (
	"context"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

// CreateWebhookEvent inserts an audit record for a webhook delivery.
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (id, type, host, clone_url, branch, commit, authorized_user, project_id,
			status, message, prebuild_status, prebuild_id, raw_event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.Type, event.Host, event.CloneURL, event.Branch, event.Commit,
		emptyToNil(event.AuthorizedUser), emptyToNil(event.ProjectID), event.Status, event.Message,
		event.PrebuildStatus, emptyToNil(event.PrebuildID), event.RawEvent, event.CreatedAt)
	return mapError(err)
}

// UpdateWebhookEvent stores the outcome fields of an event.
func (r *Repository) UpdateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `UPDATE webhook_events SET clone_url = $2, branch = $3, commit = $4, authorized_user = $5,
			project_id = $6, status = $7, message = $8, prebuild_status = $9, prebuild_id = $10
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, event.ID, event.CloneURL, event.Branch, event.Commit,
		emptyToNil(event.AuthorizedUser), emptyToNil(event.ProjectID), event.Status, event.Message,
		event.PrebuildStatus, emptyToNil(event.PrebuildID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns recent events for a clone URL.
func (r *Repository) ListWebhookEvents(ctx context.Context, cloneURL string, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, type, host, clone_url, branch, commit, authorized_user, project_id, status, message,
			prebuild_status, prebuild_id, created_at
		FROM webhook_events WHERE clone_url = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, cloneURL, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.WebhookEvent, 0)
	for rows.Next() {
		var (
			e                       domain.WebhookEvent
			user, project, prebuild *string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Host, &e.CloneURL, &e.Branch, &e.Commit, &user, &project, &e.Status,
			&e.Message, &e.PrebuildStatus, &prebuild, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AuthorizedUser, e.ProjectID, e.PrebuildID = deref(user), deref(project), deref(prebuild)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertAppInstallation records an app installation and who installed it.
func (r *Repository) UpsertAppInstallation(ctx context.Context, inst *domain.AppInstallation) error {
	const query = `INSERT INTO app_installations (platform, installation_id, owner_user_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (platform, installation_id) DO UPDATE
		SET owner_user_id = COALESCE(EXCLUDED.owner_user_id, app_installations.owner_user_id), state = EXCLUDED.state`
	_, err := r.pool.Exec(ctx, query, inst.Platform, inst.InstallationID, emptyToNil(inst.OwnerUserID), inst.State, inst.CreatedAt)
	return mapError(err)
}

// FindAppInstallation returns the installation record.
func (r *Repository) FindAppInstallation(ctx context.Context, platform, installationID string) (*domain.AppInstallation, error) {
	const query = `SELECT platform, installation_id, owner_user_id, state, created_at
		FROM app_installations WHERE platform = $1 AND installation_id = $2`
	var (
		inst  domain.AppInstallation
		owner *string
	)
	if err := r.pool.QueryRow(ctx, query, platform, installationID).Scan(&inst.Platform, &inst.InstallationID, &owner, &inst.State, &inst.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	inst.OwnerUserID = deref(owner)
	return &inst, nil
}
