package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

const projectColumns = `id, team_id, name, clone_url, settings, marked_deleted, created_at`

func scanProject(row interface{ Scan(...any) error }) (*domain.Project, error) {
	var (
		p        domain.Project
		settings []byte
	)
	if err := row.Scan(&p.ID, &p.TeamID, &p.Name, &p.CloneURL, &settings, &p.MarkedDeleted, &p.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &p.Settings); err != nil {
			return nil, fmt.Errorf("decode project settings: %w", err)
		}
	}
	return &p, nil
}

func (r *Repository) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	settings, err := json.Marshal(project.Settings)
	if err != nil {
		return fmt.Errorf("encode project settings: %w", err)
	}
	const query = `INSERT INTO projects (id, team_id, name, clone_url, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.pool.Exec(ctx, query, project.ID, project.TeamID, project.Name, project.CloneURL, settings, project.CreatedAt)
	return mapError(err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	return scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID))
}

// ListProjectsByTeam returns the team's live projects.
func (r *Repository) ListProjectsByTeam(ctx context.Context, teamID string) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE team_id = $1 AND NOT marked_deleted ORDER BY created_at DESC`, teamID)
}

// FindProjectsByCloneURL returns live projects whose clone URL matches,
// ignoring a trailing slash or ".git" suffix.
func (r *Repository) FindProjectsByCloneURL(ctx context.Context, cloneURL string) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE regexp_replace(clone_url, '(\.git)?/?$', '') = $1 AND NOT marked_deleted
		ORDER BY created_at`, domain.NormalizeCloneURL(cloneURL))
}

// UpdateProjectSettings replaces the project's settings document.
func (r *Repository) UpdateProjectSettings(ctx context.Context, projectID string, settings domain.ProjectSettings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode project settings: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE projects SET settings = $2 WHERE id = $1`, projectID, payload)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetProjectUsage returns the project's activity timestamps.
func (r *Repository) GetProjectUsage(ctx context.Context, projectID string) (*domain.ProjectUsage, error) {
	const query = `SELECT project_id, last_webhook_received, last_workspace_start FROM project_usage WHERE project_id = $1`
	var u domain.ProjectUsage
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&u.ProjectID, &u.LastWebhookReceived, &u.LastWorkspaceStart); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// MarkWebhookReceived records the time a webhook arrived for the project.
func (r *Repository) MarkWebhookReceived(ctx context.Context, projectID string, at time.Time) error {
	const query = `INSERT INTO project_usage (project_id, last_webhook_received) VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE SET last_webhook_received = EXCLUDED.last_webhook_received`
	_, err := r.pool.Exec(ctx, query, projectID, at)
	return mapError(err)
}

// MarkWorkspaceStarted records the time a regular workspace was started for the project.
func (r *Repository) MarkWorkspaceStarted(ctx context.Context, projectID string, at time.Time) error {
	const query = `INSERT INTO project_usage (project_id, last_workspace_start) VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE SET last_workspace_start = EXCLUDED.last_workspace_start`
	_, err := r.pool.Exec(ctx, query, projectID, at)
	return mapError(err)
}
