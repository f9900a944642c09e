package postgres

import (
	"context"

	"github.com/splax/prebuildd/api/internal/domain"
)

// CreateTeam creates a team record.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, name, max_projects, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.Name, team.MaxProjects, team.CreatedAt)
	return mapError(err)
}

// UpsertMember adds a member to a team.
func (r *Repository) UpsertMember(ctx context.Context, member *domain.TeamMember) error {
	const query = `INSERT INTO team_members (team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	_, err := r.pool.Exec(ctx, query, member.TeamID, member.UserID, member.Role, member.CreatedAt)
	return mapError(err)
}

// CountProjects counts live projects assigned to a team.
func (r *Repository) CountProjects(ctx context.Context, teamID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM projects WHERE team_id = $1 AND NOT marked_deleted`, teamID).Scan(&count)
	return count, mapError(err)
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, teamID string) (*domain.Team, error) {
	const query = `SELECT id, name, max_projects, created_at FROM teams WHERE id = $1`
	var team domain.Team
	if err := r.pool.QueryRow(ctx, query, teamID).Scan(&team.ID, &team.Name, &team.MaxProjects, &team.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &team, nil
}

// ListTeamsByUser returns teams the user belongs to.
func (r *Repository) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	const query = `SELECT t.id, t.name, t.max_projects, t.created_at
		FROM teams t
		INNER JOIN team_members tm ON tm.team_id = t.id
		WHERE tm.user_id = $1
		ORDER BY t.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	teams := make([]domain.Team, 0)
	for rows.Next() {
		var team domain.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.MaxProjects, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// ListMembers returns the members of a team, owners first.
func (r *Repository) ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	const query = `SELECT team_id, user_id, role, created_at FROM team_members
		WHERE team_id = $1 ORDER BY role = 'owner' DESC, created_at`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	members := make([]domain.TeamMember, 0)
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMember returns the membership of userID in teamID.
func (r *Repository) GetMember(ctx context.Context, teamID, userID string) (*domain.TeamMember, error) {
	const query = `SELECT team_id, user_id, role, created_at FROM team_members WHERE team_id = $1 AND user_id = $2`
	var m domain.TeamMember
	if err := r.pool.QueryRow(ctx, query, teamID, userID).Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

// GetCostCenter returns the team's usage budget.
func (r *Repository) GetCostCenter(ctx context.Context, teamID string) (*domain.CostCenter, error) {
	const query = `SELECT team_id, spending_limit, current_usage, updated_at FROM cost_centers WHERE team_id = $1`
	var cc domain.CostCenter
	if err := r.pool.QueryRow(ctx, query, teamID).Scan(&cc.TeamID, &cc.SpendingLimit, &cc.CurrentUsage, &cc.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &cc, nil
}

// UpsertCostCenter stores the team's usage budget.
func (r *Repository) UpsertCostCenter(ctx context.Context, cc *domain.CostCenter) error {
	const query = `INSERT INTO cost_centers (team_id, spending_limit, current_usage, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (team_id) DO UPDATE
		SET spending_limit = EXCLUDED.spending_limit, current_usage = EXCLUDED.current_usage, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, cc.TeamID, cc.SpendingLimit, cc.CurrentUsage)
	return mapError(err)
}
