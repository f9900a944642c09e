package postgres

import (
	"context"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
)

const userColumns = `id, email, name, password_hash, blocked, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Blocked, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, password_hash, blocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.Name, user.PasswordHash, user.Blocked, user.CreatedAt)
	return mapError(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// SetUserBlocked toggles the blocked flag.
func (r *Repository) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET blocked = $2 WHERE id = $1`, id, blocked)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertIdentity stores or replaces the user's identity on a host.
func (r *Repository) UpsertIdentity(ctx context.Context, identity *domain.Identity) error {
	const query = `INSERT INTO identities (user_id, auth_provider_host, auth_id, auth_name, token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, auth_provider_host) DO UPDATE
		SET auth_id = EXCLUDED.auth_id, auth_name = EXCLUDED.auth_name, token = EXCLUDED.token`
	_, err := r.pool.Exec(ctx, query, identity.UserID, identity.AuthProviderHost, identity.AuthID, identity.AuthName, identity.Token, identity.CreatedAt)
	return mapError(err)
}

// ListIdentitiesByUser returns every identity of the user.
func (r *Repository) ListIdentitiesByUser(ctx context.Context, userID string) ([]domain.Identity, error) {
	const query = `SELECT user_id, auth_provider_host, auth_id, auth_name, token, created_at
		FROM identities WHERE user_id = $1 ORDER BY auth_provider_host`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.Identity, 0)
	for rows.Next() {
		var id domain.Identity
		if err := rows.Scan(&id.UserID, &id.AuthProviderHost, &id.AuthID, &id.AuthName, &id.Token, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetIdentity returns the user's identity for host.
func (r *Repository) GetIdentity(ctx context.Context, userID, host string) (*domain.Identity, error) {
	const query = `SELECT user_id, auth_provider_host, auth_id, auth_name, token, created_at
		FROM identities WHERE user_id = $1 AND auth_provider_host = $2`
	var id domain.Identity
	err := r.pool.QueryRow(ctx, query, userID, host).Scan(&id.UserID, &id.AuthProviderHost, &id.AuthID, &id.AuthName, &id.Token, &id.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &id, nil
}

// FindUserByIdentity resolves the user owning the provider account.
func (r *Repository) FindUserByIdentity(ctx context.Context, host, authID string) (*domain.User, error) {
	const query = `SELECT u.id, u.email, u.name, u.password_hash, u.blocked, u.created_at
		FROM users u
		INNER JOIN identities i ON i.user_id = u.id
		WHERE i.auth_provider_host = $1 AND i.auth_id = $2`
	return scanUser(r.pool.QueryRow(ctx, query, host, authID))
}

// CreateAccessToken stores a hashed webhook token.
func (r *Repository) CreateAccessToken(ctx context.Context, token *domain.AccessToken) error {
	const query = `INSERT INTO access_tokens (id, user_id, secret_hash, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, token.ID, token.UserID, token.SecretHash, token.Scopes, token.CreatedAt)
	return mapError(err)
}

// ListAccessTokensByUser returns the user's tokens, newest first.
func (r *Repository) ListAccessTokensByUser(ctx context.Context, userID string) ([]domain.AccessToken, error) {
	const query = `SELECT id, user_id, secret_hash, scopes, created_at
		FROM access_tokens WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make([]domain.AccessToken, 0)
	for rows.Next() {
		var t domain.AccessToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.SecretHash, &t.Scopes, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
