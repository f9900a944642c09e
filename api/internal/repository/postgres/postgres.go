package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/prebuildd/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository            = (*Repository)(nil)
	_ repository.IdentityRepository        = (*Repository)(nil)
	_ repository.AccessTokenRepository     = (*Repository)(nil)
	_ repository.TeamRepository            = (*Repository)(nil)
	_ repository.CostCenterRepository      = (*Repository)(nil)
	_ repository.ProjectRepository         = (*Repository)(nil)
	_ repository.PrebuildRepository        = (*Repository)(nil)
	_ repository.WorkspaceRepository       = (*Repository)(nil)
	_ repository.WebhookEventRepository    = (*Repository)(nil)
	_ repository.AppInstallationRepository = (*Repository)(nil)
	_ repository.CommitStatusRepository    = (*Repository)(nil)
	_ repository.PrebuildLogRepository     = (*Repository)(nil)
)

// mapError translates driver errors into repository errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02", "22001":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
