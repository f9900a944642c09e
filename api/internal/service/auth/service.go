// Package auth handles accounts, session tokens, webhook access tokens and
// source host identities.
package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/apperr"
	"github.com/splax/prebuildd/pkg/config"
	"github.com/splax/prebuildd/pkg/crypto"
	jwtpkg "github.com/splax/prebuildd/pkg/jwt"
)

const (
	minPasswordLength = 8
	tokenSecretBytes  = 24
)

var errInvalidCredentials = apperr.New(apperr.CodeUnauthorized, "invalid email or password")

// Service handles authentication workflows.
type Service struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	tokens     repository.AccessTokenRepository
	cipher     *crypto.Cipher
	logger     *slog.Logger
	cfg        config.APIConfig
}

// New constructs a Service. cipher seals identity tokens at rest.
func New(users repository.UserRepository, identities repository.IdentityRepository, tokens repository.AccessTokenRepository, cipher *crypto.Cipher, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{users: users, identities: identities, tokens: tokens, cipher: cipher, logger: logger.With("component", "auth"), cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, name, password string) (*domain.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, TokenPair{}, apperr.New(apperr.CodeInvalidArgument, "a valid email is required")
	}
	if len(password) < minPasswordLength {
		return nil, TokenPair{}, apperr.Newf(apperr.CodeInvalidArgument, "password must have at least %d characters", minPasswordLength)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) || errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, apperr.Wrap(err, apperr.CodeConflict, "email already registered")
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, errInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, errInvalidCredentials
	}
	if user.Blocked {
		return nil, TokenPair{}, apperr.New(apperr.CodeUserBlocked, "user is blocked")
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := jwtpkg.Parse(strings.TrimSpace(refreshToken), s.cfg.JWTSecret, jwtpkg.KindRefresh)
	if err != nil {
		return TokenPair{}, apperr.Wrap(err, apperr.CodeUnauthorized, "invalid refresh token")
	}
	user, err := s.activeUser(ctx, claims.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issueTokens(user.ID)
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, apperr.New(apperr.CodeUnauthorized, "token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, jwtpkg.KindAccess)
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeUnauthorized, "invalid token")
	}
	user, err := s.activeUser(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) activeUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.CodeUnauthorized, "unknown user")
		}
		return nil, err
	}
	if user.Blocked {
		return nil, apperr.New(apperr.CodeUserBlocked, "user is blocked")
	}
	return user, nil
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, jwtpkg.KindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, jwtpkg.KindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

// CreateAccessToken issues a webhook token for cloneURL. The returned value
// is "<userID>|<secret>" and is shown only once; the secret is stored hashed.
func (s Service) CreateAccessToken(ctx context.Context, userID, cloneURL string) (string, *domain.AccessToken, error) {
	normalized := domain.NormalizeCloneURL(cloneURL)
	if normalized == "" {
		return "", nil, apperr.New(apperr.CodeInvalidArgument, "clone_url is required")
	}
	secret, err := crypto.RandomToken(tokenSecretBytes)
	if err != nil {
		return "", nil, err
	}
	hash, err := crypto.HashPassword(secret)
	if err != nil {
		return "", nil, err
	}
	token := &domain.AccessToken{
		ID:         uuid.NewString(),
		UserID:     userID,
		SecretHash: hash,
		Scopes:     []string{domain.ScopePrebuild, normalized},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.tokens.CreateAccessToken(ctx, token); err != nil {
		return "", nil, err
	}
	s.logger.Info("access token created", "user_id", userID, "clone_url", normalized)
	return userID + "|" + secret, token, nil
}

// IdentityInput describes a user's account on a source host.
type IdentityInput struct {
	Host     string
	AuthID   string
	AuthName string
	Token    string
}

// SetIdentity links userID to an account on a source host. The OAuth token is
// encrypted before it is stored.
func (s Service) SetIdentity(ctx context.Context, userID string, in IdentityInput) (*domain.Identity, error) {
	host := strings.ToLower(strings.TrimSpace(in.Host))
	if host == "" || strings.TrimSpace(in.AuthID) == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "host and auth_id are required")
	}
	identity := &domain.Identity{
		UserID:           userID,
		AuthProviderHost: host,
		AuthID:           strings.TrimSpace(in.AuthID),
		AuthName:         strings.TrimSpace(in.AuthName),
		CreatedAt:        time.Now().UTC(),
	}
	if in.Token != "" {
		if s.cipher == nil {
			return nil, apperr.New(apperr.CodeInternal, "secret encryption is not configured")
		}
		sealed, err := s.cipher.Encrypt(in.Token)
		if err != nil {
			return nil, err
		}
		identity.Token = sealed
	}
	if err := s.identities.UpsertIdentity(ctx, identity); err != nil {
		return nil, err
	}
	s.logger.Info("identity linked", "user_id", userID, "host", host)
	return identity, nil
}

// Identities lists the identities of userID.
func (s Service) Identities(ctx context.Context, userID string) ([]domain.Identity, error) {
	return s.identities.ListIdentitiesByUser(ctx, userID)
}
