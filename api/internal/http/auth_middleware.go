package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/prebuildd/api/internal/domain"
)

type authContextKey struct{}

type authInfo struct {
	UserID string
	User   *domain.User
}

var (
	errNoCredentials  = errors.New("missing authorization header")
	errBadAuthHeader  = errors.New("invalid authorization header format")
	errEmptyBearer    = errors.New("empty bearer token")
	errQueryTokenVerb = errors.New("access_token query parameter is only accepted on GET")
)

// contextSetter lets requireAuth hand the enriched context back to audit,
// which wraps it.
type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth resolves the caller's access token to a user and stores it in
// the request context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := accessToken(req)
		if err != nil {
			r.logger.Warn("authorization missing", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, _, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), authContextKey{}, authInfo{UserID: user.ID, User: user})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok
}

// accessToken reads a bearer token from the Authorization header. Websocket
// and event-stream clients in browsers cannot set headers, so GET requests
// may pass access_token in the query instead.
func accessToken(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		q := strings.TrimSpace(req.URL.Query().Get("access_token"))
		if q == "" {
			return "", errNoCredentials
		}
		if req.Method != http.MethodGet {
			return "", errQueryTokenVerb
		}
		return q, nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadAuthHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errEmptyBearer
	}
	return token, nil
}
