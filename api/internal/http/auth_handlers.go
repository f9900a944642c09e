package httpx

import (
	"net/http"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/service/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func tokenResponse(user *domain.User, pair auth.TokenPair) tokenPayload {
	out := tokenPayload{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
	}
	if user != nil {
		out.User = presentUser(user)
	}
	return out
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body credentialsRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	user, pair, err := r.auth.Signup(req.Context(), body.Email, body.Name, body.Password)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse(user, pair))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body credentialsRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	user, pair, err := r.auth.Login(req.Context(), body.Email, body.Password)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(user, pair))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	pair, err := r.auth.Refresh(req.Context(), body.RefreshToken)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(nil, pair))
}

// handleTokens issues a webhook access token scoped to one repository.
func (r *Router) handleTokens(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	var body struct {
		CloneURL string `json:"clone_url"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	secret, token, err := r.auth.CreateAccessToken(req.Context(), user.ID, body.CloneURL)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     token.ID,
		"token":  secret,
		"scopes": token.Scopes,
	})
}

func (r *Router) handleIdentities(w http.ResponseWriter, req *http.Request) {
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		identities, err := r.auth.Identities(req.Context(), user.ID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]identityPayload, 0, len(identities))
		for _, id := range identities {
			out = append(out, presentIdentity(id))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body struct {
			Host     string `json:"host"`
			AuthID   string `json:"auth_id"`
			AuthName string `json:"auth_name"`
			Token    string `json:"token"`
		}
		if !decodeJSON(w, req, &body) {
			return
		}
		identity, err := r.auth.SetIdentity(req.Context(), user.ID, auth.IdentityInput{
			Host:     body.Host,
			AuthID:   body.AuthID,
			AuthName: body.AuthName,
			Token:    body.Token,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, presentIdentity(*identity))
	default:
		r.methodNotAllowed(w)
	}
}
