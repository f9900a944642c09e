package httpx

import (
	"net/http"
	"strings"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/service/authz"
	"github.com/splax/prebuildd/api/internal/service/project"
)

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		teams, err := r.team.ListForUser(req.Context(), user.ID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]teamPayload, 0, len(teams))
		for _, t := range teams {
			out = append(out, presentTeam(t))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			MaxProjects int    `json:"max_projects"`
		}
		if !decodeJSON(w, req, &body) {
			return
		}
		created, err := r.team.Create(req.Context(), user.ID, body.Name, body.MaxProjects)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, presentTeam(*created))
	default:
		r.methodNotAllowed(w)
	}
}

// handleTeamSubroutes serves /teams/{id}/members.
func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/teams/")
	if len(parts) != 2 || parts[1] != "members" {
		r.notFound(w)
		return
	}
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	teamID := parts[0]
	switch req.Method {
	case http.MethodGet:
		if err := r.authz.Check(req.Context(), user.ID, authz.PermissionReadProject, teamID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		members, err := r.team.Members(req.Context(), teamID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]memberPayload, 0, len(members))
		for _, m := range members {
			out = append(out, presentMember(m))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		if err := r.authz.Check(req.Context(), user.ID, authz.PermissionManageMembers, teamID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if !decodeJSON(w, req, &body) {
			return
		}
		member, err := r.team.AddMember(req.Context(), teamID, body.Email, body.Role)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, presentMember(*member))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		teamID := strings.TrimSpace(req.URL.Query().Get("team_id"))
		if teamID == "" {
			writeError(w, http.StatusBadRequest, "team_id is required")
			return
		}
		if err := r.authz.Check(req.Context(), user.ID, authz.PermissionReadProject, teamID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		projects, err := r.project.ListByTeam(req.Context(), teamID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]projectPayload, 0, len(projects))
		for _, p := range projects {
			out = append(out, presentProject(p))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			TeamID   string                 `json:"team_id"`
			Name     string                 `json:"name"`
			CloneURL string                 `json:"clone_url"`
			Settings domain.ProjectSettings `json:"settings"`
		}
		if !decodeJSON(w, req, &body) {
			return
		}
		if err := r.authz.Check(req.Context(), user.ID, authz.PermissionWriteProject, body.TeamID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		created, err := r.project.Create(req.Context(), project.CreateInput{
			TeamID:   body.TeamID,
			Name:     body.Name,
			CloneURL: body.CloneURL,
			Settings: body.Settings,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, presentProject(*created))
	default:
		r.methodNotAllowed(w)
	}
}

// handleProjectSubroutes serves /projects/{id} and everything below it.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/projects/")
	if len(parts) == 0 {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		p, _, ok := r.loadProject(w, req, projectID, authz.PermissionReadProject)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, presentProject(*p))
	case len(parts) == 2 && parts[1] == "settings":
		r.handleProjectSettings(w, req, projectID)
	case len(parts) == 2 && parts[1] == "prebuilds":
		r.handleProjectPrebuilds(w, req, projectID)
	case len(parts) == 3 && parts[1] == "prebuilds" && parts[2] == "abort":
		r.handleAbortBranch(w, req, projectID)
	case len(parts) == 3 && parts[1] == "prebuilds" && parts[2] == "check":
		r.handlePrebuildCheck(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectSettings(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	p, _, ok := r.loadProject(w, req, projectID, authz.PermissionWriteProject)
	if !ok {
		return
	}
	var settings domain.ProjectSettings
	if !decodeJSON(w, req, &settings) {
		return
	}
	updated, err := r.project.UpdateSettings(req.Context(), p.ID, settings)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, presentProject(*updated))
}

// loadProject fetches the project and checks that the caller holds
// permission in its team.
func (r *Router) loadProject(w http.ResponseWriter, req *http.Request, projectID string, permission authz.Permission) (*domain.Project, *domain.User, bool) {
	user, ok := r.currentUser(w, req)
	if !ok {
		return nil, nil, false
	}
	p, err := r.project.Get(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return nil, nil, false
	}
	if err := r.authz.Check(req.Context(), user.ID, permission, p.TeamID); err != nil {
		r.writeServiceError(w, req, err)
		return nil, nil, false
	}
	return p, user, true
}
