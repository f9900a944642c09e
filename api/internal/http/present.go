package httpx

import (
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
)

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type teamPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MaxProjects int       `json:"max_projects"`
	CreatedAt   time.Time `json:"created_at"`
}

type memberPayload struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type projectPayload struct {
	ID        string                  `json:"id"`
	TeamID    string                  `json:"team_id"`
	Name      string                  `json:"name"`
	CloneURL  string                  `json:"clone_url"`
	Settings  domain.ProjectSettings  `json:"settings"`
	Prebuilds domain.PrebuildSettings `json:"effective_prebuild_settings"`
	CreatedAt time.Time               `json:"created_at"`
}

type prebuildPayload struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	ProjectID   string       `json:"project_id,omitempty"`
	CloneURL    string       `json:"clone_url"`
	Commit      string       `json:"commit"`
	Branch      string       `json:"branch,omitempty"`
	State       string       `json:"state"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Info        *infoPayload `json:"info,omitempty"`
}

type infoPayload struct {
	ChangeTitle  string    `json:"change_title,omitempty"`
	ChangeAuthor string    `json:"change_author,omitempty"`
	ChangeDate   string    `json:"change_date,omitempty"`
	ChangeHash   string    `json:"change_hash,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	StartedBy    string    `json:"started_by,omitempty"`
}

type logPayload struct {
	ID        int64     `json:"id"`
	Task      string    `json:"task,omitempty"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

type identityPayload struct {
	Host     string `json:"host"`
	AuthID   string `json:"auth_id"`
	AuthName string `json:"auth_name,omitempty"`
	HasToken bool   `json:"has_token"`
}

func presentUser(u *domain.User) userPayload {
	return userPayload{ID: u.ID, Email: u.Email, Name: u.Name}
}

func presentTeam(t domain.Team) teamPayload {
	return teamPayload{ID: t.ID, Name: t.Name, MaxProjects: t.MaxProjects, CreatedAt: t.CreatedAt}
}

func presentProject(p domain.Project) projectPayload {
	return projectPayload{
		ID:        p.ID,
		TeamID:    p.TeamID,
		Name:      p.Name,
		CloneURL:  p.CloneURL,
		Settings:  p.Settings,
		Prebuilds: p.PrebuildSettings(),
		CreatedAt: p.CreatedAt,
	}
}

func presentPrebuild(pb domain.Prebuild, info *domain.PrebuildInfo) prebuildPayload {
	out := prebuildPayload{
		ID:          pb.ID,
		WorkspaceID: pb.BuildWorkspaceID,
		ProjectID:   pb.ProjectID,
		CloneURL:    pb.CloneURL,
		Commit:      pb.Commit,
		Branch:      pb.Branch,
		State:       string(pb.State),
		Error:       pb.Error,
		CreatedAt:   pb.CreatedAt,
	}
	if info != nil {
		out.Info = &infoPayload{
			ChangeTitle:  info.ChangeTitle,
			ChangeAuthor: info.ChangeAuthor,
			ChangeDate:   info.ChangeDate,
			ChangeHash:   info.ChangeHash,
			StartedAt:    info.StartedAt,
			StartedBy:    info.StartedBy,
		}
	}
	return out
}

func presentLogs(lines []domain.PrebuildLog) []logPayload {
	out := make([]logPayload, 0, len(lines))
	for _, l := range lines {
		out = append(out, logPayload{ID: l.ID, Task: l.Task, Stream: l.Stream, Line: l.Line, CreatedAt: l.CreatedAt})
	}
	return out
}

func presentIdentity(id domain.Identity) identityPayload {
	return identityPayload{Host: id.AuthProviderHost, AuthID: id.AuthID, AuthName: id.AuthName, HasToken: len(id.Token) > 0}
}

func presentMember(m domain.TeamMember) memberPayload {
	return memberPayload{TeamID: m.TeamID, UserID: m.UserID, Role: m.Role}
}

type tokenPayload struct {
	User         userPayload `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
}
