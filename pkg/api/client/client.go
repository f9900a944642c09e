package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the prebuildd API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// TokenResponse is the payload returned by login and refresh.
type TokenResponse struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (TokenResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	var resp TokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Team represents a group of users owning projects.
type Team struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MaxProjects int       `json:"max_projects"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListTeams returns all teams for the authenticated user.
func (c *Client) ListTeams(ctx context.Context, token string) ([]Team, error) {
	var teams []Team
	if err := c.do(ctx, http.MethodGet, "/teams", nil, token, &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// Project describes a repository with prebuild settings.
type Project struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"team_id"`
	Name      string          `json:"name"`
	CloneURL  string          `json:"clone_url"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	Prebuilds json.RawMessage `json:"effective_prebuild_settings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListProjects returns projects for the specified team.
func (c *Client) ListProjects(ctx context.Context, token, teamID string) ([]Project, error) {
	path := fmt.Sprintf("/projects?team_id=%s", url.QueryEscape(teamID))
	var projects []Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	TeamID   string          `json:"team_id"`
	Name     string          `json:"name"`
	CloneURL string          `json:"clone_url"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// CreateProject registers a repository as a project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Prebuild mirrors the API prebuild payload.
type Prebuild struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	ProjectID   string        `json:"project_id,omitempty"`
	CloneURL    string        `json:"clone_url"`
	Commit      string        `json:"commit"`
	Branch      string        `json:"branch,omitempty"`
	State       string        `json:"state"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Info        *PrebuildInfo `json:"info,omitempty"`
}

// PrebuildInfo carries the commit metadata recorded when a prebuild starts.
type PrebuildInfo struct {
	ChangeTitle  string    `json:"change_title,omitempty"`
	ChangeAuthor string    `json:"change_author,omitempty"`
	ChangeHash   string    `json:"change_hash,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	StartedBy    string    `json:"started_by,omitempty"`
}

// StartResult is returned when a prebuild is triggered or retriggered.
type StartResult struct {
	PrebuildID  string `json:"prebuild_id"`
	WorkspaceID string `json:"workspace_id"`
	Done        bool   `json:"done"`
}

// TriggerInput selects what to prebuild. An empty Branch means the default
// branch; an empty Revision means the branch head.
type TriggerInput struct {
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// TriggerPrebuild starts a prebuild for the project.
func (c *Client) TriggerPrebuild(ctx context.Context, token, projectID string, input TriggerInput) (StartResult, error) {
	path := fmt.Sprintf("/projects/%s/prebuilds", url.PathEscape(projectID))
	var res StartResult
	if err := c.do(ctx, http.MethodPost, path, input, token, &res); err != nil {
		return StartResult{}, err
	}
	return res, nil
}

// ListPrebuilds returns recent prebuilds of a project, optionally for one branch.
func (c *Client) ListPrebuilds(ctx context.Context, token, projectID, branch string, limit int) ([]Prebuild, error) {
	q := url.Values{}
	if strings.TrimSpace(branch) != "" {
		q.Set("branch", branch)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := fmt.Sprintf("/projects/%s/prebuilds", url.PathEscape(projectID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var prebuilds []Prebuild
	if err := c.do(ctx, http.MethodGet, path, nil, token, &prebuilds); err != nil {
		return nil, err
	}
	return prebuilds, nil
}

// GetPrebuild fetches one prebuild with its commit info.
func (c *Client) GetPrebuild(ctx context.Context, token, prebuildID string) (Prebuild, error) {
	path := fmt.Sprintf("/prebuilds/%s", url.PathEscape(prebuildID))
	var pb Prebuild
	if err := c.do(ctx, http.MethodGet, path, nil, token, &pb); err != nil {
		return Prebuild{}, err
	}
	return pb, nil
}

// RetriggerPrebuild starts a fresh prebuild for the same commit.
func (c *Client) RetriggerPrebuild(ctx context.Context, token, prebuildID string) (StartResult, error) {
	path := fmt.Sprintf("/prebuilds/%s/retrigger", url.PathEscape(prebuildID))
	var res StartResult
	if err := c.do(ctx, http.MethodPost, path, nil, token, &res); err != nil {
		return StartResult{}, err
	}
	return res, nil
}

// CancelPrebuild aborts a running prebuild.
func (c *Client) CancelPrebuild(ctx context.Context, token, prebuildID string) (Prebuild, error) {
	path := fmt.Sprintf("/prebuilds/%s/cancel", url.PathEscape(prebuildID))
	var pb Prebuild
	if err := c.do(ctx, http.MethodPost, path, nil, token, &pb); err != nil {
		return Prebuild{}, err
	}
	return pb, nil
}

// AbortBranch aborts every running prebuild of a project branch.
func (c *Client) AbortBranch(ctx context.Context, token, projectID, branch string) error {
	path := fmt.Sprintf("/projects/%s/prebuilds/abort?branch=%s", url.PathEscape(projectID), url.QueryEscape(branch))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// LogLine is one stored line of prebuild output.
type LogLine struct {
	ID        int64     `json:"id"`
	Task      string    `json:"task,omitempty"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// PrebuildLogs returns stored output lines after afterID.
func (c *Client) PrebuildLogs(ctx context.Context, token, prebuildID string, afterID int64, limit int) ([]LogLine, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after", fmt.Sprint(afterID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := fmt.Sprintf("/prebuilds/%s/logs", url.PathEscape(prebuildID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var lines []LogLine
	if err := c.do(ctx, http.MethodGet, path, nil, token, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// AccessToken is a freshly issued webhook token. Token is shown only once.
type AccessToken struct {
	ID     string   `json:"id"`
	Token  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// CreateAccessToken issues a webhook token scoped to cloneURL.
func (c *Client) CreateAccessToken(ctx context.Context, token, cloneURL string) (AccessToken, error) {
	var out AccessToken
	if err := c.do(ctx, http.MethodPost, "/tokens", map[string]string{"clone_url": cloneURL}, token, &out); err != nil {
		return AccessToken{}, err
	}
	return out, nil
}
