package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/api/internal/service/authz"
	"github.com/splax/prebuildd/api/internal/service/buildlog"
	"github.com/splax/prebuildd/api/internal/service/prebuild"
	"github.com/splax/prebuildd/api/internal/service/precondition"
	"github.com/splax/prebuildd/api/internal/ws"
	"github.com/splax/prebuildd/pkg/apperr"
)

const (
	defaultPrebuildListLimit = 50
	maxPrebuildListLimit     = 200
	defaultLogLimit          = 500
	maxLogLimit              = 5000
	sseHeartbeatInterval     = 15 * time.Second
)

type triggerRequest struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
	Force    bool   `json:"force"`
}

func (r *Router) handleProjectPrebuilds(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		p, _, ok := r.loadProject(w, req, projectID, authz.PermissionReadPrebuild)
		if !ok {
			return
		}
		limit := queryInt(req, "limit", defaultPrebuildListLimit, maxPrebuildListLimit)
		branch := strings.TrimSpace(req.URL.Query().Get("branch"))
		list, err := r.prebuildRepo.ListPrebuildsByProject(req.Context(), p.ID, branch, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		out := make([]prebuildPayload, 0, len(list))
		for _, pb := range list {
			out = append(out, presentPrebuild(pb, nil))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		p, user, ok := r.loadProject(w, req, projectID, authz.PermissionCreatePrebuild)
		if !ok {
			return
		}
		var body triggerRequest
		if req.ContentLength != 0 && !decodeJSON(w, req, &body) {
			return
		}
		commitCtx, info, err := r.prebuilds.ContextForProject(req.Context(), user, p, body.Branch, body.Revision)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		res, err := r.prebuilds.StartPrebuild(req.Context(), prebuild.StartParams{
			User:          user,
			Context:       commitCtx,
			Project:       p,
			CommitInfo:    info,
			ForcePrebuild: body.Force,
			UserInitiated: true,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		status := http.StatusCreated
		if res.Done {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAbortBranch(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	branch := strings.TrimSpace(req.URL.Query().Get("branch"))
	if branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}
	p, user, ok := r.loadProject(w, req, projectID, authz.PermissionCreatePrebuild)
	if !ok {
		return
	}
	if err := r.prebuilds.AbortPrebuildsForBranch(req.Context(), p, user, branch); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePrebuildCheck reports whether a push to ref would start a prebuild
// without starting one.
func (r *Router) handlePrebuildCheck(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	p, user, ok := r.loadProject(w, req, projectID, authz.PermissionReadPrebuild)
	if !ok {
		return
	}
	query := req.URL.Query()
	commitCtx, _, err := r.prebuilds.ContextForProject(req.Context(), user, p, query.Get("ref"), query.Get("revision"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	cfg, err := r.configs.FetchConfig(req.Context(), user, commitCtx)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	result := precondition.Check(precondition.Input{Config: &cfg, Project: p, Context: commitCtx})
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":       commitCtx.Ref,
		"revision":  commitCtx.Revision,
		"shouldRun": result.ShouldRun,
		"reason":    result.Reason,
	})
}

// handlePrebuildSubroutes serves /prebuilds/{id}[/logs|/retrigger|/cancel].
func (r *Router) handlePrebuildSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := pathParts(req.URL.Path, "/prebuilds/")
	if len(parts) == 0 || len(parts) > 2 {
		r.notFound(w)
		return
	}
	prebuildID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		pb, _, _, ok := r.loadPrebuild(w, req, prebuildID, authz.PermissionReadPrebuild)
		if !ok {
			return
		}
		info, err := r.prebuildRepo.GetPrebuildInfo(req.Context(), pb.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, presentPrebuild(*pb, info))
	case "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		pb, _, _, ok := r.loadPrebuild(w, req, prebuildID, authz.PermissionReadPrebuild)
		if !ok {
			return
		}
		r.handlePrebuildLogs(w, req, pb)
	case "retrigger":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		pb, p, user, ok := r.loadPrebuild(w, req, prebuildID, authz.PermissionCreatePrebuild)
		if !ok {
			return
		}
		res, err := r.prebuilds.RetriggerPrebuild(req.Context(), user, p, pb.BuildWorkspaceID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	case "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		pb, _, _, ok := r.loadPrebuild(w, req, prebuildID, authz.PermissionCreatePrebuild)
		if !ok {
			return
		}
		updated, err := r.prebuilds.CancelPrebuild(req.Context(), pb.ID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, presentPrebuild(*updated, nil))
	default:
		r.notFound(w)
	}
}

// loadPrebuild fetches the prebuild with its project and checks permission in
// the project's team.
func (r *Router) loadPrebuild(w http.ResponseWriter, req *http.Request, prebuildID string, permission authz.Permission) (*domain.Prebuild, *domain.Project, *domain.User, bool) {
	pb, err := r.prebuildRepo.GetPrebuildByID(req.Context(), prebuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = apperr.Wrap(err, apperr.CodeNotFound, "prebuild not found")
		}
		r.writeServiceError(w, req, err)
		return nil, nil, nil, false
	}
	if pb.ProjectID == "" {
		writeError(w, http.StatusNotFound, "prebuild not found")
		return nil, nil, nil, false
	}
	p, user, ok := r.loadProject(w, req, pb.ProjectID, permission)
	if !ok {
		return nil, nil, nil, false
	}
	return pb, p, user, true
}

// handlePrebuildLogs returns stored log lines, or with follow=1 streams them
// as Server-Sent Events after replaying the backlog.
func (r *Router) handlePrebuildLogs(w http.ResponseWriter, req *http.Request, pb *domain.Prebuild) {
	query := req.URL.Query()
	afterID, _ := strconv.ParseInt(query.Get("after"), 10, 64)
	limit := queryInt(req, "limit", defaultLogLimit, maxLogLimit)
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")

	if !follow {
		lines, err := r.logs.List(req.Context(), pb.ID, afterID, limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, presentLogs(lines))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	topic := ws.PrebuildTopic(pb.ID)
	hub := r.logs.Hub()
	// Subscribe before the backlog so no line falls between the two.
	hub.Register(topic, client)
	defer hub.Unregister(topic, client)

	lines, err := r.logs.List(req.Context(), pb.ID, afterID, limit)
	if err != nil {
		r.logger.Warn("log backlog failed", "prebuild_id", pb.ID, "error", err)
		return
	}
	for _, line := range lines {
		payload, err := buildlog.MarshalEntry(line)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}
	if pb.State.Terminal() {
		if payload, err := buildlog.MarshalPrebuild(*pb); err == nil {
			_ = client.Send(payload)
		}
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handlePrebuildsWS streams prebuild state changes and log lines of a project
// over a websocket.
func (r *Router) handlePrebuildsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	p, user, ok := r.loadProject(w, req, projectID, authz.PermissionReadPrebuild)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err, "project_id", p.ID)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.logs.Hub()
	hub.Register(p.ID, client)
	r.logger.Info("prebuild stream opened", "project_id", p.ID, "user_id", user.ID)
	defer func() {
		hub.Unregister(p.ID, client)
		client.Close()
	}()
	client.Drain()
}

func queryInt(req *http.Request, key string, def, max int) int {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
