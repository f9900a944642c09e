package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/tracer"
)

const gitlabPushHook = "Push Hook"

type gitlabPushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Project struct {
		GitHTTPURL    string `json:"git_http_url"`
		WebURL        string `json:"web_url"`
		DefaultBranch string `json:"default_branch"`
	} `json:"project"`
	Repository struct {
		GitHTTPURL string `json:"git_http_url"`
	} `json:"repository"`
}

func (e gitlabPushEvent) cloneURL() string {
	if e.Project.GitHTTPURL != "" {
		return e.Project.GitHTTPURL
	}
	return e.Repository.GitHTTPURL
}

// HandleGitLab processes a GitLab project webhook. Event carries the
// X-Gitlab-Event header and Token the X-Gitlab-Token secret. GitLab
// disables hooks answering 4xx, so failures are reported in the body only.
func (s *Service) HandleGitLab(ctx context.Context, d Delivery) Response {
	ctx, span := tracer.Start(ctx, "webhook.HandleGitLab")
	defer tracer.End(span, nil)

	var payload gitlabPushEvent
	_ = json.Unmarshal(d.Body, &payload)
	host := "gitlab"
	if h, _, _, err := parseRepoURL(payload.cloneURL()); err == nil {
		host = h
	}
	ev := s.createEvent(ctx, host, "push", trimRaw(d.Body, "commits"))

	if d.Event != gitlabPushHook || d.Token == "" || payload.cloneURL() == "" {
		s.logger.Warn("unhandled gitlab event", "event", d.Event, "has_token", d.Token != "")
		s.finish(ctx, ev, domain.WebhookStatusIgnored, "")
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
	ev.CloneURL = payload.cloneURL()

	user, err := s.authorizeToken(ctx, d.Token, payload.cloneURL())
	if err != nil {
		s.logger.Warn("gitlab webhook unauthorized", "clone_url", payload.cloneURL(), "error", err)
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		return Response{Status: http.StatusOK, Message: "Unauthorized."}
	}
	ev.AuthorizedUser = user.ID

	branch, ok := branchFromRef(payload.Ref)
	if !ok || payload.After == zeroRevision {
		ev.Message = "not a branch update: " + payload.Ref
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored ref."}
	}
	_, owner, name, err := parseRepoURL(payload.cloneURL())
	if err != nil {
		s.logger.Error("unexpected gitlab repository", "error", err)
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return Response{Status: http.StatusOK, Message: "Unexpected repository."}
	}
	s.handlePush(ctx, ev, user, push{
		Host:          host,
		Owner:         owner,
		Name:          name,
		CloneURL:      payload.cloneURL(),
		Branch:        branch,
		Revision:      payload.After,
		DefaultBranch: payload.Project.DefaultBranch,
	})
	return Response{Status: http.StatusCreated, Message: "Prebuild request handled."}
}
