package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/tracer"
)

const bitbucketPushEvent = "repo:push"

type bitbucketPush struct {
	Push struct {
		Changes []struct {
			New *struct {
				Name   string `json:"name"`
				Type   string `json:"type"`
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
	Repository struct {
		FullName   string `json:"full_name"`
		MainBranch *struct {
			Name string `json:"name"`
		} `json:"mainbranch"`
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"repository"`
}

// HandleBitbucket processes a Bitbucket Cloud repository webhook. Event
// carries the X-Event-Key header and Token the "token" query parameter.
func (s *Service) HandleBitbucket(ctx context.Context, d Delivery) Response {
	ctx, span := tracer.Start(ctx, "webhook.HandleBitbucket")
	defer tracer.End(span, nil)

	if d.Event != bitbucketPushEvent {
		s.logger.Warn("ignoring unsupported bitbucket event", "event", d.Event)
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
	var payload bitbucketPush
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return s.ignoreMalformed(ctx, "bitbucket", "push", d.Body, err)
	}
	repoURL := strings.TrimSuffix(payload.Repository.Links.HTML.Href, "/")
	host := "bitbucket"
	if h, _, _, err := parseRepoURL(repoURL); err == nil {
		host = h
	}
	ev := s.createEvent(ctx, host, "push", d.Body)
	if repoURL != "" {
		ev.CloneURL = repoURL + ".git"
	}

	if d.Token == "" {
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		return Response{Status: http.StatusOK, Message: "No token provided."}
	}
	user, err := s.authorizeToken(ctx, d.Token, ev.CloneURL)
	if err != nil {
		s.logger.Warn("bitbucket webhook unauthorized", "clone_url", ev.CloneURL, "error", err)
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		if errors.Is(err, errInvalidToken) || errors.Is(err, errBlockedUser) {
			return Response{Status: http.StatusUnauthorized}
		}
		return Response{Status: http.StatusOK, Message: "Unauthorized."}
	}
	ev.AuthorizedUser = user.ID

	if len(payload.Push.Changes) == 0 || payload.Push.Changes[0].New == nil ||
		payload.Push.Changes[0].New.Target.Hash == "" || payload.Push.Changes[0].New.Type != "branch" {
		ev.Message = "no branch update in push"
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored push."}
	}
	change := payload.Push.Changes[0].New
	_, owner, name, err := parseRepoURL(repoURL)
	if err != nil {
		s.logger.Error("unexpected bitbucket repository", "error", err)
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return Response{Status: http.StatusOK, Message: "Unexpected repository."}
	}
	p := push{
		Host:     host,
		Owner:    owner,
		Name:     name,
		CloneURL: ev.CloneURL,
		Branch:   change.Name,
		Revision: change.Target.Hash,
	}
	if payload.Repository.MainBranch != nil {
		p.DefaultBranch = payload.Repository.MainBranch.Name
	}
	s.handlePush(ctx, ev, user, p)
	return Response{Status: http.StatusOK, Message: "Prebuild request handled."}
}
