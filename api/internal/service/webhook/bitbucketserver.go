package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/pkg/tracer"
)

const bitbucketServerRefsChanged = "repo:refs_changed"

type bitbucketServerPush struct {
	EventKey   string `json:"eventKey"`
	Repository struct {
		Slug    string `json:"slug"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
		Links struct {
			Clone []struct {
				Href string `json:"href"`
				Name string `json:"name"`
			} `json:"clone"`
		} `json:"links"`
	} `json:"repository"`
	Changes []struct {
		Ref struct {
			ID        string `json:"id"`
			DisplayID string `json:"displayId"`
			Type      string `json:"type"`
		} `json:"ref"`
		ToHash string `json:"toHash"`
		Type   string `json:"type"`
	} `json:"changes"`
}

func (e bitbucketServerPush) cloneURL() string {
	for _, l := range e.Repository.Links.Clone {
		if l.Name == "http" || l.Name == "https" {
			return l.Href
		}
	}
	return ""
}

// HandleBitbucketServer processes a Bitbucket Server refs_changed webhook.
// Token carries the "token" query parameter.
func (s *Service) HandleBitbucketServer(ctx context.Context, d Delivery) Response {
	ctx, span := tracer.Start(ctx, "webhook.HandleBitbucketServer")
	defer tracer.End(span, nil)

	var payload bitbucketServerPush
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return s.ignoreMalformed(ctx, "bitbucket-server", "push", d.Body, err)
	}
	if payload.EventKey != bitbucketServerRefsChanged {
		s.logger.Warn("ignoring unsupported bitbucket server event", "event", d.Event)
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
	cloneURL := payload.cloneURL()
	host := "bitbucket-server"
	if h, _, _, err := parseRepoURL(cloneURL); err == nil {
		host = h
	}
	ev := s.createEvent(ctx, host, "push", d.Body)
	ev.CloneURL = cloneURL

	user, err := s.authorizeToken(ctx, d.Token, cloneURL)
	if err != nil {
		s.logger.Warn("bitbucket server webhook unauthorized", "clone_url", cloneURL, "error", err)
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		if errors.Is(err, errInvalidToken) || errors.Is(err, errBlockedUser) {
			return Response{Status: http.StatusUnauthorized}
		}
		return Response{Status: http.StatusOK, Message: "Unauthorized."}
	}
	ev.AuthorizedUser = user.ID

	if len(payload.Changes) == 0 || cloneURL == "" {
		ev.Message = "no changes in push"
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored push."}
	}
	change := payload.Changes[0]
	if change.Ref.Type != "BRANCH" || change.Type == "DELETE" || change.ToHash == "" || change.ToHash == zeroRevision {
		ev.Message = "not a branch update: " + change.Ref.ID
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored ref."}
	}
	s.handlePush(ctx, ev, user, push{
		Host:     host,
		Owner:    payload.Repository.Project.Key,
		Name:     payload.Repository.Slug,
		CloneURL: cloneURL,
		Branch:   change.Ref.DisplayID,
		Revision: change.ToHash,
	})
	return Response{Status: http.StatusOK, Message: "Prebuild request handled."}
}
