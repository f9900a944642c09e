package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/tracer"
)

const (
	githubPlatform  = "github"
	githubHost      = "github.com"
	signaturePrefix = "sha256="
	zeroRevision    = "0000000000000000000000000000000000000000"
)

type githubRepository struct {
	ID            int64  `json:"id"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

type githubInstallation struct {
	ID int64 `json:"id"`
}

type githubPushEvent struct {
	Ref          string              `json:"ref"`
	After        string              `json:"after"`
	Deleted      bool                `json:"deleted"`
	Repository   githubRepository    `json:"repository"`
	Installation *githubInstallation `json:"installation"`
}

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref  string           `json:"ref"`
			SHA  string           `json:"sha"`
			Repo githubRepository `json:"repo"`
		} `json:"head"`
		Base struct {
			Repo githubRepository `json:"repo"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository   githubRepository    `json:"repository"`
	Installation *githubInstallation `json:"installation"`
}

type githubInstallationEvent struct {
	Action       string             `json:"action"`
	Installation githubInstallation `json:"installation"`
	Sender       struct {
		ID int64 `json:"id"`
	} `json:"sender"`
}

// ValidateSignature checks a GitHub "sha256=<hex>" HMAC of payload.
func ValidateSignature(payload, secret []byte, provided string) error {
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.TrimSpace(provided)), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

// HandleGitHub processes a GitHub App delivery. Event carries the
// X-GitHub-Event header and Signature the X-Hub-Signature-256 header.
func (s *Service) HandleGitHub(ctx context.Context, d Delivery) Response {
	ctx, span := tracer.Start(ctx, "webhook.HandleGitHub")
	defer tracer.End(span, nil)

	if len(s.githubSecret) > 0 {
		if err := ValidateSignature(d.Body, s.githubSecret, d.Signature); err != nil {
			s.logger.Warn("github signature rejected", "error", err)
			return Response{Status: http.StatusUnauthorized, Message: err.Error()}
		}
	}
	switch d.Event {
	case "push":
		return s.githubPush(ctx, d.Body)
	case "pull_request":
		return s.githubPullRequest(ctx, d.Body)
	case "installation":
		return s.githubInstallation(ctx, d.Body)
	default:
		s.logger.Debug("ignoring github event", "event", d.Event)
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
}

func (s *Service) githubPush(ctx context.Context, body []byte) Response {
	var payload githubPushEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return s.ignoreMalformed(ctx, githubHost, "push", body, err)
	}
	ev := s.createEvent(ctx, githubHost, "push", trimRaw(body, "head_commit", "commits"))
	if payload.Deleted || payload.After == zeroRevision {
		s.finish(ctx, ev, domain.WebhookStatusIgnored, "")
		return Response{Status: http.StatusOK, Message: "Branch deleted."}
	}
	return s.githubHandleCommit(ctx, ev, payload.Installation, payload.Repository, payload.Ref, payload.After, nil)
}

func (s *Service) githubPullRequest(ctx context.Context, body []byte) Response {
	var payload githubPullRequestEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return s.ignoreMalformed(ctx, githubHost, "pull_request", body, err)
	}
	switch payload.Action {
	case "opened", "reopened", "synchronize":
	default:
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
	ev := s.createEvent(ctx, githubHost, "pull_request", body)
	pr := payload.PullRequest
	if pr.Base.Repo.CloneURL != payload.Repository.CloneURL || pr.Head.Repo.ID != pr.Base.Repo.ID {
		ev.Message = "pull request from a fork"
		ev.CloneURL = payload.Repository.CloneURL
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored fork."}
	}
	var check *pullRequest
	if payload.Installation != nil {
		check = &pullRequest{InstallationID: payload.Installation.ID, URL: pr.HTMLURL}
	}
	return s.githubHandleCommit(ctx, ev, payload.Installation, payload.Repository, headsPrefix+pr.Head.Ref, pr.Head.SHA, check)
}

func (s *Service) githubHandleCommit(ctx context.Context, ev *domain.WebhookEvent, inst *githubInstallation, repo githubRepository, ref, revision string, pr *pullRequest) Response {
	ev.CloneURL = repo.CloneURL
	installer, err := s.installationOwner(ctx, inst)
	if err != nil {
		s.logger.Info("no owner for github installation", "clone_url", repo.CloneURL, "error", err)
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		return Response{Status: http.StatusOK, Message: "Unauthorized."}
	}
	if installer.Blocked {
		s.logger.Info("blocked user tried to start prebuild", "user_id", installer.ID, "clone_url", repo.CloneURL)
		s.finish(ctx, ev, domain.WebhookStatusDismissedUnauthorized, "")
		return Response{Status: http.StatusOK, Message: "Unauthorized."}
	}
	branch, ok := branchFromRef(ref)
	if !ok {
		ev.Message = "not a branch: " + ref
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildIgnoredUnconfigured)
		return Response{Status: http.StatusOK, Message: "Ignored ref."}
	}
	host, owner, name, err := parseRepoURL(repo.HTMLURL)
	if err != nil {
		s.logger.Error("unexpected github repository", "error", err)
		s.finish(ctx, ev, domain.WebhookStatusProcessed, domain.WebhookPrebuildTriggerFailed)
		return Response{Status: http.StatusOK, Message: "Unexpected repository."}
	}
	s.handlePush(ctx, ev, installer, push{
		Host:          host,
		Owner:         owner,
		Name:          name,
		CloneURL:      repo.CloneURL,
		Branch:        branch,
		Revision:      revision,
		DefaultBranch: repo.DefaultBranch,
		PullRequest:   pr,
	})
	return Response{Status: http.StatusOK, Message: "Prebuild request handled."}
}

func (s *Service) installationOwner(ctx context.Context, inst *githubInstallation) (*domain.User, error) {
	if inst == nil || inst.ID == 0 {
		return nil, errors.New("delivery carries no installation")
	}
	record, err := s.Installations.FindAppInstallation(ctx, githubPlatform, strconv.FormatInt(inst.ID, 10))
	if err != nil {
		return nil, err
	}
	if record.OwnerUserID == "" || record.State == domain.AppInstallationStateUninstalled {
		return nil, repository.ErrNotFound
	}
	return s.Users.GetUserByID(ctx, record.OwnerUserID)
}

func (s *Service) githubInstallation(ctx context.Context, body []byte) Response {
	var payload githubInstallationEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return s.ignoreMalformed(ctx, githubHost, "installation", body, err)
	}
	record := &domain.AppInstallation{
		Platform:       githubPlatform,
		InstallationID: strconv.FormatInt(payload.Installation.ID, 10),
		CreatedAt:      s.now(),
	}
	switch payload.Action {
	case "created":
		record.State = domain.AppInstallationStateInstalled
		owner, err := s.Identities.FindUserByIdentity(ctx, githubHost, strconv.FormatInt(payload.Sender.ID, 10))
		switch {
		case err == nil:
			record.OwnerUserID = owner.ID
		case errors.Is(err, repository.ErrNotFound):
			s.logger.Info("github app installed by unknown user", "installation_id", record.InstallationID)
		default:
			s.logger.Error("find installation owner failed", "installation_id", record.InstallationID, "error", err)
		}
	case "deleted":
		record.State = domain.AppInstallationStateUninstalled
	default:
		return Response{Status: http.StatusOK, Message: "Unhandled event."}
	}
	if err := s.Installations.UpsertAppInstallation(ctx, record); err != nil {
		s.logger.Error("store app installation failed", "installation_id", record.InstallationID, "error", err)
		return Response{Status: http.StatusInternalServerError, Message: "could not store installation"}
	}
	s.logger.Info("github app installation updated", "installation_id", record.InstallationID, "state", record.State, "owner_id", record.OwnerUserID)
	return Response{Status: http.StatusOK, Message: "Installation recorded."}
}

// trimRaw drops bulky keys from a payload before it is stored.
func trimRaw(body []byte, keys ...string) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	for _, k := range keys {
		delete(doc, k)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}
