package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/splax/prebuildd/api/internal/domain"
)

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testGitHubKey))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubDelivery(event, body string) Delivery {
	return Delivery{Event: event, Signature: sign([]byte(body)), Body: []byte(body)}
}

const githubPushBody = `{
	"ref": "refs/heads/feature",
	"after": "abc123",
	"head_commit": {"id": "abc123", "message": "big"},
	"commits": [{"id": "abc123"}],
	"repository": {"id": 1, "clone_url": "https://github.com/acme/app.git", "html_url": "https://github.com/acme/app", "default_branch": "main"},
	"installation": {"id": 42}
}`

func TestValidateSignature(t *testing.T) {
	body := []byte(`{"ok":true}`)
	if err := ValidateSignature(body, []byte(testGitHubKey), sign(body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := ValidateSignature(body, []byte("other"), sign(body)); err == nil {
		t.Fatalf("expected mismatch for wrong secret")
	}
	if err := ValidateSignature(body, []byte(testGitHubKey), ""); err == nil {
		t.Fatalf("expected error for missing signature")
	}
}

func TestGitHubPushTriggersPrebuild(t *testing.T) {
	h := newHarness(t)
	resp := h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Status, resp.Message)
	}
	if len(h.trigger.calls) != 1 {
		t.Fatalf("expected one prebuild start, got %d", len(h.trigger.calls))
	}
	call := h.trigger.calls[0]
	if call.User.ID != "installer" || call.Project == nil || call.Project.ID != "project-1" {
		t.Fatalf("expected installer and project-1, got %+v", call)
	}
	c := call.Context
	if c.Revision != "abc123" || c.Ref != "feature" || c.Repository.Owner != "acme" || c.Repository.Name != "app" || c.Repository.DefaultBranch != "main" {
		t.Fatalf("unexpected commit context %+v", c)
	}
	ev := h.events.only(t)
	if ev.Status != domain.WebhookStatusProcessed || ev.PrebuildStatus != domain.WebhookPrebuildTriggered || ev.PrebuildID != "pb-1" {
		t.Fatalf("unexpected event outcome %+v", ev)
	}
	if ev.ProjectID != "project-1" || ev.Commit != "abc123" || ev.Branch != "feature" || ev.AuthorizedUser != "installer" {
		t.Fatalf("unexpected event fields %+v", ev)
	}
	if strings.Contains(string(ev.RawEvent), "head_commit") || strings.Contains(string(ev.RawEvent), "commits") {
		t.Fatalf("expected commits trimmed from raw event, got %s", ev.RawEvent)
	}
}

func TestGitHubRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	d := githubDelivery("push", githubPushBody)
	d.Signature = "sha256=deadbeef"
	resp := h.svc.HandleGitHub(context.Background(), d)
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Status)
	}
	if len(h.events.all()) != 0 || len(h.trigger.calls) != 0 {
		t.Fatalf("expected nothing recorded for unsigned delivery")
	}
}

func TestGitHubPushWithoutInstallationOwnerIsDismissed(t *testing.T) {
	h := newHarness(t, func(h *harness) { delete(h.installs.records, "github/42") })
	resp := h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if ev := h.events.only(t); ev.Status != domain.WebhookStatusDismissedUnauthorized {
		t.Fatalf("expected dismissed_unauthorized, got %q", ev.Status)
	}
	if len(h.trigger.calls) != 0 {
		t.Fatalf("expected no prebuild")
	}
}

func TestGitHubPushFromBlockedOwnerIsDismissed(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.users.users["installer"].Blocked = true })
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if ev := h.events.only(t); ev.Status != domain.WebhookStatusDismissedUnauthorized {
		t.Fatalf("expected dismissed_unauthorized, got %q", ev.Status)
	}
}

func TestGitHubTagPushIsIgnored(t *testing.T) {
	h := newHarness(t)
	body := strings.Replace(githubPushBody, "refs/heads/feature", "refs/tags/v1.0.0", 1)
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", body))
	ev := h.events.only(t)
	if ev.Status != domain.WebhookStatusProcessed || ev.PrebuildStatus != domain.WebhookPrebuildIgnoredUnconfigured {
		t.Fatalf("expected processed/ignored_unconfigured, got %+v", ev)
	}
	if len(h.trigger.calls) != 0 {
		t.Fatalf("expected no prebuild for tag push")
	}
}

func TestGitHubBranchDeletionIsIgnored(t *testing.T) {
	h := newHarness(t)
	body := strings.Replace(githubPushBody, `"after": "abc123"`, `"after": "`+zeroRevision+`", "deleted": true`, 1)
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", body))
	if ev := h.events.only(t); ev.Status != domain.WebhookStatusIgnored {
		t.Fatalf("expected ignored, got %q", ev.Status)
	}
}

func TestGitHubPushWithoutConfigRecordsReason(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.configs.cfg = domain.WorkspaceConfig{Origin: domain.ConfigOriginDefault} })
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	ev := h.events.only(t)
	if ev.PrebuildStatus != domain.WebhookPrebuildIgnoredUnconfigured || ev.Message != "no-gitpod-config-in-repo" {
		t.Fatalf("expected ignored_unconfigured with reason, got %+v", ev)
	}
	if len(h.trigger.calls) != 0 {
		t.Fatalf("expected no prebuild")
	}
}

func TestGitHubPushSelectsMemberWithIdentity(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.teams.members["team-1"] = []domain.TeamMember{
			{TeamID: "team-1", UserID: "ghost"},
			{TeamID: "team-1", UserID: "member"},
		}
		h.users.identities["member@github.com"] = domain.Identity{UserID: "member", AuthProviderHost: "github.com", AuthID: "7"}
	})
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if len(h.trigger.calls) != 1 || h.trigger.calls[0].User.ID != "member" {
		t.Fatalf("expected prebuild to run as member, got %+v", h.trigger.calls)
	}
}

func TestGitHubPushFallsBackToInstaller(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.teams.members["team-1"] = []domain.TeamMember{{TeamID: "team-1", UserID: "member"}}
	})
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if len(h.trigger.calls) != 1 || h.trigger.calls[0].User.ID != "installer" {
		t.Fatalf("expected prebuild to run as installer, got %+v", h.trigger.calls)
	}
}

func TestGitHubPushIsolatesProjectFailures(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		second := h.projects.projects[0]
		second.ID = "project-2"
		h.projects.projects = append(h.projects.projects, second)
		h.trigger.failFor["project-1"] = true
	})
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if len(h.trigger.calls) != 2 {
		t.Fatalf("expected both projects attempted, got %d", len(h.trigger.calls))
	}
	events := h.events.all()
	if len(events) != 2 {
		t.Fatalf("expected one event per project, got %d", len(events))
	}
	got := map[string]string{}
	for _, ev := range events {
		got[ev.ProjectID] = ev.PrebuildStatus
	}
	if got["project-1"] != domain.WebhookPrebuildTriggerFailed || got["project-2"] != domain.WebhookPrebuildTriggered {
		t.Fatalf("unexpected outcomes %v", got)
	}
}

func TestGitHubPushWithoutProjectIsNotEnabled(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.projects.projects = nil })
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	ev := h.events.only(t)
	if ev.PrebuildStatus != domain.WebhookPrebuildIgnoredUnconfigured || ev.Message != "prebuilds-not-enabled" {
		t.Fatalf("expected prebuilds-not-enabled, got %+v", ev)
	}
}

func TestGitHubPushRevertsActivityTrigger(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.projects.projects[0].Settings.Prebuilds.TriggerStrategy = domain.TriggerStrategyActivity
	})
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	saved, ok := h.projects.savedSettings["project-1"]
	if !ok || saved.Prebuilds.TriggerStrategy != domain.TriggerStrategyWebhook {
		t.Fatalf("expected trigger strategy reverted to webhook-based, got %+v", saved.Prebuilds)
	}
}

func TestGitHubDoneResultIsNotCountedAsTriggered(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.trigger.done = true })
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if ev := h.events.only(t); ev.PrebuildStatus != domain.WebhookPrebuildIgnoredUnconfigured {
		t.Fatalf("expected ignored_unconfigured for reused prebuild, got %q", ev.PrebuildStatus)
	}
}

const githubPullRequestBody = `{
	"action": "synchronize",
	"pull_request": {
		"html_url": "https://github.com/acme/app/pull/5",
		"head": {"ref": "fix", "sha": "def456", "repo": {"id": %s, "clone_url": "%s"}},
		"base": {"repo": {"id": 1, "clone_url": "https://github.com/acme/app.git"}}
	},
	"repository": {"id": 1, "clone_url": "https://github.com/acme/app.git", "html_url": "https://github.com/acme/app", "default_branch": "main"},
	"installation": {"id": 42}
}`

func pullRequestBody(headRepoID, headCloneURL string) string {
	return fmt.Sprintf(githubPullRequestBody, headRepoID, headCloneURL)
}

func TestGitHubPullRequestBuildsHeadBranch(t *testing.T) {
	h := newHarness(t)
	h.svc.HandleGitHub(context.Background(), githubDelivery("pull_request", pullRequestBody("1", testCloneURL)))
	if len(h.trigger.calls) != 1 {
		t.Fatalf("expected one prebuild, got %d", len(h.trigger.calls))
	}
	if c := h.trigger.calls[0].Context; c.Ref != "fix" || c.Revision != "def456" {
		t.Fatalf("expected head branch and sha, got %+v", c)
	}
}

func TestGitHubPullRequestRegistersCommitStatus(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.configs.cfg.AddCheck = domain.CheckModePreventMergeOnError })
	h.svc.HandleGitHub(context.Background(), githubDelivery("pull_request", pullRequestBody("1", testCloneURL)))
	if len(h.checks.regs) != 1 {
		t.Fatalf("expected one commit status registration, got %d", len(h.checks.regs))
	}
	r := h.checks.regs[0]
	if r.InstallationID != 42 || r.Owner != "acme" || r.Repo != "app" || r.CommitSHA != "def456" {
		t.Fatalf("unexpected registration %+v", r)
	}
	if r.PullRequestURL != "https://github.com/acme/app/pull/5" || r.PrebuildID != "pb-1" || r.Mode != domain.CheckModePreventMergeOnError {
		t.Fatalf("unexpected registration %+v", r)
	}
}

func TestGitHubCommitStatusSkippedForPushesAndDisabledChecks(t *testing.T) {
	h := newHarness(t)
	h.svc.HandleGitHub(context.Background(), githubDelivery("push", githubPushBody))
	if len(h.checks.regs) != 0 {
		t.Fatalf("expected no commit status for a push, got %d", len(h.checks.regs))
	}

	h = newHarness(t, func(h *harness) { h.configs.cfg.AddCheck = domain.CheckModeDisabled })
	h.svc.HandleGitHub(context.Background(), githubDelivery("pull_request", pullRequestBody("1", testCloneURL)))
	if len(h.checks.regs) != 0 {
		t.Fatalf("expected no commit status with addCheck disabled, got %d", len(h.checks.regs))
	}
}

func TestGitHubCommitStatusFailureKeepsTrigger(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.checks.err = errors.New("github unavailable") })
	h.svc.HandleGitHub(context.Background(), githubDelivery("pull_request", pullRequestBody("1", testCloneURL)))
	if ev := h.events.only(t); ev.PrebuildStatus != domain.WebhookPrebuildTriggered {
		t.Fatalf("expected prebuild_triggered despite status failure, got %q", ev.PrebuildStatus)
	}
}

func TestGitHubPullRequestFromForkIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.svc.HandleGitHub(context.Background(), githubDelivery("pull_request", pullRequestBody("99", "https://github.com/fork/app.git")))
	if len(h.trigger.calls) != 0 {
		t.Fatalf("expected fork pull request ignored")
	}
	if ev := h.events.only(t); ev.PrebuildStatus != domain.WebhookPrebuildIgnoredUnconfigured {
		t.Fatalf("expected ignored_unconfigured, got %q", ev.PrebuildStatus)
	}
}

func TestGitHubInstallationLifecycle(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.users.identities["member@github.com"] = domain.Identity{UserID: "member", AuthProviderHost: "github.com", AuthID: "7"}
	})
	created := `{"action": "created", "installation": {"id": 77}, "sender": {"id": 7}}`
	if resp := h.svc.HandleGitHub(context.Background(), githubDelivery("installation", created)); resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	rec := h.installs.records["github/77"]
	if rec.OwnerUserID != "member" || rec.State != domain.AppInstallationStateInstalled {
		t.Fatalf("expected installation owned by member, got %+v", rec)
	}
	deleted := `{"action": "deleted", "installation": {"id": 77}, "sender": {"id": 7}}`
	h.svc.HandleGitHub(context.Background(), githubDelivery("installation", deleted))
	if rec := h.installs.records["github/77"]; rec.State != domain.AppInstallationStateUninstalled {
		t.Fatalf("expected uninstalled, got %q", rec.State)
	}
}

func TestGitHubUnknownEventIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	resp := h.svc.HandleGitHub(context.Background(), githubDelivery("star", `{}`))
	if resp.Status != http.StatusOK || len(h.events.all()) != 0 {
		t.Fatalf("expected silent 200, got %d with %d events", resp.Status, len(h.events.all()))
	}
}

func TestGitHubMalformedPayloadIsAcknowledged(t *testing.T) {
	for _, event := range []string{"push", "pull_request", "installation"} {
		h := newHarness(t)
		resp := h.svc.HandleGitHub(context.Background(), githubDelivery(event, `{"ref": `))
		if resp.Status != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", event, resp.Status)
		}
		ev := h.events.only(t)
		if ev.Status != domain.WebhookStatusIgnored || ev.Type != event || !strings.HasPrefix(ev.Message, "malformed payload") {
			t.Fatalf("%s: expected ignored malformed event, got %+v", event, ev)
		}
		if len(h.trigger.calls) != 0 {
			t.Fatalf("%s: expected no prebuild", event)
		}
	}
}
