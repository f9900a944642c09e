package httpx

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/splax/prebuildd/api/internal/service/webhook"
)

// handleWebhook dispatches /apps/{host} deliveries to the matching ingestor.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	parts := pathParts(req.URL.Path, "/apps/")
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	var (
		handle func(context.Context, webhook.Delivery) webhook.Response
		d      webhook.Delivery
	)
	switch parts[0] {
	case "github":
		handle = r.webhooks.HandleGitHub
		d.Event = req.Header.Get("X-GitHub-Event")
		d.Signature = req.Header.Get("X-Hub-Signature-256")
	case "gitlab":
		handle = r.webhooks.HandleGitLab
		d.Event = req.Header.Get("X-Gitlab-Event")
		d.Token = req.Header.Get("X-Gitlab-Token")
	case "bitbucket":
		handle = r.webhooks.HandleBitbucket
		d.Event = req.Header.Get("X-Event-Key")
		d.Token = req.URL.Query().Get("token")
	case "bitbucketserver":
		handle = r.webhooks.HandleBitbucketServer
		d.Event = req.Header.Get("X-Event-Key")
		d.Token = req.URL.Query().Get("token")
	default:
		r.notFound(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	d.Event = strings.TrimSpace(d.Event)
	d.Token = strings.TrimSpace(d.Token)
	d.Body = body

	resp := handle(req.Context(), d)
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(resp.Status)
	if resp.Message != "" {
		_, _ = io.WriteString(w, resp.Message)
	}
}
