package domain

import "time"

// Webhook event statuses.
const (
	WebhookStatusReceived              = "received"
	WebhookStatusProcessed             = "processed"
	WebhookStatusIgnored               = "ignored"
	WebhookStatusDismissedUnauthorized = "dismissed_unauthorized"
)

// Webhook prebuild outcomes.
const (
	WebhookPrebuildIgnoredUnconfigured = "ignored_unconfigured"
	WebhookPrebuildTriggered           = "prebuild_triggered"
	WebhookPrebuildTriggerFailed       = "prebuild_trigger_failed"
)

// WebhookEvent is the audit record of one webhook delivery.
type WebhookEvent struct {
	ID             string
	Type           string
	Host           string
	CloneURL       string
	Branch         string
	Commit         string
	AuthorizedUser string
	ProjectID      string
	Status         string
	Message        string
	PrebuildStatus string
	PrebuildID     string
	RawEvent       []byte
	CreatedAt      time.Time
}
