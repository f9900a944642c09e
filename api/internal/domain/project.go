package domain

import "time"

// BranchStrategy selects which branches trigger prebuilds.
type BranchStrategy string

const (
	BranchStrategyDefaultBranch BranchStrategy = "default-branch"
	BranchStrategyAllBranches   BranchStrategy = "all-branches"
	BranchStrategyMatched       BranchStrategy = "matched-branches"
	// BranchStrategySelected is the newer name of BranchStrategyMatched.
	BranchStrategySelected BranchStrategy = "selected-branches"
)

// TriggerStrategy selects what starts a prebuild.
type TriggerStrategy string

const (
	TriggerStrategyWebhook  TriggerStrategy = "webhook-based"
	TriggerStrategyActivity TriggerStrategy = "activity-based"
)

// minPrebuildInterval is the lower bound applied when legacy settings are migrated.
const minPrebuildInterval = 20

// Project is the unit prebuilds are scoped to.
type Project struct {
	ID            string
	TeamID        string
	Name          string
	CloneURL      string
	Settings      ProjectSettings
	MarkedDeleted bool
	CreatedAt     time.Time
}

// PrebuildSettings configures prebuilds for a project.
type PrebuildSettings struct {
	Enable                       *bool           `json:"enable,omitempty"`
	BranchStrategy               BranchStrategy  `json:"branchStrategy,omitempty"`
	BranchMatchingPattern        string          `json:"branchMatchingPattern,omitempty"`
	PrebuildInterval             int             `json:"prebuildInterval,omitempty"`
	WorkspaceClass               string          `json:"workspaceClass,omitempty"`
	TriggerStrategy              TriggerStrategy `json:"triggerStrategy,omitempty"`
	KeepOutdatedPrebuildsRunning bool            `json:"keepOutdatedPrebuildsRunning,omitempty"`
}

// Enabled reports whether the enable flag is set and true.
func (s PrebuildSettings) Enabled() bool {
	return s.Enable != nil && *s.Enable
}

// ProjectSettings is stored as JSON on the project row. The flat prebuild
// fields are the legacy shape, still honoured when Prebuilds is unset.
type ProjectSettings struct {
	Prebuilds               *PrebuildSettings `json:"prebuilds,omitempty"`
	UseIncrementalPrebuilds bool              `json:"useIncrementalPrebuilds,omitempty"`

	EnablePrebuilds              *bool  `json:"enablePrebuilds,omitempty"`
	PrebuildDefaultBranchOnly    *bool  `json:"prebuildDefaultBranchOnly,omitempty"`
	PrebuildBranchPattern        string `json:"prebuildBranchPattern,omitempty"`
	PrebuildEveryNthCommit       int    `json:"prebuildEveryNthCommit,omitempty"`
	KeepOutdatedPrebuildsRunning bool   `json:"keepOutdatedPrebuildsRunning,omitempty"`
	PrebuildWorkspaceClass       string `json:"prebuildWorkspaceClass,omitempty"`
}

// PrebuildSettings returns the effective prebuild settings, migrating the
// legacy flat fields when no explicit prebuild settings were saved.
func (p Project) PrebuildSettings() PrebuildSettings {
	s := p.Settings
	if s.Prebuilds != nil {
		out := *s.Prebuilds
		if s.KeepOutdatedPrebuildsRunning {
			out.KeepOutdatedPrebuildsRunning = true
		}
		return out
	}
	if s.EnablePrebuilds == nil {
		return PrebuildSettings{}
	}
	enable := *s.EnablePrebuilds
	interval := s.PrebuildEveryNthCommit
	if interval < minPrebuildInterval {
		interval = minPrebuildInterval
	}
	out := PrebuildSettings{
		Enable:                       &enable,
		BranchStrategy:               BranchStrategyDefaultBranch,
		PrebuildInterval:             interval,
		WorkspaceClass:               s.PrebuildWorkspaceClass,
		KeepOutdatedPrebuildsRunning: s.KeepOutdatedPrebuildsRunning,
	}
	if s.PrebuildDefaultBranchOnly != nil && !*s.PrebuildDefaultBranchOnly {
		out.BranchStrategy = BranchStrategyAllBranches
	}
	if s.PrebuildBranchPattern != "" {
		out.BranchStrategy = BranchStrategyMatched
		out.BranchMatchingPattern = s.PrebuildBranchPattern
	}
	return out
}

// ProjectUsage tracks activity used for inactivity suppression.
type ProjectUsage struct {
	ProjectID           string
	LastWebhookReceived *time.Time
	LastWorkspaceStart  *time.Time
}
