package domain

import "time"

// CheckMode is the github.prebuilds.addCheck setting of a workspace config.
type CheckMode string

const (
	// CheckModeDefault posts statuses that never block merging.
	CheckModeDefault CheckMode = ""
	// CheckModeDisabled posts no statuses.
	CheckModeDisabled CheckMode = "false"
	// CheckModePreventMergeOnError reports failed prebuilds as failing checks.
	CheckModePreventMergeOnError CheckMode = "prevent-merge-on-error"
)

// Enabled reports whether commit statuses are posted at all.
func (m CheckMode) Enabled() bool { return m != CheckModeDisabled }

// CommitStatusTarget is a pending commit status on a pull request head that
// is resolved once its prebuild finishes.
type CommitStatusTarget struct {
	ID             string
	PrebuildID     string
	InstallationID int64
	Owner          string
	Repo           string
	CommitSHA      string
	DetailsURL     string
	Resolved       bool
	CreatedAt      time.Time
}

// UnresolvedCommitStatus joins an open target with its prebuild and the
// creation time of the build workspace.
type UnresolvedCommitStatus struct {
	Target             CommitStatusTarget
	Prebuild           Prebuild
	WorkspaceCreatedAt time.Time
}
