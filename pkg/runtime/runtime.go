// Package runtime defines the wire contract between the control plane and the
// workspace runner.
package runtime

import "time"

// Runner phases reported back to the control plane.
const (
	PhasePreparing = "preparing"
	PhaseBuilding  = "building"
	PhaseStopping  = "stopping"
	PhaseStopped   = "stopped"
)

// Outcomes carried by a report in PhaseStopped.
const (
	OutcomeAvailable = "available"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeTimeout   = "timeout"
)

// Stop policies understood by the runner.
const (
	StopPolicyNormal = "normally"
	StopPolicyAbort  = "abort"
)

// Task is one entry of a workspace's task list.
type Task struct {
	Name     string `json:"name,omitempty"`
	Before   string `json:"before,omitempty"`
	Init     string `json:"init,omitempty"`
	Prebuild string `json:"prebuild,omitempty"`
	Command  string `json:"command,omitempty"`
}

// Checkout describes a repository the runner clones before running tasks.
type Checkout struct {
	CloneURL  string `json:"clone_url"`
	Revision  string `json:"revision"`
	Ref       string `json:"ref,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
}

// StartRequest asks the runner to start a workspace instance.
type StartRequest struct {
	InstanceID          string            `json:"instance_id"`
	WorkspaceID         string            `json:"workspace_id"`
	Type                string            `json:"type"`
	Image               string            `json:"image,omitempty"`
	Dockerfile          string            `json:"dockerfile,omitempty"`
	DockerContext       string            `json:"docker_context,omitempty"`
	Checkouts           []Checkout        `json:"checkouts"`
	Tasks               []Task            `json:"tasks"`
	GitToken            string            `json:"git_token,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	ExcludeFeatureFlags []string          `json:"exclude_feature_flags,omitempty"`
}

// StatusReport is sent by the runner whenever an instance changes phase.
// Version increases monotonically per instance.
type StatusReport struct {
	InstanceID  string    `json:"instance_id"`
	WorkspaceID string    `json:"workspace_id"`
	Phase       string    `json:"phase"`
	Outcome     string    `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
	Version     int64     `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// LogLine is a single line of task output.
type LogLine struct {
	WorkspaceID string    `json:"workspace_id"`
	InstanceID  string    `json:"instance_id"`
	Task        string    `json:"task"`
	Stream      string    `json:"stream"`
	Line        string    `json:"line"`
	OccurredAt  time.Time `json:"occurred_at"`
}
