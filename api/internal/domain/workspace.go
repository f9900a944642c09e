package domain

import (
	"encoding/json"
	"time"
)

// WorkspaceType distinguishes interactive workspaces from prebuild builds.
type WorkspaceType string

const (
	WorkspaceTypeRegular  WorkspaceType = "regular"
	WorkspaceTypePrebuild WorkspaceType = "prebuild"
)

// ConfigOrigin records where a workspace config came from.
type ConfigOrigin string

const (
	ConfigOriginRepo         ConfigOrigin = "repo"
	ConfigOriginDerived      ConfigOrigin = "derived"
	ConfigOriginDefault      ConfigOrigin = "default"
	ConfigOriginDefinitelyGP ConfigOrigin = "definitely-gp"
)

// Task is one entry of the tasks list in a repository config.
type Task struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Before   string `json:"before,omitempty" yaml:"before,omitempty"`
	Init     string `json:"init,omitempty" yaml:"init,omitempty"`
	Prebuild string `json:"prebuild,omitempty" yaml:"prebuild,omitempty"`
	Command  string `json:"command,omitempty" yaml:"command,omitempty"`
}

// HasPrebuildWork reports whether the task has anything to run during a prebuild.
func (t Task) HasPrebuildWork() bool {
	return t.Before != "" || t.Init != "" || t.Prebuild != ""
}

// ImageConfig is either a plain image reference or a Dockerfile in the repository.
type ImageConfig struct {
	Ref     string `json:"ref,omitempty"`
	File    string `json:"file,omitempty"`
	Context string `json:"context,omitempty"`
}

// WorkspaceConfig is the resolved build configuration of a workspace.
type WorkspaceConfig struct {
	Origin ConfigOrigin `json:"_origin,omitempty"`
	Image  *ImageConfig `json:"image,omitempty"`
	Tasks  []Task       `json:"tasks,omitempty"`

	AddCheck CheckMode `json:"addCheck,omitempty"`
}

type prebuildTask struct {
	Before   string `json:"before,omitempty"`
	Init     string `json:"init,omitempty"`
	Prebuild string `json:"prebuild,omitempty"`
}

// PrebuildTasksKey renders the prebuild relevant task fields (before, init,
// prebuild) as a canonical string. Tasks without any of them are dropped.
// Two configs produce the same prebuild output iff their keys are equal.
func (c WorkspaceConfig) PrebuildTasksKey() string {
	filtered := make([]prebuildTask, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		if !t.HasPrebuildWork() {
			continue
		}
		filtered = append(filtered, prebuildTask{Before: t.Before, Init: t.Init, Prebuild: t.Prebuild})
	}
	b, _ := json.Marshal(filtered)
	return string(b)
}

// ImageSource identifies the image a workspace is built from. Two sources are
// equal iff their String values are equal.
type ImageSource struct {
	BaseImageResolved string `json:"baseImageResolved,omitempty"`
	DockerFilePath    string `json:"dockerFilePath,omitempty"`
	DockerFileHash    string `json:"dockerFileHash,omitempty"`
	DockerContext     string `json:"dockerContext,omitempty"`
}

func (s ImageSource) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Workspace is the execution vehicle of a prebuild or an interactive session.
type Workspace struct {
	ID                 string
	OwnerID            string
	TeamID             string
	ProjectID          string
	Type               WorkspaceType
	ContextURL         string
	Context            CommitContext
	Config             WorkspaceConfig
	ImageSource        ImageSource
	BasedOnPrebuildID  string
	CreatedAt          time.Time
	ContentDeletedTime *time.Time
}

// InstancePhase is the lifecycle phase of a workspace instance.
type InstancePhase string

const (
	InstancePhasePreparing InstancePhase = "preparing"
	InstancePhaseBuilding  InstancePhase = "building"
	InstancePhaseRunning   InstancePhase = "running"
	InstancePhaseStopping  InstancePhase = "stopping"
	InstancePhaseStopped   InstancePhase = "stopped"
)

// Running reports whether the instance is not yet stopped.
func (p InstancePhase) Running() bool {
	return p != InstancePhaseStopped
}

// WorkspaceInstance is one run of a workspace.
type WorkspaceInstance struct {
	ID          string
	WorkspaceID string
	Region      string
	Phase       InstancePhase
	CreatedAt   time.Time
	StoppedAt   *time.Time
}
