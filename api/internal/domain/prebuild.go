package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PrebuildState is the lifecycle state of a prebuild.
type PrebuildState string

const (
	PrebuildStateQueued    PrebuildState = "queued"
	PrebuildStateBuilding  PrebuildState = "building"
	PrebuildStateAvailable PrebuildState = "available"
	PrebuildStateFailed    PrebuildState = "failed"
	PrebuildStateTimeout   PrebuildState = "timeout"
	PrebuildStateAborted   PrebuildState = "aborted"
)

// ErrInvalidTransition is returned for state changes outside the state machine.
var ErrInvalidTransition = errors.New("domain: invalid prebuild state transition")

var prebuildTransitions = map[PrebuildState][]PrebuildState{
	PrebuildStateQueued:    {PrebuildStateBuilding, PrebuildStateAborted, PrebuildStateFailed, PrebuildStateTimeout},
	PrebuildStateBuilding:  {PrebuildStateAvailable, PrebuildStateFailed, PrebuildStateTimeout, PrebuildStateAborted},
	PrebuildStateAvailable: {PrebuildStateQueued},
	PrebuildStateFailed:    {PrebuildStateQueued},
	PrebuildStateTimeout:   {PrebuildStateQueued},
	PrebuildStateAborted:   {PrebuildStateQueued},
}

// ParsePrebuildState validates s.
func ParsePrebuildState(s string) (PrebuildState, error) {
	st := PrebuildState(s)
	if _, ok := prebuildTransitions[st]; !ok {
		return "", fmt.Errorf("domain: unknown prebuild state %q", s)
	}
	return st, nil
}

// Terminal reports whether no further build progress happens in this state.
func (s PrebuildState) Terminal() bool {
	switch s {
	case PrebuildStateAvailable, PrebuildStateFailed, PrebuildStateTimeout, PrebuildStateAborted:
		return true
	}
	return false
}

// Active reports whether the prebuild is still queued or building.
func (s PrebuildState) Active() bool {
	return s == PrebuildStateQueued || s == PrebuildStateBuilding
}

// Unsuccessful reports whether the state excludes the prebuild from dedup.
func (s PrebuildState) Unsuccessful() bool {
	return s == PrebuildStateFailed || s == PrebuildStateAborted || s == PrebuildStateTimeout
}

// CanTransition reports whether from -> to is allowed. Terminal states only
// go back to queued, which is reserved for a retrigger.
func CanTransition(from, to PrebuildState) bool {
	for _, next := range prebuildTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	maxPrebuildErrorLen = 255
	truncatedSuffix     = " ..."
)

// Prebuild is a background build of a repository at one commit.
type Prebuild struct {
	ID               string
	BuildWorkspaceID string
	CloneURL         string
	Commit           string
	Branch           string
	ProjectID        string
	State            PrebuildState
	Error            string
	StatusVersion    int64
	CreatedAt        time.Time
}

// Transition moves p to the given state, clearing or setting the error.
func (p *Prebuild) Transition(to PrebuildState, errMsg string) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}
	p.State = to
	p.SetError(errMsg)
	return nil
}

// SetError stores msg as valid UTF-8, truncated to the column width in
// characters.
func (p *Prebuild) SetError(msg string) {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if utf8.RuneCountInString(msg) > maxPrebuildErrorLen {
		keep := maxPrebuildErrorLen - utf8.RuneCountInString(truncatedSuffix)
		msg = string([]rune(msg)[:keep]) + truncatedSuffix
	}
	p.Error = msg
}

// PrebuildWithWorkspace pairs a prebuild with the workspace that builds it.
type PrebuildWithWorkspace struct {
	Prebuild  Prebuild
	Workspace Workspace
}

// PrebuildInfo is display metadata recorded when a prebuild is created.
type PrebuildInfo struct {
	PrebuildID        string
	TeamID            string
	ProjectID         string
	ProjectName       string
	CloneURL          string
	Branch            string
	ChangeTitle       string
	ChangeAuthor      string
	ChangeAuthorEmail string
	ChangeDate        string
	ChangeHash        string
	ChangeURL         string
	StartedAt         time.Time
	StartedBy         string
}

// PrebuildLog is a line of task output produced by a prebuild workspace.
type PrebuildLog struct {
	ID          int64
	WorkspaceID string
	PrebuildID  string
	ProjectID   string
	Task        string
	Stream      string
	Line        string
	CreatedAt   time.Time
}
