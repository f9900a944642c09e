// Package precondition decides whether a commit should be prebuilt.
package precondition

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/splax/prebuildd/api/internal/domain"
)

// Reasons reported by Check.
const (
	ReasonNoConfig               = "no-gitpod-config-in-repo"
	ReasonNoTasks                = "no-tasks-in-gitpod-config"
	ReasonNotEnabled             = "prebuilds-not-enabled"
	ReasonAllBranches            = "all-branches-selected"
	ReasonDefaultBranchMissing   = "default-branch-missing-in-commit-context"
	ReasonDefaultBranchMatched   = "default-branch-matched"
	ReasonDefaultBranchUnmatched = "default-branch-unmatched"
	ReasonBranchNameMissing      = "branch-name-missing-in-commit-context"
	ReasonBranchMatched          = "branch-matched"
	ReasonBranchUnmatched        = "branch-unmatched"
	ReasonUnknownStrategy        = "unknown-strategy"
)

// Input bundles what the decision depends on. Config and Project may be nil.
type Input struct {
	Config  *domain.WorkspaceConfig
	Project *domain.Project
	Context domain.CommitContext
}

// Result is the decision and its reason.
type Result struct {
	ShouldRun bool   `json:"shouldRun"`
	Reason    string `json:"reason"`
}

// Check evaluates the rules in order and returns the first that applies.
func Check(in Input) Result {
	if in.Config == nil || in.Config.Origin != domain.ConfigOriginRepo {
		return Result{false, ReasonNoConfig}
	}
	hasWork := false
	for _, t := range in.Config.Tasks {
		if t.HasPrebuildWork() {
			hasWork = true
			break
		}
	}
	if !hasWork {
		return Result{false, ReasonNoTasks}
	}

	var settings domain.PrebuildSettings
	if in.Project != nil {
		settings = in.Project.PrebuildSettings()
	}
	if !settings.Enabled() {
		return Result{false, ReasonNotEnabled}
	}

	switch settings.BranchStrategy {
	case domain.BranchStrategyAllBranches:
		return Result{true, ReasonAllBranches}
	case domain.BranchStrategyDefaultBranch:
		defaultBranch := in.Context.Repository.DefaultBranch
		if defaultBranch == "" {
			return Result{false, ReasonDefaultBranchMissing}
		}
		if in.Context.Ref == defaultBranch {
			return Result{true, ReasonDefaultBranchMatched}
		}
		return Result{false, ReasonDefaultBranchUnmatched}
	case domain.BranchStrategyMatched, domain.BranchStrategySelected:
		branch := in.Context.Ref
		if branch == "" {
			return Result{false, ReasonBranchNameMissing}
		}
		patterns := SplitPatterns(settings.BranchMatchingPattern)
		if len(patterns) == 0 {
			return Result{true, ReasonAllBranches}
		}
		for _, p := range patterns {
			if MatchBranch(p, branch) {
				return Result{true, ReasonBranchMatched}
			}
		}
		return Result{false, ReasonBranchUnmatched}
	default:
		return Result{false, ReasonUnknownStrategy}
	}
}

// SplitPatterns splits a comma separated pattern list, dropping blanks.
func SplitPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MatchBranch matches branch against pattern prefixed with "**/", so a
// pattern also matches the tail of refs such as "refs/heads/<branch>".
// Malformed patterns match nothing.
func MatchBranch(pattern, branch string) bool {
	ok, err := doublestar.Match("**/"+pattern, branch)
	return err == nil && ok
}
