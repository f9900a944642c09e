package domain

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestPrebuildSettingsPrefersExplicitSettings(t *testing.T) {
	p := Project{Settings: ProjectSettings{
		Prebuilds:       &PrebuildSettings{Enable: boolPtr(true), BranchStrategy: BranchStrategyAllBranches},
		EnablePrebuilds: boolPtr(false),
	}}
	got := p.PrebuildSettings()
	if !got.Enabled() || got.BranchStrategy != BranchStrategyAllBranches {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestPrebuildSettingsMigratesLegacy(t *testing.T) {
	cases := []struct {
		name     string
		settings ProjectSettings
		enabled  bool
		strategy BranchStrategy
		pattern  string
	}{
		{"unset", ProjectSettings{}, false, "", ""},
		{"default branch", ProjectSettings{EnablePrebuilds: boolPtr(true)}, true, BranchStrategyDefaultBranch, ""},
		{"all branches", ProjectSettings{EnablePrebuilds: boolPtr(true), PrebuildDefaultBranchOnly: boolPtr(false)}, true, BranchStrategyAllBranches, ""},
		{"pattern", ProjectSettings{EnablePrebuilds: boolPtr(true), PrebuildBranchPattern: "feat-*"}, true, BranchStrategyMatched, "feat-*"},
		{"disabled", ProjectSettings{EnablePrebuilds: boolPtr(false)}, false, BranchStrategyDefaultBranch, ""},
	}
	for _, tc := range cases {
		got := Project{Settings: tc.settings}.PrebuildSettings()
		if got.Enabled() != tc.enabled || got.BranchStrategy != tc.strategy || got.BranchMatchingPattern != tc.pattern {
			t.Fatalf("%s: unexpected settings %+v", tc.name, got)
		}
	}
}

func TestPrebuildSettingsLegacyIntervalFloor(t *testing.T) {
	got := Project{Settings: ProjectSettings{EnablePrebuilds: boolPtr(true), PrebuildEveryNthCommit: 3}}.PrebuildSettings()
	if got.PrebuildInterval != 20 {
		t.Fatalf("expected interval 20, got %d", got.PrebuildInterval)
	}
}
