package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPrebuildTransitions(t *testing.T) {
	cases := []struct {
		from, to PrebuildState
		ok       bool
	}{
		{PrebuildStateQueued, PrebuildStateBuilding, true},
		{PrebuildStateQueued, PrebuildStateAborted, true},
		{PrebuildStateQueued, PrebuildStateAvailable, false},
		{PrebuildStateBuilding, PrebuildStateAvailable, true},
		{PrebuildStateBuilding, PrebuildStateQueued, false},
		{PrebuildStateAvailable, PrebuildStateBuilding, false},
		{PrebuildStateAvailable, PrebuildStateQueued, true},
		{PrebuildStateAborted, PrebuildStateFailed, false},
		{PrebuildStateTimeout, PrebuildStateQueued, true},
	}
	for _, tc := range cases {
		pb := Prebuild{State: tc.from}
		err := pb.Transition(tc.to, "")
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
			}
			if pb.State != tc.from {
				t.Fatalf("%s -> %s: state changed on rejected transition", tc.from, tc.to)
			}
		}
	}
}

func TestPrebuildErrorTruncated(t *testing.T) {
	pb := Prebuild{State: PrebuildStateBuilding}
	if err := pb.Transition(PrebuildStateFailed, strings.Repeat("x", 300)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(pb.Error) != 255 {
		t.Fatalf("expected error of 255 chars, got %d", len(pb.Error))
	}
	if !strings.HasSuffix(pb.Error, " ...") {
		t.Fatalf("expected truncation suffix, got %q", pb.Error[240:])
	}
}

func TestPrebuildErrorTruncatedOnRuneBoundary(t *testing.T) {
	var pb Prebuild
	pb.SetError(strings.Repeat("a", 250) + strings.Repeat("é", 10))
	if !utf8.ValidString(pb.Error) {
		t.Fatalf("expected valid UTF-8, got %q", pb.Error)
	}
	if n := utf8.RuneCountInString(pb.Error); n != 255 {
		t.Fatalf("expected 255 characters, got %d", n)
	}
	if want := strings.Repeat("a", 250) + "é ..."; pb.Error != want {
		t.Fatalf("expected %q, got %q", want[240:], pb.Error[240:])
	}

	pb.SetError(strings.Repeat("é", 255))
	if pb.Error != strings.Repeat("é", 255) {
		t.Fatalf("expected 255 multi-byte characters kept intact")
	}

	pb.SetError("exit status 1: \xff\xfe")
	if !utf8.ValidString(pb.Error) {
		t.Fatalf("expected invalid bytes replaced, got %q", pb.Error)
	}
}

func TestParsePrebuildState(t *testing.T) {
	if _, err := ParsePrebuildState("building"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := ParsePrebuildState("running"); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestPrebuildTasksKeyIgnoresCommandsAndEmptyTasks(t *testing.T) {
	a := WorkspaceConfig{Tasks: []Task{{Init: "npm ci", Command: "npm start"}, {Command: "bash"}}}
	b := WorkspaceConfig{Tasks: []Task{{Name: "web", Init: "npm ci", Command: "npm run dev"}}}
	if a.PrebuildTasksKey() != b.PrebuildTasksKey() {
		t.Fatalf("expected equal keys, got %s vs %s", a.PrebuildTasksKey(), b.PrebuildTasksKey())
	}
	c := WorkspaceConfig{Tasks: []Task{{Init: "yarn"}}}
	if a.PrebuildTasksKey() == c.PrebuildTasksKey() {
		t.Fatal("expected different keys for different init commands")
	}
}
