package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesEmptyDir(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("inst-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := m.Prepare("inst-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, got %v", err)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	m, _ := New(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := m.Prepare(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestCheckoutDir(t *testing.T) {
	m, _ := New(t.TempDir())
	dir, _ := m.Prepare("inst-1")
	got, err := m.CheckoutDir(dir, "")
	if err != nil || got != dir {
		t.Fatalf("expected instance dir, got %q (%v)", got, err)
	}
	got, err = m.CheckoutDir(dir, "repo/sub")
	if err != nil || got != filepath.Join(dir, "repo", "sub") {
		t.Fatalf("unexpected dir %q (%v)", got, err)
	}
	if _, err := m.CheckoutDir(dir, "../other"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if _, err := m.CheckoutDir(dir, "/etc"); err == nil {
		t.Fatalf("expected absolute target to be rejected")
	}
}

func TestCleanupRefusesRoot(t *testing.T) {
	root := t.TempDir()
	m, _ := New(root)
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal to remove root")
	}
	if err := m.Cleanup(filepath.Dir(root)); err == nil {
		t.Fatalf("expected refusal outside root")
	}
	dir, _ := m.Prepare("inst-2")
	if err := m.CleanupByID("inst-2"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed")
	}
}
