package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns per-instance working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty directory for the instance, replacing leftovers
// from an earlier run with the same identifier.
func (m *Manager) Prepare(instanceID string) (string, error) {
	dir, err := m.Path(instanceID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Path returns the directory of instanceID without touching the filesystem.
func (m *Manager) Path(instanceID string) (string, error) {
	if instanceID == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(instanceID, `/\`) || instanceID == "." || instanceID == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", instanceID)
	}
	return filepath.Join(m.root, instanceID), nil
}

// CheckoutDir resolves target relative to the instance directory. An empty
// target maps to the instance directory itself; anything escaping it is
// rejected.
func (m *Manager) CheckoutDir(instanceDir, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return instanceDir, nil
	}
	if filepath.IsAbs(target) {
		return "", fmt.Errorf("checkout target %q must be relative", target)
	}
	dir := filepath.Join(instanceDir, target)
	if !within(instanceDir, dir) {
		return "", fmt.Errorf("checkout target %q escapes workspace", target)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if !within(m.root, path) || filepath.Clean(path) == m.root {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(instanceID string) error {
	dir, err := m.Path(instanceID)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
