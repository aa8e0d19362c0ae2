package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns per-application working directories under a common root.
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

// Path returns the workspace directory for identifier without touching disk.
func (m *Manager) Path(identifier string) (string, error) {
	if identifier == "" || identifier != filepath.Base(identifier) || identifier == "." || identifier == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return filepath.Join(m.root, identifier), nil
}

// Prepare returns an empty directory for identifier, discarding any previous contents.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.Path(identifier)
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

// Cleanup removes a workspace directory. Missing directories are not an error.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.Path(identifier)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}
