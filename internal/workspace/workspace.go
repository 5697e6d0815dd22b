// Package workspace manages per-project working directories: scoped file
// access for agent-produced changes and git integration for checkpoints.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// FileChange is one file mutation produced by an agent turn.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// Manager scopes all file and git operations to per-project directories under
// a single workspace root.
type Manager struct {
	root string
}

// New creates a Manager rooted at dir.
func New(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// Dir returns a project's workspace directory.
func (m *Manager) Dir(projectID string) string {
	return filepath.Join(m.root, projectID)
}

// Ensure creates a project's directory and initializes git in it. Idempotent.
func (m *Manager) Ensure(ctx context.Context, projectID string) error {
	dir := m.Dir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	if _, err := m.git(ctx, projectID, "init"); err != nil {
		return err
	}
	// Commits need an identity even on machines without global git config.
	if _, err := m.git(ctx, projectID, "config", "user.email", "agents@codeframe.local"); err != nil {
		return err
	}
	if _, err := m.git(ctx, projectID, "config", "user.name", "codeframe"); err != nil {
		return err
	}
	return nil
}

// resolve validates that path stays inside the project directory and returns
// its absolute form. Rejects absolute paths and traversal.
func (m *Manager) resolve(projectID, path string) (string, error) {
	if path == "" {
		return "", &models.ValidationError{Field: "path", Reason: "path is required"}
	}
	if filepath.IsAbs(path) {
		return "", &models.ValidationError{Field: "path", Reason: "absolute paths are not permitted"}
	}
	dir := m.Dir(projectID)
	abs := filepath.Join(dir, filepath.Clean(path))
	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return "", &models.ValidationError{Field: "path", Reason: "path escapes the project workspace"}
	}
	return abs, nil
}

// ReadFile returns a workspace file's content.
func (m *Manager) ReadFile(projectID, path string) (string, error) {
	abs, err := m.resolve(projectID, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", &models.NotFoundError{Entity: "file", ID: path}
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes one workspace file, creating parent directories.
func (m *Manager) WriteFile(projectID, path, content string) error {
	abs, err := m.resolve(projectID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes one workspace file. Missing files are not an error.
func (m *Manager) DeleteFile(projectID, path string) error {
	abs, err := m.resolve(projectID, path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Apply validates every change first, then applies all of them. A validation
// failure leaves the workspace untouched.
func (m *Manager) Apply(projectID string, changes []FileChange) error {
	for _, c := range changes {
		if _, err := m.resolve(projectID, c.Path); err != nil {
			return err
		}
	}
	for _, c := range changes {
		var err error
		if c.Delete {
			err = m.DeleteFile(projectID, c.Path)
		} else {
			err = m.WriteFile(projectID, c.Path, c.Content)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit stages everything and commits, returning the commit hash. A clean
// tree returns the current HEAD.
func (m *Manager) Commit(ctx context.Context, projectID, message string) (string, error) {
	if err := m.Ensure(ctx, projectID); err != nil {
		return "", err
	}
	if _, err := m.git(ctx, projectID, "add", "-A"); err != nil {
		return "", err
	}
	status, err := m.git(ctx, projectID, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) != "" {
		if _, err := m.git(ctx, projectID, "commit", "-m", message); err != nil {
			return "", err
		}
	}
	head, err := m.git(ctx, projectID, "rev-parse", "HEAD")
	if err != nil {
		// A brand-new repo with no commits has no HEAD; commit an empty
		// marker so checkpoints always have a ref.
		if _, cerr := m.git(ctx, projectID, "commit", "--allow-empty", "-m", message); cerr != nil {
			return "", cerr
		}
		head, err = m.git(ctx, projectID, "rev-parse", "HEAD")
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(head), nil
}

// Reset hard-resets the project tree to ref and drops untracked files.
func (m *Manager) Reset(ctx context.Context, projectID, ref string) error {
	if _, err := m.git(ctx, projectID, "reset", "--hard", ref); err != nil {
		return err
	}
	_, err := m.git(ctx, projectID, "clean", "-fd")
	return err
}

func (m *Manager) git(ctx context.Context, projectID string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.Dir(projectID)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
