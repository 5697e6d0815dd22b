package app

import (
	"os"
	"path/filepath"
	"sync"
)

// ConfigDir returns ~/.config/codeframe/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "codeframe"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# codeframe configuration
# Environment variables with the same upper-cased names take precedence.

# database_path: ~/.config/codeframe/codeframe.db
# workspace_root: ~/codeframe-workspaces

# llm_model: claude-sonnet
# min_coverage_percent: 85
# max_self_correct_attempts: 3
# gate_timeout_seconds: 300
# deployment_mode: selfhosted
`

var (
	dbPathMu       sync.Mutex
	dbPathOverride string
)

// SetDBPathOverride forces a specific database path (--db-path flag, tests).
func SetDBPathOverride(path string) {
	dbPathMu.Lock()
	defer dbPathMu.Unlock()
	dbPathOverride = path
}

// GetDBPath resolves the database path: flag override, then settings
// (DATABASE_PATH env or config.yaml), then the default under ConfigDir.
func GetDBPath() (string, error) {
	dbPathMu.Lock()
	override := dbPathOverride
	dbPathMu.Unlock()
	if override != "" {
		return override, nil
	}

	if s, err := LoadSettings(); err == nil && s.DatabasePath != "" {
		return expandHome(s.DatabasePath)
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "codeframe.db"), nil
}

// EnsureDBDir creates the parent directory for a database path.
func EnsureDBDir(dbPath string) (string, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}
