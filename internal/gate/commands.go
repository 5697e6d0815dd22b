package gate

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Commands holds a project's configured gate command lines, loaded from
// codeframe.yaml in the project workspace. Empty commands skip their gate.
type Commands struct {
	Test      string `yaml:"test"`
	TypeCheck string `yaml:"type_check"`
	Coverage  string `yaml:"coverage"`
	Lint      string `yaml:"lint"`
}

// commandsFile is the per-workspace gate configuration file.
const commandsFile = "codeframe.yaml"

type workspaceConfig struct {
	Gates Commands `yaml:"gates"`
}

// LoadCommands reads the gate commands from a workspace directory. A missing
// file yields zero-value Commands (all gates skipped except review).
func LoadCommands(workspaceDir string) (Commands, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, commandsFile))
	if os.IsNotExist(err) {
		return Commands{}, nil
	}
	if err != nil {
		return Commands{}, err
	}
	var cfg workspaceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Commands{}, err
	}
	return cfg.Gates, nil
}
