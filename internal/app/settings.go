package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// DeploymentMode controls multi-tenancy policy.
type DeploymentMode string

// Deployment mode constants. Hosted forbids cross-user project access and
// enforces the strict gate-command policy.
const (
	ModeSelfHosted DeploymentMode = "selfhosted"
	ModeHosted     DeploymentMode = "hosted"
)

// Settings holds all recognized configuration. Values come from config.yaml
// with environment variables taking precedence. Field names match snake_case
// YAML keys.
type Settings struct {
	LLMProviderKey string `yaml:"llm_provider_key"`
	LLMModel       string `yaml:"llm_model"`

	DatabasePath  string `yaml:"database_path"`
	WorkspaceRoot string `yaml:"workspace_root"`

	MinCoveragePercent     float64 `yaml:"min_coverage_percent"`
	MaxSelfCorrectAttempts int     `yaml:"max_self_correct_attempts"`

	ContextHotBudgetTokens  int     `yaml:"context_hot_budget_tokens"`
	ContextWarmBudgetTokens int     `yaml:"context_warm_budget_tokens"`
	FlashSaveHeadroomRatio  float64 `yaml:"flash_save_headroom_ratio"`

	GateTimeoutSeconds int `yaml:"gate_timeout_seconds"`

	DeploymentMode DeploymentMode `yaml:"deployment_mode"`

	LLMRetryAttempts int `yaml:"llm_retry_attempts"`

	EventQueueSize int `yaml:"event_queue_size"`
}

// Defaults for settings not supplied by file or environment.
const (
	DefaultMinCoveragePercent     = 85.0
	DefaultMaxSelfCorrectAttempts = 3
	DefaultHotBudgetTokens        = 32000
	DefaultWarmBudgetTokens       = 96000
	DefaultFlashSaveHeadroom      = 0.15
	DefaultGateTimeoutSeconds     = 300
	DefaultLLMRetryAttempts       = 3
	DefaultEventQueueSize         = 256
)

var (
	settingsMu       sync.Mutex
	cachedSettings   *Settings
	settingsPathOver string
)

// SetSettingsPathOverride forces a specific config file (tests, --config).
func SetSettingsPathOverride(path string) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settingsPathOver = path
	cachedSettings = nil
}

// ResetSettingsCache drops the memoized settings (tests).
func ResetSettingsCache() {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	cachedSettings = nil
}

// LoadSettings reads config.yaml, applies defaults, then applies recognized
// environment overrides. The result is memoized for the process lifetime.
func LoadSettings() (*Settings, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if cachedSettings != nil {
		return cachedSettings, nil
	}

	s := &Settings{
		MinCoveragePercent:      DefaultMinCoveragePercent,
		MaxSelfCorrectAttempts:  DefaultMaxSelfCorrectAttempts,
		ContextHotBudgetTokens:  DefaultHotBudgetTokens,
		ContextWarmBudgetTokens: DefaultWarmBudgetTokens,
		FlashSaveHeadroomRatio:  DefaultFlashSaveHeadroom,
		GateTimeoutSeconds:      DefaultGateTimeoutSeconds,
		DeploymentMode:          ModeSelfHosted,
		LLMRetryAttempts:        DefaultLLMRetryAttempts,
		EventQueueSize:          DefaultEventQueueSize,
	}

	path := settingsPathOver
	if path == "" {
		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(s)

	if err := s.validate(); err != nil {
		return nil, err
	}

	cachedSettings = s
	return s, nil
}

// applyEnvOverrides applies the recognized environment keys on top of file
// values. Unknown environment variables are ignored by design.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("LLM_PROVIDER_KEY"); v != "" {
		s.LLMProviderKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		s.LLMModel = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		s.DatabasePath = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		s.WorkspaceRoot = v
	}
	if v, ok := envFloat("MIN_COVERAGE_PERCENT"); ok {
		s.MinCoveragePercent = v
	}
	if v, ok := envInt("MAX_SELF_CORRECT_ATTEMPTS"); ok {
		s.MaxSelfCorrectAttempts = v
	}
	if v, ok := envInt("CONTEXT_HOT_BUDGET_TOKENS"); ok {
		s.ContextHotBudgetTokens = v
	}
	if v, ok := envInt("CONTEXT_WARM_BUDGET_TOKENS"); ok {
		s.ContextWarmBudgetTokens = v
	}
	if v, ok := envFloat("FLASH_SAVE_HEADROOM_RATIO"); ok {
		s.FlashSaveHeadroomRatio = v
	}
	if v, ok := envInt("GATE_TIMEOUT_SECONDS"); ok {
		s.GateTimeoutSeconds = v
	}
	if v := os.Getenv("DEPLOYMENT_MODE"); v != "" {
		s.DeploymentMode = DeploymentMode(v)
	}
}

func (s *Settings) validate() error {
	if s.DeploymentMode != ModeSelfHosted && s.DeploymentMode != ModeHosted {
		return fmt.Errorf("deployment_mode must be %q or %q, got %q", ModeSelfHosted, ModeHosted, s.DeploymentMode)
	}
	if s.MinCoveragePercent < 0 || s.MinCoveragePercent > 100 {
		return fmt.Errorf("min_coverage_percent must be in [0,100], got %v", s.MinCoveragePercent)
	}
	if s.FlashSaveHeadroomRatio <= 0 || s.FlashSaveHeadroomRatio >= 1 {
		return fmt.Errorf("flash_save_headroom_ratio must be in (0,1), got %v", s.FlashSaveHeadroomRatio)
	}
	if s.MaxSelfCorrectAttempts < 1 {
		return fmt.Errorf("max_self_correct_attempts must be >= 1, got %d", s.MaxSelfCorrectAttempts)
	}
	if s.ContextHotBudgetTokens <= 0 || s.ContextWarmBudgetTokens <= 0 {
		return fmt.Errorf("context budgets must be positive")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
