package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useConfig points LoadSettings at a throwaway config file and restores the
// default afterwards.
func useConfig(t *testing.T, yaml string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if yaml != "" {
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	}
	SetSettingsPathOverride(path)
	t.Cleanup(func() {
		SetSettingsPathOverride("")
		ResetSettingsCache()
	})
}

func TestLoadSettingsDefaults(t *testing.T) {
	useConfig(t, "")

	s, err := LoadSettings()
	require.NoError(t, err)

	assert.Equal(t, DefaultMinCoveragePercent, s.MinCoveragePercent)
	assert.Equal(t, DefaultMaxSelfCorrectAttempts, s.MaxSelfCorrectAttempts)
	assert.Equal(t, DefaultHotBudgetTokens, s.ContextHotBudgetTokens)
	assert.Equal(t, DefaultWarmBudgetTokens, s.ContextWarmBudgetTokens)
	assert.Equal(t, DefaultFlashSaveHeadroom, s.FlashSaveHeadroomRatio)
	assert.Equal(t, DefaultGateTimeoutSeconds, s.GateTimeoutSeconds)
	assert.Equal(t, ModeSelfHosted, s.DeploymentMode)
	assert.Equal(t, DefaultEventQueueSize, s.EventQueueSize)
}

func TestLoadSettingsFromYAML(t *testing.T) {
	useConfig(t, "min_coverage_percent: 70\nmax_self_correct_attempts: 5\ndeployment_mode: hosted\nworkspace_root: /srv/workspaces\n")

	s, err := LoadSettings()
	require.NoError(t, err)

	assert.Equal(t, 70.0, s.MinCoveragePercent)
	assert.Equal(t, 5, s.MaxSelfCorrectAttempts)
	assert.Equal(t, ModeHosted, s.DeploymentMode)
	assert.Equal(t, "/srv/workspaces", s.WorkspaceRoot)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultGateTimeoutSeconds, s.GateTimeoutSeconds)
}

func TestEnvOverridesFile(t *testing.T) {
	useConfig(t, "min_coverage_percent: 70\n")
	t.Setenv("MIN_COVERAGE_PERCENT", "92.5")
	t.Setenv("DEPLOYMENT_MODE", "hosted")
	t.Setenv("GATE_TIMEOUT_SECONDS", "not-a-number")

	s, err := LoadSettings()
	require.NoError(t, err)

	assert.Equal(t, 92.5, s.MinCoveragePercent)
	assert.Equal(t, ModeHosted, s.DeploymentMode)
	assert.Equal(t, DefaultGateTimeoutSeconds, s.GateTimeoutSeconds, "unparseable env values are ignored")
}

func TestLoadSettingsIsMemoized(t *testing.T) {
	useConfig(t, "")

	first, err := LoadSettings()
	require.NoError(t, err)
	second, err := LoadSettings()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad mode", "deployment_mode: cloud\n"},
		{"coverage out of range", "min_coverage_percent: 150\n"},
		{"headroom out of range", "flash_save_headroom_ratio: 1.5\n"},
		{"zero retries", "max_self_correct_attempts: 0\n"},
		{"negative budget", "context_hot_budget_tokens: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			useConfig(t, tc.yaml)
			_, err := LoadSettings()
			assert.Error(t, err)
		})
	}
}

func TestLoadSettingsRejectsMalformedYAML(t *testing.T) {
	useConfig(t, "min_coverage_percent: [not a number\n")
	_, err := LoadSettings()
	assert.Error(t, err)
}

func TestGetDBPathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.db")
	SetDBPathOverride(path)
	t.Cleanup(func() { SetDBPathOverride("") })

	got, err := GetDBPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/data/codeframe.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "codeframe.db"), got)

	got, err = expandHome("/absolute/path.db")
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path.db", got)
}
