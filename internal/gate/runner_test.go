package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/models"
)

func TestRunnerCapturesExitCodeAndOutput(t *testing.T) {
	r := &CommandRunner{Dir: t.TempDir(), Timeout: 10 * time.Second}

	outcome, err := r.Run(context.Background(), GateTests, []string{"echo", "hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Contains(t, outcome.Output, "hello")

	outcome, err = r.Run(context.Background(), GateTests, []string{"false"})
	require.NoError(t, err, "non-zero exit is an outcome, not an error")
	assert.Equal(t, 1, outcome.ExitCode)
}

func TestRunnerTimeoutIsInfraError(t *testing.T) {
	r := &CommandRunner{Dir: t.TempDir(), Timeout: 100 * time.Millisecond}

	_, err := r.Run(context.Background(), GateTests, []string{"sleep", "5"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrGateInfra))
}

func TestRunnerMissingBinaryIsInfraError(t *testing.T) {
	r := &CommandRunner{Dir: t.TempDir(), Timeout: time.Second}

	_, err := r.Run(context.Background(), GateTests, []string{"no-such-binary-xyz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrGateInfra))
}

func TestRunnerEmptyCommandIsInfraError(t *testing.T) {
	r := &CommandRunner{Dir: t.TempDir(), Timeout: time.Second}

	_, err := r.Run(context.Background(), GateTests, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrGateInfra))
}

func TestRunnerHostedModeAllowlist(t *testing.T) {
	r := &CommandRunner{Dir: t.TempDir(), Timeout: time.Second, Mode: app.ModeHosted}

	_, err := r.Run(context.Background(), GateTests, []string{"bash", "-c", "true"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrGateInfra))

	// Allowlisted binaries run normally.
	outcome, err := r.Run(context.Background(), GateTests, []string{"make", "--version"})
	if err == nil {
		assert.Equal(t, 0, outcome.ExitCode)
	}
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"go", "test", "./..."}, splitCommand("go test ./..."))
	assert.Empty(t, splitCommand("  "))
}
