package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/models"
)

// maxOutputBytes bounds captured gate output so a runaway process cannot
// exhaust memory.
const maxOutputBytes = 256 * 1024

// hostedAllowedBinaries is the command allowlist enforced in hosted mode.
var hostedAllowedBinaries = map[string]bool{
	"go": true, "npm": true, "npx": true, "pnpm": true, "yarn": true,
	"pytest": true, "python": true, "python3": true, "ruff": true,
	"mypy": true, "tsc": true, "eslint": true, "golangci-lint": true,
	"cargo": true, "make": true,
}

// CommandRunner executes gate commands as bounded subprocesses.
type CommandRunner struct {
	Dir     string
	Timeout time.Duration
	Mode    app.DeploymentMode
}

// RunOutcome captures one subprocess execution.
type RunOutcome struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Run executes argv with the per-gate timeout. A non-zero exit is not an
// error (the gate decides); infrastructure faults (timeout, missing binary,
// rejected command) return a GateInfraError.
func (r *CommandRunner) Run(ctx context.Context, gateName string, argv []string) (*RunOutcome, error) {
	if len(argv) == 0 {
		return nil, &models.GateInfraError{Gate: gateName, Err: errors.New("empty command")}
	}
	if r.Mode == app.ModeHosted && !hostedAllowedBinaries[argv[0]] {
		return nil, &models.GateInfraError{Gate: gateName, Err: fmt.Errorf("command %q not permitted in hosted mode", argv[0])}
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Duration(app.DefaultGateTimeoutSeconds) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := buf.String()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n[output truncated]"
	}

	if cctx.Err() == context.DeadlineExceeded {
		return nil, &models.GateInfraError{Gate: gateName, Err: fmt.Errorf("timed out after %s", timeout)}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &RunOutcome{ExitCode: exitErr.ExitCode(), Output: output, Duration: elapsed}, nil
		}
		// Not an exit status: the process never ran properly.
		return nil, &models.GateInfraError{Gate: gateName, Err: err}
	}

	return &RunOutcome{ExitCode: 0, Output: output, Duration: elapsed}, nil
}

// splitCommand tokenizes a configured command line. Gate commands are
// argv-style (no shell), which keeps hosted-mode validation meaningful.
func splitCommand(command string) []string {
	return strings.Fields(command)
}
