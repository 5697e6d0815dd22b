package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Pipeline runs the ordered quality-gate set for a task at completion time:
// tests, type_check, coverage, review, linting. Lint is advisory; everything
// else blocks.
type Pipeline struct {
	db          *sql.DB
	bus         *bus.Bus
	reviews     *review.Cache
	minCoverage float64
	gateTimeout time.Duration
	mode        app.DeploymentMode
}

// New creates a Pipeline from settings.
func New(db *sql.DB, b *bus.Bus, reviews *review.Cache, settings *app.Settings) *Pipeline {
	return &Pipeline{
		db:          db,
		bus:         b,
		reviews:     reviews,
		minCoverage: settings.MinCoveragePercent,
		gateTimeout: time.Duration(settings.GateTimeoutSeconds) * time.Second,
		mode:        settings.DeploymentMode,
	}
}

// Run executes the pipeline for a task in its workspace directory.
// fingerprint keys the review gate; pass the task's current fingerprint.
func (p *Pipeline) Run(ctx context.Context, task *models.Task, workspaceDir, fingerprint string) *PipelineResult {
	runner := &CommandRunner{Dir: workspaceDir, Timeout: p.gateTimeout, Mode: p.mode}

	commands, err := LoadCommands(workspaceDir)
	if err != nil {
		// Unreadable config is an infrastructure failure of the whole pipeline.
		result := &PipelineResult{Status: models.GateFailed}
		result.Results = append(result.Results, Result{
			Gate: GateTests, Status: StatusFailed, GateError: true,
			Details: fmt.Sprintf("gate_error: cannot load gate commands: %v", err),
		})
		result.BlockingFailures = append(result.BlockingFailures, BlockingFailure{
			Gate: GateTests, Severity: models.SeverityCritical,
			Reason: "gate configuration unreadable", Details: err.Error(),
		})
		p.publishResult(task, result)
		return result
	}

	result := &PipelineResult{Status: models.GatePassed}

	p.runCommandGate(ctx, runner, result, GateTests, commands.Test, models.SeverityHigh)
	p.runCommandGate(ctx, runner, result, GateTypeCheck, commands.TypeCheck, models.SeverityHigh)
	p.runCoverageGate(ctx, runner, result, commands.Coverage)
	p.runReviewGate(ctx, result, task, fingerprint)
	p.runLintGate(ctx, runner, result, task, commands.Lint)

	if len(result.BlockingFailures) > 0 {
		result.Status = models.GateFailed
	}
	p.publishResult(task, result)
	return result
}

// runCommandGate executes a plain pass/fail command gate (tests, type_check).
func (p *Pipeline) runCommandGate(ctx context.Context, runner *CommandRunner, result *PipelineResult, gateName, command string, severity models.BlockerSeverity) {
	if command == "" {
		result.Results = append(result.Results, Result{Gate: gateName, Status: StatusSkipped, Details: "no command configured"})
		return
	}

	outcome, err := runner.Run(ctx, gateName, splitCommand(command))
	if err != nil {
		p.recordGateError(result, gateName, err)
		return
	}

	if outcome.ExitCode != 0 {
		result.Results = append(result.Results, Result{
			Gate: gateName, Status: StatusFailed, Details: outcome.Output, Duration: outcome.Duration,
		})
		result.BlockingFailures = append(result.BlockingFailures, BlockingFailure{
			Gate: gateName, Severity: severity,
			Reason:  fmt.Sprintf("%s exited with code %d", gateName, outcome.ExitCode),
			Details: tail(outcome.Output, 2000),
		})
		return
	}
	result.Results = append(result.Results, Result{Gate: gateName, Status: StatusPassed, Duration: outcome.Duration})
}

var coveragePercentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// runCoverageGate runs the coverage command and parses the last percentage
// in its output. Exactly at threshold passes; one unit below fails.
func (p *Pipeline) runCoverageGate(ctx context.Context, runner *CommandRunner, result *PipelineResult, command string) {
	if command == "" {
		result.Results = append(result.Results, Result{Gate: GateCoverage, Status: StatusSkipped, Details: "no command configured"})
		return
	}

	outcome, err := runner.Run(ctx, GateCoverage, splitCommand(command))
	if err != nil {
		p.recordGateError(result, GateCoverage, err)
		return
	}

	matches := coveragePercentRe.FindAllStringSubmatch(outcome.Output, -1)
	if len(matches) == 0 {
		p.recordGateError(result, GateCoverage, &models.GateInfraError{
			Gate: GateCoverage, Err: errors.New("no coverage percentage found in output"),
		})
		return
	}
	percent, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		p.recordGateError(result, GateCoverage, &models.GateInfraError{Gate: GateCoverage, Err: err})
		return
	}

	details := fmt.Sprintf("coverage %.1f%% (threshold %.1f%%)", percent, p.minCoverage)
	if percent < p.minCoverage {
		result.Results = append(result.Results, Result{
			Gate: GateCoverage, Status: StatusFailed, Details: details, Duration: outcome.Duration,
		})
		result.BlockingFailures = append(result.BlockingFailures, BlockingFailure{
			Gate: GateCoverage, Severity: models.SeverityMedium,
			Reason: "coverage below threshold", Details: details,
		})
		return
	}
	result.Results = append(result.Results, Result{Gate: GateCoverage, Status: StatusPassed, Details: details, Duration: outcome.Duration})
}

// runReviewGate consults the review cache. Critical or high findings block.
func (p *Pipeline) runReviewGate(ctx context.Context, result *PipelineResult, task *models.Task, fingerprint string) {
	if p.reviews == nil || fingerprint == "" {
		result.Results = append(result.Results, Result{Gate: GateReview, Status: StatusSkipped, Details: "review disabled"})
		return
	}

	start := time.Now()
	report, err := p.reviews.Request(ctx, task.ID, fingerprint)
	if err != nil {
		p.recordGateError(result, GateReview, &models.GateInfraError{Gate: GateReview, Err: err})
		return
	}

	details := fmt.Sprintf("%d issues", len(report.Issues))
	if report.HasBlockingFindings() {
		result.Results = append(result.Results, Result{
			Gate: GateReview, Status: StatusFailed, Details: details, Duration: time.Since(start),
		})
		result.BlockingFailures = append(result.BlockingFailures, BlockingFailure{
			Gate: GateReview, Severity: models.SeverityHigh,
			Reason: "review found critical or high severity issues", Details: details,
		})
		return
	}
	result.Results = append(result.Results, Result{Gate: GateReview, Status: StatusPassed, Details: details, Duration: time.Since(start)})
}

var lintIssueRe = regexp.MustCompile(`(?m)^.+:\d+(?::\d+)?:`)

// runLintGate runs the linter. Non-blocking by default: failures are
// recorded for the trend, never escalated.
func (p *Pipeline) runLintGate(ctx context.Context, runner *CommandRunner, result *PipelineResult, task *models.Task, command string) {
	if command == "" {
		result.Results = append(result.Results, Result{Gate: GateLinting, Status: StatusSkipped, Details: "no command configured"})
		return
	}

	outcome, err := runner.Run(ctx, GateLinting, splitCommand(command))
	if err != nil {
		// Advisory gate: infrastructure failure is logged, not blocking.
		slog.Warn("lint gate infrastructure failure", "task_id", task.ID, "error", err)
		result.Results = append(result.Results, Result{Gate: GateLinting, Status: StatusSkipped, Details: err.Error(), GateError: true})
		return
	}

	issues := len(lintIssueRe.FindAllString(outcome.Output, -1))
	status := StatusPassed
	if outcome.ExitCode != 0 {
		status = StatusFailed
	}
	result.Results = append(result.Results, Result{
		Gate: GateLinting, Status: status,
		Details: fmt.Sprintf("%d issues", issues), Duration: outcome.Duration,
	})

	if err := store.InsertLintRun(p.db, task.ProjectID, task.ID, issues, tail(outcome.Output, 4000)); err != nil {
		slog.Warn("failed to record lint trend", "task_id", task.ID, "error", err)
	}
	if p.bus != nil {
		payload, _ := json.Marshal(map[string]any{"task_id": task.ID, "issues": issues})
		p.bus.Publish(&models.Event{
			Type: models.EventLintCompleted, ProjectID: task.ProjectID, TaskID: task.ID, Payload: payload,
		})
	}
}

// recordGateError marks a gate as failed-with-gate_error: an infrastructure
// failure, always blocking, logged at ERROR.
func (p *Pipeline) recordGateError(result *PipelineResult, gateName string, err error) {
	slog.Error("gate infrastructure failure", "gate", gateName, "error", err)
	result.Results = append(result.Results, Result{
		Gate: gateName, Status: StatusFailed, GateError: true,
		Details: fmt.Sprintf("gate_error: %v", err),
	})
	result.BlockingFailures = append(result.BlockingFailures, BlockingFailure{
		Gate: gateName, Severity: models.SeverityCritical,
		Reason: "gate infrastructure failure", Details: err.Error(),
	})
}

func (p *Pipeline) publishResult(task *models.Task, result *PipelineResult) {
	if p.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"task_id":  task.ID,
		"status":   result.Status,
		"failures": len(result.BlockingFailures),
	})
	p.bus.Publish(&models.Event{
		Type: models.EventQualityGateResult, ProjectID: task.ProjectID, TaskID: task.ID, Payload: payload,
	})
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Trend returns the recent lint history for a project.
func (p *Pipeline) Trend(projectID string, limit int) ([]*store.LintRun, error) {
	return store.LintTrend(p.db, projectID, limit)
}

// MinCoverage exposes the configured threshold (status endpoints).
func (p *Pipeline) MinCoverage() float64 { return p.minCoverage }
