package gate

import (
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// Gate names, in pipeline order.
const (
	GateTests     = "tests"
	GateTypeCheck = "type_check"
	GateCoverage  = "coverage"
	GateReview    = "review"
	GateLinting   = "linting"
)

// ResultStatus is one gate's verdict.
type ResultStatus string

// Gate result statuses.
const (
	StatusPassed  ResultStatus = "passed"
	StatusFailed  ResultStatus = "failed"
	StatusSkipped ResultStatus = "skipped"
)

// Result is the outcome of a single gate.
type Result struct {
	Gate     string        `json:"gate"`
	Status   ResultStatus  `json:"status"`
	Details  string        `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
	// GateError marks an infrastructure failure (timeout, missing tool)
	// rather than a genuine test/check failure. Always blocking.
	GateError bool `json:"gate_error,omitempty"`
}

// BlockingFailure describes one blocking gate failure for the scheduler's
// self-correct / escalate decision.
type BlockingFailure struct {
	Gate     string                 `json:"gate"`
	Severity models.BlockerSeverity `json:"severity"`
	Reason   string                 `json:"reason"`
	Details  string                 `json:"details,omitempty"`
}

// PipelineResult is the aggregate outcome of a quality-gate run.
type PipelineResult struct {
	Status           models.GateStatus `json:"status"`
	Results          []Result          `json:"results"`
	BlockingFailures []BlockingFailure `json:"blocking_failures,omitempty"`
}

// Passed reports whether every blocking gate passed.
func (p *PipelineResult) Passed() bool { return p.Status == models.GatePassed }

// MaxSeverity returns the highest severity among blocking failures.
func (p *PipelineResult) MaxSeverity() models.BlockerSeverity {
	rank := map[models.BlockerSeverity]int{
		models.SeverityLow:      0,
		models.SeverityMedium:   1,
		models.SeverityHigh:     2,
		models.SeverityCritical: 3,
	}
	max := models.SeverityLow
	for _, f := range p.BlockingFailures {
		if rank[f.Severity] > rank[max] {
			max = f.Severity
		}
	}
	return max
}
