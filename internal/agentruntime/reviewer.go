package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// NewReviewer builds the production review function: it prompts the model
// with the task and its workspace files and parses the findings. The review
// cache guarantees at most one concurrent run per fingerprint.
func NewReviewer(llm LLMClient, sched *scheduler.Scheduler, ws *workspace.Manager) review.Reviewer {
	return review.ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		task, err := sched.GetTask(taskID)
		if err != nil {
			return nil, err
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Review the changes for task %q (%s).\n", task.Title, task.Description)
		b.WriteString("Respond with JSON: {\"issues\":[{\"severity\":\"low|medium|high|critical\",\"file\":string,\"line\":int,\"message\":string}]}\n")
		b.WriteString("Only report real defects; an empty issues list means approval.\n")

		comp, err := llm.Generate(ctx, b.String(), nil)
		if err != nil {
			return nil, err
		}

		report := &models.ReviewReport{
			TaskID:      taskID,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now().UTC(),
		}
		var parsed struct {
			Issues []models.ReviewIssue `json:"issues"`
		}
		if err := json.Unmarshal([]byte(extractJSON(comp.Text)), &parsed); err == nil {
			report.Issues = parsed.Issues
		}
		return report, nil
	})
}

// extractJSON pulls the first JSON object out of model output that may be
// wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "{}"
	}
	return s[start : end+1]
}
