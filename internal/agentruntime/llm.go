package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// Tool describes one capability exposed to the model for a turn.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Completion is one model turn. Done marks the final turn of a task; until
// then the runtime executes ToolCalls and feeds results back.
type Completion struct {
	Text             string                 `json:"text,omitempty"`
	ToolCalls        []ToolCall             `json:"tool_calls,omitempty"`
	FileChanges      []workspace.FileChange `json:"file_changes,omitempty"`
	Observations     []string               `json:"observations,omitempty"`
	Done             bool                   `json:"done"`
	PromptTokens     int                    `json:"prompt_tokens,omitempty"`
	CompletionTokens int                    `json:"completion_tokens,omitempty"`
}

// LLMClient is the external model boundary. Implementations must honor ctx
// cancellation; a call may block for minutes.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, tools []Tool) (*Completion, error)
}

const disableExternalLLMEnv = "CODEFRAME_DISABLE_EXTERNAL_LLM"

const maxPromptBytes = 512 * 1024

const claudeHooklessSettingsJSON = `{"hooks":{}}`

// validatePrompt rejects prompts an external CLI could mishandle.
func validatePrompt(s string) error {
	if len(s) == 0 {
		return errors.New("empty prompt")
	}
	if len(s) > maxPromptBytes {
		return fmt.Errorf("prompt exceeds %d byte limit (%d bytes)", maxPromptBytes, len(s))
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("prompt contains null byte")
	}
	return nil
}

// CLIClient drives an agent CLI tool as the LLM. "claude" providers use
// `claude -p`, "opencode" providers use `opencode run`. The CLIs handle
// their own auth; no API key flows through here.
type CLIClient struct {
	provider string
	command  string
	args     func(prompt string) []string
}

// NewCLIClient returns a client for the given provider name. Empty defaults
// to claude. Fails when the binary is absent or external LLMs are disabled.
func NewCLIClient(provider string) (*CLIClient, error) {
	if strings.TrimSpace(os.Getenv(disableExternalLLMEnv)) != "" {
		return nil, fmt.Errorf("external LLM CLI execution disabled by %s", disableExternalLLMEnv)
	}
	c, err := resolveCLI(provider)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(c.command); err != nil {
		return nil, fmt.Errorf("cli tool %q not found in PATH: %w", c.command, err)
	}
	return c, nil
}

func resolveCLI(provider string) (*CLIClient, error) {
	name := strings.ToLower(provider)
	switch {
	case strings.HasPrefix(name, "opencode"):
		return &CLIClient{
			provider: "opencode",
			command:  "opencode",
			args:     func(p string) []string { return []string{"run", p} },
		}, nil
	case strings.HasPrefix(name, "claude"), name == "":
		return &CLIClient{
			provider: "claude",
			command:  "claude",
			args: func(p string) []string {
				return []string{"-p", p, "--output-format", "text", "--settings", claudeHooklessSettingsJSON}
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: claude, opencode)", provider)
	}
}

// limitedWriter caps captured stderr, silently discarding overflow.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	originalLen := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return originalLen, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return originalLen, nil
}

// Generate runs the CLI with the prompt and parses its output. The model is
// instructed (in the prompt) to answer with a JSON completion; plain text is
// accepted as a final Done turn.
func (c *CLIClient) Generate(ctx context.Context, prompt string, tools []Tool) (*Completion, error) {
	if err := validatePrompt(prompt); err != nil {
		return nil, &models.LLMError{Provider: c.provider, Transient: false, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &models.LLMError{Provider: c.provider, Transient: true, Err: err}
	}

	full := prompt
	if len(tools) > 0 {
		spec, _ := json.Marshal(tools)
		full = prompt + "\n\nAvailable tools (respond with JSON {\"tool_calls\":[...]} to use them, or {\"done\":true,...} to finish):\n" + string(spec)
	}

	cmd := exec.CommandContext(ctx, c.command, c.args(full)...)
	cmd.Env = os.Environ()

	var stdout bytes.Buffer
	stderr := &limitedWriter{maxBytes: 4096}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.buf.String())
		wrapped := fmt.Errorf("%s failed: %w: %s", c.command, err, msg)
		// A dead context or a signal is worth retrying; a clean non-zero
		// exit usually is not.
		transient := ctx.Err() != nil || cmd.ProcessState == nil || !cmd.ProcessState.Exited()
		return nil, &models.LLMError{Provider: c.provider, Transient: transient, Err: wrapped}
	}

	return parseCompletion(stdout.String()), nil
}

// parseCompletion interprets model output. JSON conforming to Completion is
// honored; anything else becomes a final text turn.
func parseCompletion(out string) *Completion {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") {
		var comp Completion
		if err := json.Unmarshal([]byte(trimmed), &comp); err == nil {
			if len(comp.ToolCalls) == 0 {
				comp.Done = true
			}
			return &comp
		}
	}
	return &Completion{Text: trimmed, Done: true}
}
