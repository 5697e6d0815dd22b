// Package output renders the CLI's JSON envelopes. Compact by default so
// agent consumers spend fewer tokens; pretty-printing is opt-in for humans.
package output

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// Response is the envelope every command prints.
type Response struct {
	SchemaVersion string       `json:"schema_version"`
	Success       bool         `json:"success"`
	Data          any          `json:"data,omitempty"`
	Error         *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries the structured error taxonomy to the caller. Code and
// the remediation fields come from models.RecoverableError when the failure
// implements it.
type ErrorDetail struct {
	Message         string            `json:"message"`
	Code            string            `json:"code,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
}

// Success wraps data in a successful envelope.
func Success(data any) Response {
	return Response{
		SchemaVersion: "v1",
		Success:       true,
		Data:          data,
	}
}

// Error wraps a failure in an envelope, surfacing structured detail when the
// error carries it.
func Error(err error) Response {
	detail := &ErrorDetail{Message: err.Error()}
	var rec models.RecoverableError
	if errors.As(err, &rec) {
		detail.Code = rec.ErrorCode()
		detail.Context = rec.Context()
		detail.SuggestedAction = rec.SuggestedAction()
	}
	return Response{
		SchemaVersion: "v1",
		Success:       false,
		Error:         detail,
	}
}

// Print encodes v as JSON to stdout. CODEFRAME_PRETTY_JSON=1 enables
// indentation.
func Print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if p := os.Getenv("CODEFRAME_PRETTY_JSON"); p == "1" || p == "true" {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// PrintSuccess prints a success envelope.
func PrintSuccess(data any) error {
	return Print(Success(data))
}

// PrintError prints an error envelope.
func PrintError(err error) error {
	return Print(Error(err))
}
