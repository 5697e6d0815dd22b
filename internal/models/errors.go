package models

import (
	"errors"
	"fmt"
	"strconv"
)

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Store, scheduler, and transport layers all
// use this interface to render consistent error envelopes.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Sentinel errors for errors.Is checks across packages.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrVersionConflict   = errors.New("version conflict")
	ErrBudgetViolation   = errors.New("context budget violated")
	ErrGateInfra         = errors.New("gate infrastructure failure")
	ErrLLMPermanent      = errors.New("permanent llm failure")
	ErrProjectNotRunning = errors.New("project is not running")
)

// NotFoundError identifies a missing entity. Benign 404-class; surfaced,
// never retried.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}
func (e *NotFoundError) ErrorCode() string { return "NOT_FOUND" }
func (e *NotFoundError) Context() map[string]string {
	return map[string]string{"entity": e.Entity, "id": e.ID}
}
func (e *NotFoundError) SuggestedAction() string {
	return fmt.Sprintf("verify the %s id and retry", e.Entity)
}
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError is raised when a caller supplies invalid IDs, requests a
// bad state transition, or would violate an invariant. No retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
func (e *ValidationError) ErrorCode() string { return "VALIDATION" }
func (e *ValidationError) Context() map[string]string {
	return map[string]string{"field": e.Field, "reason": e.Reason}
}
func (e *ValidationError) SuggestedAction() string {
	return "fix the request and retry"
}
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// VersionConflictError is the concurrency-conflict case: a compare-and-swap
// update lost a race. One loser; surfaced; no automatic retry.
type VersionConflictError struct {
	Entity  string
	ID      string
	Version int
}

func (e *VersionConflictError) Error() string {
	return "version conflict: record was modified by another caller"
}
func (e *VersionConflictError) ErrorCode() string { return "VERSION_CONFLICT" }
func (e *VersionConflictError) Context() map[string]string {
	return map[string]string{
		"entity":  e.Entity,
		"id":      e.ID,
		"version": strconv.Itoa(e.Version),
	}
}
func (e *VersionConflictError) SuggestedAction() string {
	return "re-read the record and retry the operation"
}
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// StorageError wraps a transactional failure. The whole transaction has been
// rolled back; the caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}
func (e *StorageError) Unwrap() error     { return e.Err }
func (e *StorageError) ErrorCode() string { return "STORAGE" }
func (e *StorageError) Context() map[string]string {
	return map[string]string{"op": e.Op}
}
func (e *StorageError) SuggestedAction() string {
	return "the transaction rolled back; retry the operation"
}

// GateInfraError marks a gate subprocess that failed for non-test reasons
// (missing binary, timeout, crash). Treated as a blocking gate failure.
type GateInfraError struct {
	Gate string
	Err  error
}

func (e *GateInfraError) Error() string {
	return fmt.Sprintf("gate %s infrastructure failure: %v", e.Gate, e.Err)
}
func (e *GateInfraError) Unwrap() error     { return e.Err }
func (e *GateInfraError) ErrorCode() string { return "GATE_ERROR" }
func (e *GateInfraError) Context() map[string]string {
	return map[string]string{"gate": e.Gate}
}
func (e *GateInfraError) SuggestedAction() string {
	return "check the gate command configuration and tool availability"
}
func (e *GateInfraError) Is(target error) bool { return target == ErrGateInfra }

// BudgetViolationError indicates the HOT memory budget was exceeded after a
// retier commit. This is an implementation bug and fails loudly; the
// transaction has been rolled back.
type BudgetViolationError struct {
	AgentID string
	Tokens  int
	Budget  int
}

func (e *BudgetViolationError) Error() string {
	return fmt.Sprintf("hot memory budget violated for agent %s: %d > %d tokens", e.AgentID, e.Tokens, e.Budget)
}
func (e *BudgetViolationError) ErrorCode() string { return "CONTEXT_BUDGET_VIOLATION" }
func (e *BudgetViolationError) Context() map[string]string {
	return map[string]string{
		"agent_id": e.AgentID,
		"tokens":   strconv.Itoa(e.Tokens),
		"budget":   strconv.Itoa(e.Budget),
	}
}
func (e *BudgetViolationError) SuggestedAction() string {
	return "report this: retier must never commit over budget"
}
func (e *BudgetViolationError) Is(target error) bool { return target == ErrBudgetViolation }

// LLMError classifies an LLM provider failure. Transient errors are retried
// with backoff up to a budget; permanent ones convert to a SYNC blocker.
type LLMError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *LLMError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s llm failure (%s): %v", kind, e.Provider, e.Err)
}
func (e *LLMError) Unwrap() error     { return e.Err }
func (e *LLMError) ErrorCode() string { return "LLM" }
func (e *LLMError) Context() map[string]string {
	return map[string]string{
		"provider":  e.Provider,
		"transient": strconv.FormatBool(e.Transient),
	}
}
func (e *LLMError) SuggestedAction() string {
	if e.Transient {
		return "retried automatically; check provider status if it persists"
	}
	return "resolve the blocker raised for this task"
}
func (e *LLMError) Is(target error) bool {
	return !e.Transient && target == ErrLLMPermanent
}
