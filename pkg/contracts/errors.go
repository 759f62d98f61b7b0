package contracts

import (
	"errors"
	"fmt"
)

// RetryableError marks errors that the pooled executor may retry. Retry
// discrimination always goes through this taxonomy, never through message
// string matching.
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err is marked retryable. Errors outside the
// taxonomy are not retryable.
func IsRetryable(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}

// CapacityError signals provider capacity pressure (429s, 5xx, pool
// saturation). Always retryable.
type CapacityError struct {
	StatusCode int
	Message    string
}

func (e *CapacityError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("capacity error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("capacity error (status %d)", e.StatusCode)
}

func (e *CapacityError) Retryable() bool { return true }

// OrchestrationInvariantError indicates the engine itself broke a wiring
// invariant (missing node_id, unknown edge in a routing event). It crashes
// the run; it is never handled.
type OrchestrationInvariantError struct {
	Message string
}

func (e *OrchestrationInvariantError) Error() string {
	return "orchestration invariant violated: " + e.Message
}

// AuditIntegrityError indicates the audit store holds a row that violates
// its status contract (e.g. a COMPLETED node_state without an output hash).
// Readers crash on it; coercion would forge the legal record.
type AuditIntegrityError struct {
	Entity  string
	ID      string
	Message string
}

func (e *AuditIntegrityError) Error() string {
	return fmt.Sprintf("audit integrity violation in %s %s: %s", e.Entity, e.ID, e.Message)
}

// CheckpointCorruptionError refuses a resume whose stored contract or
// checkpoint fails an integrity check.
type CheckpointCorruptionError struct {
	RunID   string
	Message string
}

func (e *CheckpointCorruptionError) Error() string {
	return fmt.Sprintf("checkpoint integrity failure for run %s: %s", e.RunID, e.Message)
}

// PluginConfigError reports invalid plugin configuration at construction.
type PluginConfigError struct {
	Plugin  string
	Message string
}

func (e *PluginConfigError) Error() string {
	return fmt.Sprintf("plugin %q configuration invalid: %s", e.Plugin, e.Message)
}

// ExecutionError is the structured error recorded on a FAILED node_state.
type ExecutionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Phase   string `json:"phase,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s (phase %s): %s", e.Type, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewExecutionError captures an arbitrary error into the structured form.
func NewExecutionError(err error, phase string) *ExecutionError {
	return &ExecutionError{Type: fmt.Sprintf("%T", err), Message: err.Error(), Phase: phase}
}
