// Package contracts defines the shared vocabulary of the pipeline core:
// entity enums, typed plugin results, routing actions, the error taxonomy,
// and the plugin-facing context record.
//
// Enums cross the storage boundary as strings, but readers always
// reconstruct the typed value and reject unknown literals. Passing a raw
// string where an enum is expected is a caller bug.
package contracts

import "fmt"

// NodeType is the kind of a DAG node.
type NodeType string

const (
	NodeSource      NodeType = "SOURCE"
	NodeTransform   NodeType = "TRANSFORM"
	NodeGate        NodeType = "GATE"
	NodeAggregation NodeType = "AGGREGATION"
	NodeCoalesce    NodeType = "COALESCE"
	NodeSink        NodeType = "SINK"
)

func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeSource, NodeTransform, NodeGate, NodeAggregation, NodeCoalesce, NodeSink:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("contracts: unknown node type %q", s)
}

// Determinism classifies a plugin's reproducibility.
type Determinism string

const (
	Deterministic    Determinism = "DETERMINISTIC"
	Nondeterministic Determinism = "NONDETERMINISTIC"
	IORead           Determinism = "IO_READ"
	IOWrite          Determinism = "IO_WRITE"
)

func ParseDeterminism(s string) (Determinism, error) {
	switch Determinism(s) {
	case Deterministic, Nondeterministic, IORead, IOWrite:
		return Determinism(s), nil
	}
	return "", fmt.Errorf("contracts: unknown determinism %q", s)
}

// EdgeMode is how a token traverses an edge.
type EdgeMode string

const (
	// EdgeMove transfers the token from predecessor to successor.
	EdgeMove EdgeMode = "MOVE"
	// EdgeCopy duplicates the token down a fork path.
	EdgeCopy EdgeMode = "COPY"
	// EdgeDivert moves the token off the main path into an error or
	// quarantine sink.
	EdgeDivert EdgeMode = "DIVERT"
)

func ParseEdgeMode(s string) (EdgeMode, error) {
	switch EdgeMode(s) {
	case EdgeMove, EdgeCopy, EdgeDivert:
		return EdgeMode(s), nil
	}
	return "", fmt.Errorf("contracts: unknown edge mode %q", s)
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunCompleted, RunFailed, RunCancelled:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("contracts: unknown run status %q", s)
}

// StateStatus is the lifecycle state of a node_state row.
type StateStatus string

const (
	StateOpen      StateStatus = "OPEN"
	StatePending   StateStatus = "PENDING"
	StateCompleted StateStatus = "COMPLETED"
	StateFailed    StateStatus = "FAILED"
)

func ParseStateStatus(s string) (StateStatus, error) {
	switch StateStatus(s) {
	case StateOpen, StatePending, StateCompleted, StateFailed:
		return StateStatus(s), nil
	}
	return "", fmt.Errorf("contracts: unknown node state status %q", s)
}

// CallType classifies an external side effect.
type CallType string

const (
	CallLLM  CallType = "LLM"
	CallHTTP CallType = "HTTP"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallLLM, CallHTTP:
		return CallType(s), nil
	}
	return "", fmt.Errorf("contracts: unknown call type %q", s)
}

// CallStatus is the terminal status of an external call.
type CallStatus string

const (
	CallSuccess CallStatus = "SUCCESS"
	CallError   CallStatus = "ERROR"
)

func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallSuccess, CallError:
		return CallStatus(s), nil
	}
	return "", fmt.Errorf("contracts: unknown call status %q", s)
}

// Outcome is the single terminal disposition of a token.
type Outcome string

const (
	OutcomeCompleted       Outcome = "COMPLETED"
	OutcomeRouted          Outcome = "ROUTED"
	OutcomeForked          Outcome = "FORKED"
	OutcomeConsumedInBatch Outcome = "CONSUMED_IN_BATCH"
	OutcomeCoalesced       Outcome = "COALESCED"
	OutcomeQuarantined     Outcome = "QUARANTINED"
	OutcomeFailed          Outcome = "FAILED"
)

func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeCompleted, OutcomeRouted, OutcomeForked, OutcomeConsumedInBatch,
		OutcomeCoalesced, OutcomeQuarantined, OutcomeFailed:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("contracts: unknown token outcome %q", s)
}

// BatchStatus is the lifecycle state of an aggregation batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "DRAFT"
	BatchExecuting BatchStatus = "EXECUTING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchDraft, BatchExecuting, BatchCompleted, BatchFailed:
		return BatchStatus(s), nil
	}
	return "", fmt.Errorf("contracts: unknown batch status %q", s)
}

// ExportStatus tracks audit-trail export separately from run status so an
// export failure never masks a successful pipeline completion.
type ExportStatus string

const (
	ExportPending   ExportStatus = "PENDING"
	ExportCompleted ExportStatus = "COMPLETED"
	ExportFailed    ExportStatus = "FAILED"
)

func ParseExportStatus(s string) (ExportStatus, error) {
	switch ExportStatus(s) {
	case ExportPending, ExportCompleted, ExportFailed:
		return ExportStatus(s), nil
	}
	return "", fmt.Errorf("contracts: unknown export status %q", s)
}

// OperationType classifies a source/sink I/O operation record.
type OperationType string

const (
	OperationSourceLoad OperationType = "source_load"
	OperationSinkWrite  OperationType = "sink_write"
)

func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OperationSourceLoad, OperationSinkWrite:
		return OperationType(s), nil
	}
	return "", fmt.Errorf("contracts: unknown operation type %q", s)
}

// Well-known edge labels.
const (
	// LabelContinue is the default downstream edge.
	LabelContinue = "continue"
	// LabelQuarantine diverts validation failures to a quarantine sink.
	LabelQuarantine = "__quarantine__"
)

// ErrorLabel returns the DIVERT label for the nth error route.
func ErrorLabel(n int) string {
	return fmt.Sprintf("__error_%d__", n)
}
