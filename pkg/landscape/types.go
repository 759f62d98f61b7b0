package landscape

import (
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Run is the top-level audit record of one pipeline execution.
type Run struct {
	RunID            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	ConfigHash       string
	SettingsJSON     string
	CanonicalVersion string
	Status           contracts.RunStatus

	// Locked run-level schema contract, once the source emits its first row.
	SchemaContractJSON string
	// Normalized-name to original-name map persisted for resume.
	FieldResolutionJSON string

	ExportStatus *contracts.ExportStatus
	ExportError  string
	ExportedAt   *time.Time
	ExportFormat string
	ExportSink   string
}

// Node is one registered DAG node, scoped to a run.
type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	NodeType           contracts.NodeType
	PluginVersion      string
	Determinism        contracts.Determinism
	ConfigHash         string
	ConfigJSON         string
	SequenceInPipeline *int
	SchemaMode         string
	InputContractJSON  string
	OutputContractJSON string
	RegisteredAt       time.Time
}

// Edge is one labeled connection between two nodes of a run.
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode contracts.EdgeMode
	CreatedAt   time.Time
}

// Row is one source record admitted into the pipeline.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	CreatedAt      time.Time
}

// Token is one traversal identity of a row through the DAG.
type Token struct {
	TokenID        string
	RowID          string
	ForkGroupID    string
	JoinGroupID    string
	BranchName     string
	StepInPipeline *int
	CreatedAt      time.Time
}

// NodeState is one attempt of one token at one node.
type NodeState struct {
	StateID           string
	TokenID           string
	RunID             string
	NodeID            string
	StepIndex         int
	Attempt           int
	Status            contracts.StateStatus
	InputHash         string
	OutputHash        string
	ContextBeforeJSON string
	ContextAfterJSON  string
	DurationMS        *float64
	ErrorJSON         string
	SuccessReasonJSON string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// Operation is a node-level I/O block (source load, sink write) outside any
// per-token state.
type Operation struct {
	OperationID   string
	RunID         string
	NodeID        string
	OperationType contracts.OperationType
	Status        contracts.StateStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMS    *float64
	ErrorMessage  string
}

// Call is one audited external side effect, attributed to exactly one of a
// node state or an operation.
type Call struct {
	CallID       string
	StateID      string
	OperationID  string
	CallIndex    int
	CallType     contracts.CallType
	Status       contracts.CallStatus
	RequestHash  string
	ResponseHash string
	ErrorJSON    string
	LatencyMS    *float64
	CreatedAt    time.Time
}

// RoutingEvent records a token's traversal of one edge.
type RoutingEvent struct {
	EventID    string
	StateID    string
	EdgeID     string
	Mode       contracts.EdgeMode
	ReasonHash string
	CreatedAt  time.Time
}

// Artifact is one durable output produced by a sink.
type Artifact struct {
	ArtifactID        string
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	IdempotencyKey    string
	CreatedAt         time.Time
}

// TokenOutcome is the single terminal disposition of a token.
type TokenOutcome struct {
	OutcomeID   string
	RunID       string
	TokenID     string
	Outcome     contracts.Outcome
	SinkName    string
	BatchID     string
	ErrorHash   string
	ContextJSON string
	CreatedAt   time.Time
}

// Batch is one aggregation flush unit.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	AggregationStateID string
	TriggerType        string
	TriggerReason      string
	Attempt            int
	Status             contracts.BatchStatus
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// BatchMember ties a consumed token into a batch, preserving input order.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// BatchOutput links a batch to an output entity it produced.
type BatchOutput struct {
	BatchOutputID string
	BatchID       string
	OutputType    string
	OutputID      string
}

// ValidationError records a source row rejected before tokenization.
type ValidationError struct {
	ErrorID     string
	RunID       string
	NodeID      string
	RowHash     string
	RowDataJSON string
	Error       string
	SchemaMode  string
	Destination string
	CreatedAt   time.Time
}

// TransformError records a non-fatal transform failure and where the token
// went.
type TransformError struct {
	ErrorID          string
	RunID            string
	TokenID          string
	TransformID      string
	RowHash          string
	RowDataJSON      string
	ErrorDetailsJSON string
	Destination      string
	CreatedAt        time.Time
}

// Checkpoint marks a token durably written at a checkpointing node.
type Checkpoint struct {
	CheckpointID         string
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int64
	GraphFingerprint     string
	UpstreamTopologyHash string
	NodeConfigHash       string
	FormatVersion        int
	CreatedAt            time.Time
}
