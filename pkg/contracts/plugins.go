package contracts

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/schema"
)

// SourceRow is one record emitted by a source. Valid rows carry a
// PipelineRow; quarantined rows carry the raw payload, the validation error,
// and the sink that should receive them.
type SourceRow struct {
	Row         *schema.PipelineRow
	RawData     map[string]any
	Quarantined bool
	Error       string
	Destination string
}

// SourceIterator streams rows from a source plugin.
type SourceIterator interface {
	// Next returns the next row. ok=false means the stream is exhausted.
	Next(ctx context.Context) (row SourceRow, ok bool, err error)
	Close() error
}

// SourcePlugin loads rows into the pipeline.
type SourcePlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	// OutputSchema is the declared (possibly unlocked) contract.
	OutputSchema() *schema.Contract
	// FieldResolution maps original field names to normalized names.
	FieldResolution() map[string]string
	// OnStart runs before Load; sources may read the persisted field
	// resolution from the landscape here.
	OnStart(ctx context.Context, pc *PluginContext) error
	Load(ctx context.Context, pc *PluginContext) (SourceIterator, error)
	// Close is idempotent.
	Close() error
}

// TransformPlugin processes one row at a time.
type TransformPlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	Process(ctx context.Context, pc *PluginContext, row map[string]any) TransformResult
}

// GatePlugin decides routing for each row.
type GatePlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	Evaluate(ctx context.Context, pc *PluginContext, row map[string]any) (GateResult, error)
}

// TriggerType explains why an aggregation batch flushed.
type TriggerType string

const (
	TriggerCount      TriggerType = "count"
	TriggerCondition  TriggerType = "condition"
	TriggerEndOfInput TriggerType = "end_of_input"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerCount, TriggerCondition, TriggerEndOfInput:
		return TriggerType(s), nil
	}
	return "", fmt.Errorf("contracts: unknown trigger type %q", s)
}

// AggregationPlugin buffers rows and flushes them as batches.
type AggregationPlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	// Accumulate buffers a row and reports whether the batch should flush.
	Accumulate(ctx context.Context, pc *PluginContext, row map[string]any) (trigger bool, triggerType TriggerType, reason string, err error)
	// Flush processes the buffered rows and returns the batch outputs.
	Flush(ctx context.Context, pc *PluginContext) ([]map[string]any, error)
	// Pending reports how many rows are buffered.
	Pending() int
}

// CoalescePlugin merges forked tokens back into a single stream.
type CoalescePlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	// Policy names the configured merge policy for the audit trail.
	Policy() string
	Merge(ctx context.Context, pc *PluginContext, branches map[string]map[string]any) (map[string]any, error)
}

// SinkPlugin writes rows to a durable target.
type SinkPlugin interface {
	Name() string
	PluginVersion() string
	Determinism() Determinism
	Write(ctx context.Context, pc *PluginContext, rows []map[string]any) (*ArtifactDescriptor, error)
	// Flush forces durability (flush + fsync for file sinks). The sink
	// executor calls it before any audit state closes.
	Flush(ctx context.Context) error
	// Close is idempotent.
	Close() error
	// ConfigureForResume switches the sink to append mode.
	ConfigureForResume(ctx context.Context) error
	// ValidateOutputTarget inspects external state (file headers, table
	// columns) and fails fast when it conflicts with the expected contract.
	ValidateOutputTarget(ctx context.Context) (OutputValidationResult, error)
	// SetResumeFieldResolution supplies the normalized-to-original header
	// map recovered from the landscape.
	SetResumeFieldResolution(resolution map[string]string)
}

// ErrorPolicy is a node's configured reaction to a plugin error.
type ErrorPolicy string

const (
	// ErrorPolicyRoute diverts the token to an error sink.
	ErrorPolicyRoute ErrorPolicy = "route"
	// ErrorPolicyDiscard drops the token; the audit error event is still
	// written.
	ErrorPolicyDiscard ErrorPolicy = "discard"
	// ErrorPolicyRaise fails the run.
	ErrorPolicyRaise ErrorPolicy = "raise"
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case ErrorPolicyRoute, ErrorPolicyDiscard, ErrorPolicyRaise:
		return ErrorPolicy(s), nil
	}
	return "", fmt.Errorf("contracts: unknown error policy %q", s)
}
