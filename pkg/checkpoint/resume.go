// Package checkpoint implements the resume protocol: deciding whether a
// cut-off run may continue, which rows are already durable, and whether
// the sinks' external targets still match what the run recorded.
//
// Resume is at-least-once: a row whose token was never checkpointed is
// reprocessed even if some of its work happened before the cut.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/dag"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/schema"
)

// ResumeRefusedError means the run cannot safely continue. The CLI maps
// it to a dedicated exit code so wrappers can tell refusal from failure.
type ResumeRefusedError struct {
	RunID  string
	Reason string
}

func (e *ResumeRefusedError) Error() string {
	return fmt.Sprintf("resume refused for run %s: %s", e.RunID, e.Reason)
}

// Plan is the outcome of a successful resume decision.
type Plan struct {
	RunID      string
	Checkpoint *landscape.Checkpoint
	// Contract is the run's locked schema contract; nil for legacy runs
	// recorded before contracts were persisted.
	Contract *schema.Contract
	// FieldResolution is the normalized-to-original map recovered from
	// the landscape; sinks need it to validate existing headers.
	FieldResolution map[string]string
	// CompletedRows are row indexes with a recorded terminal outcome:
	// safe to skip on replay.
	CompletedRows map[int]bool
}

// Manager drives resume decisions against a landscape.
type Manager struct {
	landscape *landscape.Landscape
	logger    *slog.Logger
}

// NewManager builds a resume manager.
func NewManager(l *landscape.Landscape, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{landscape: l, logger: logger}
}

// Decide checks whether runID can resume onto graph and builds the plan.
//
// Refusals: no checkpoint, graph fingerprint mismatch, unknown checkpoint
// format, corrupted stored contract. A run with checkpoints but no stored
// contract is legacy: allowed, logged.
func (m *Manager) Decide(ctx context.Context, runID string, graph *dag.Graph) (*Plan, error) {
	run, err := m.landscape.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == contracts.RunCompleted {
		return nil, &ResumeRefusedError{RunID: runID, Reason: "run already completed"}
	}

	cp, err := m.landscape.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &ResumeRefusedError{RunID: runID, Reason: "run has no checkpoints"}
	}
	if cp.FormatVersion > landscape.CheckpointFormatVersion {
		return nil, &ResumeRefusedError{
			RunID:  runID,
			Reason: fmt.Sprintf("checkpoint format %d is newer than supported %d", cp.FormatVersion, landscape.CheckpointFormatVersion),
		}
	}

	fingerprint, err := graph.Fingerprint()
	if err != nil {
		return nil, err
	}
	if fingerprint != cp.GraphFingerprint {
		return nil, &ResumeRefusedError{
			RunID:  runID,
			Reason: "pipeline topology or configuration changed since the checkpoint",
		}
	}

	if cp.UpstreamTopologyHash != "" {
		upstream, err := graph.UpstreamTopologyHash(cp.NodeID)
		if err != nil {
			return nil, err
		}
		if upstream != cp.UpstreamTopologyHash {
			return nil, &ResumeRefusedError{
				RunID:  runID,
				Reason: fmt.Sprintf("upstream of checkpoint node %s changed", cp.NodeID),
			}
		}
	}

	// RunContract verifies the embedded version hash; a tampered contract
	// surfaces as CheckpointCorruptionError here.
	contract, err := m.landscape.RunContract(ctx, runID)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		m.logger.Warn("resuming legacy run without a stored schema contract",
			"run_id", runID)
	}

	resolution, err := m.landscape.FieldResolution(ctx, runID)
	if err != nil {
		return nil, err
	}

	completed, err := m.completedRows(ctx, runID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("resume plan ready",
		"run_id", runID,
		"checkpoint_sequence", cp.SequenceNumber,
		"completed_rows", len(completed))

	return &Plan{
		RunID:           runID,
		Checkpoint:      cp,
		Contract:        contract,
		FieldResolution: resolution,
		CompletedRows:   completed,
	}, nil
}

// completedRows maps row indexes whose tokens all reached a terminal
// outcome. A row with any unterminated token is reprocessed in full.
func (m *Manager) completedRows(ctx context.Context, runID string) (map[int]bool, error) {
	rows, err := m.landscape.ListRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	completed := make(map[int]bool, len(rows))
	for _, row := range rows {
		tokens, err := m.landscape.ListTokensForRow(ctx, row.RowID)
		if err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			continue
		}
		done := true
		for _, token := range tokens {
			outcome, err := m.landscape.GetTokenOutcome(ctx, token.TokenID)
			if err != nil {
				return nil, err
			}
			if outcome == nil {
				done = false
				break
			}
		}
		if done {
			completed[row.RowIndex] = true
		}
	}
	return completed, nil
}

// PrepareSinks switches every sink into resume mode and validates its
// external target. Under a FIXED contract an invalid target refuses the
// resume; under FLEXIBLE and OBSERVED (and legacy runs) it is logged and
// the sink proceeds.
func (m *Manager) PrepareSinks(ctx context.Context, plan *Plan, sinks map[string]contracts.SinkPlugin) error {
	strict := plan.Contract != nil && plan.Contract.Mode == schema.ModeFixed
	for name, sink := range sinks {
		if plan.FieldResolution != nil {
			sink.SetResumeFieldResolution(plan.FieldResolution)
		}
		if err := sink.ConfigureForResume(ctx); err != nil {
			return &ResumeRefusedError{
				RunID:  plan.RunID,
				Reason: fmt.Sprintf("sink %s cannot be configured for resume: %v", name, err),
			}
		}
		result, err := sink.ValidateOutputTarget(ctx)
		if err != nil {
			return &ResumeRefusedError{
				RunID:  plan.RunID,
				Reason: fmt.Sprintf("sink %s output validation failed: %v", name, err),
			}
		}
		if !result.Valid {
			if strict {
				return &ResumeRefusedError{
					RunID:  plan.RunID,
					Reason: fmt.Sprintf("sink %s output target conflicts with the recorded contract: %s", name, result.Message),
				}
			}
			m.logger.Warn("sink output target mismatch tolerated outside FIXED mode",
				"run_id", plan.RunID, "sink", name, "detail", result.Message)
		}
	}
	return nil
}
