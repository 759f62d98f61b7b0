package landscape

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// CreateRow admits one source record. The full payload goes to the payload
// store; the audit row keeps the hash and the per-run row index.
func (l *Landscape) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any) (*Row, error) {
	hash, _, err := l.payloads.PutCanonical(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("landscape: store row payload: %w", err)
	}
	row := &Row{
		RowID:          l.newID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: hash,
		CreatedAt:      l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.RowID, row.RunID, row.SourceNodeID, row.RowIndex,
		row.SourceDataHash, ts(row.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: create row %d: %w", rowIndex, err)
	}
	return row, nil
}

// CreateToken mints the root token for a row.
func (l *Landscape) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	token := &Token{
		TokenID:   l.newID(),
		RowID:     rowID,
		CreatedAt: l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, created_at)
		VALUES (?, ?, ?)`,
		token.TokenID, token.RowID, ts(token.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: create token: %w", err)
	}
	return token, nil
}

// ForkTokens mints one child per branch for a forked parent. All children
// share a fork group and record the parent in token_parents.
func (l *Landscape) ForkTokens(ctx context.Context, parent *Token, branches []string) ([]*Token, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("landscape: fork requires at least one branch")
	}
	forkGroup := l.newID()
	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		child := &Token{
			TokenID:     l.newID(),
			RowID:       parent.RowID,
			ForkGroupID: forkGroup,
			BranchName:  branch,
			CreatedAt:   l.now(),
		}
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO tokens (token_id, row_id, fork_group_id, branch_name, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			child.TokenID, child.RowID, child.ForkGroupID, child.BranchName,
			ts(child.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("landscape: fork token for branch %q: %w", branch, err)
		}
		_, err = l.db.ExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal)
			VALUES (?, ?, 0)`,
			child.TokenID, parent.TokenID)
		if err != nil {
			return nil, fmt.Errorf("landscape: record fork parent: %w", err)
		}
		children = append(children, child)
	}
	return children, nil
}

// CoalesceTokens mints the merged token for a set of branch tokens. Parents
// are recorded in merge order.
func (l *Landscape) CoalesceTokens(ctx context.Context, rowID string, parents []*Token) (*Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("landscape: coalesce requires at least one parent")
	}
	merged := &Token{
		TokenID:     l.newID(),
		RowID:       rowID,
		JoinGroupID: l.newID(),
		CreatedAt:   l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, join_group_id, created_at)
		VALUES (?, ?, ?, ?)`,
		merged.TokenID, merged.RowID, merged.JoinGroupID, ts(merged.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: create coalesced token: %w", err)
	}
	for i, parent := range parents {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO token_parents (token_id, parent_token_id, ordinal)
			VALUES (?, ?, ?)`,
			merged.TokenID, parent.TokenID, i)
		if err != nil {
			return nil, fmt.Errorf("landscape: record coalesce parent: %w", err)
		}
	}
	return merged, nil
}

// BeginNodeState opens an attempt of a token at a node. The input payload is
// stored content-addressed; the state records its hash.
func (l *Landscape) BeginNodeState(ctx context.Context, runID, tokenID, nodeID string, stepIndex, attempt int, input any) (*NodeState, error) {
	if nodeID == "" {
		return nil, &contracts.OrchestrationInvariantError{Message: "node_state without node_id"}
	}
	inputHash, _, err := l.payloads.PutCanonical(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("landscape: store state input: %w", err)
	}
	state := &NodeState{
		StateID:   l.newID(),
		TokenID:   tokenID,
		RunID:     runID,
		NodeID:    nodeID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Status:    contracts.StateOpen,
		InputHash: inputHash,
		StartedAt: l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO node_states (state_id, token_id, run_id, node_id, step_index,
			attempt, status, input_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.StateID, state.TokenID, state.RunID, state.NodeID, state.StepIndex,
		state.Attempt, string(state.Status), state.InputHash, ts(state.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: begin node_state at %s: %w", nodeID, err)
	}
	return state, nil
}

// StateCompletion carries the terminal fields for a node_state.
type StateCompletion struct {
	Status        contracts.StateStatus
	Output        any
	SuccessReason map[string]any
	Error         *contracts.ExecutionError
	DurationMS    float64
}

// CompleteNodeState closes an attempt. Required fields are enforced by
// status: COMPLETED needs an output, FAILED needs a structured error, and a
// terminal status is mandatory.
func (l *Landscape) CompleteNodeState(ctx context.Context, stateID string, completion StateCompletion) error {
	switch completion.Status {
	case contracts.StateCompleted:
		if completion.Output == nil {
			return fmt.Errorf("landscape: COMPLETED node_state %s requires an output", stateID)
		}
		if completion.Error != nil {
			return fmt.Errorf("landscape: COMPLETED node_state %s cannot carry an error", stateID)
		}
	case contracts.StateFailed:
		if completion.Error == nil {
			return fmt.Errorf("landscape: FAILED node_state %s requires a structured error", stateID)
		}
	case contracts.StatePending:
		// Waiting on an external batch. No output yet.
	default:
		return fmt.Errorf("landscape: %s is not a valid completion status", completion.Status)
	}

	var outputHash any
	if completion.Output != nil {
		hash, _, err := l.payloads.PutCanonical(ctx, completion.Output)
		if err != nil {
			return fmt.Errorf("landscape: store state output: %w", err)
		}
		outputHash = hash
	}
	var errorJSON any
	if completion.Error != nil {
		data, err := json.Marshal(completion.Error)
		if err != nil {
			return fmt.Errorf("landscape: encode state error: %w", err)
		}
		errorJSON = string(data)
	}
	var successJSON any
	if completion.SuccessReason != nil {
		data, err := json.Marshal(completion.SuccessReason)
		if err != nil {
			return fmt.Errorf("landscape: encode success reason: %w", err)
		}
		successJSON = string(data)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE node_states SET status = ?, output_hash = ?, error_json = ?,
			success_reason_json = ?, duration_ms = ?, completed_at = ?
		WHERE state_id = ? AND status IN ('OPEN', 'PENDING')`,
		string(completion.Status), outputHash, errorJSON, successJSON,
		completion.DurationMS, ts(l.now()), stateID)
	if err != nil {
		return fmt.Errorf("landscape: complete node_state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("landscape: node_state %s not found or already closed", stateID)
	}
	return nil
}

// RecordTokenOutcome writes a token's single terminal disposition. A second
// outcome for the same token is an audit bug and fails on the unique index.
func (l *Landscape) RecordTokenOutcome(ctx context.Context, runID, tokenID string, pending contracts.PendingOutcome, batchID string, context map[string]any) (*TokenOutcome, error) {
	var contextJSON string
	if context != nil {
		data, err := json.Marshal(context)
		if err != nil {
			return nil, fmt.Errorf("landscape: encode outcome context: %w", err)
		}
		contextJSON = string(data)
	}
	outcome := &TokenOutcome{
		OutcomeID:   l.newID(),
		RunID:       runID,
		TokenID:     tokenID,
		Outcome:     pending.Outcome,
		SinkName:    pending.SinkName,
		BatchID:     batchID,
		ErrorHash:   pending.ErrorHash,
		ContextJSON: contextJSON,
		CreatedAt:   l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome,
			sink_name, batch_id, error_hash, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.OutcomeID, outcome.RunID, outcome.TokenID, string(outcome.Outcome),
		nullIfEmpty(outcome.SinkName), nullIfEmpty(outcome.BatchID),
		nullIfEmpty(outcome.ErrorHash), nullIfEmpty(outcome.ContextJSON),
		ts(outcome.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: record outcome for token %s: %w", tokenID, err)
	}
	return outcome, nil
}

// RecordRoutingEvent records a token's traversal of an edge. The reason
// payload is stored content-addressed.
func (l *Landscape) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode contracts.EdgeMode, reason map[string]any) (*RoutingEvent, error) {
	if edgeID == "" {
		return nil, &contracts.OrchestrationInvariantError{Message: "routing event without a registered edge"}
	}
	var reasonHash string
	if reason != nil {
		hash, _, err := l.payloads.PutCanonical(ctx, reason)
		if err != nil {
			return nil, fmt.Errorf("landscape: store routing reason: %w", err)
		}
		reasonHash = hash
	}
	event := &RoutingEvent{
		EventID:    l.newID(),
		StateID:    stateID,
		EdgeID:     edgeID,
		Mode:       mode,
		ReasonHash: reasonHash,
		CreatedAt:  l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO routing_events (event_id, state_id, edge_id, mode, reason_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.StateID, event.EdgeID, string(event.Mode),
		nullIfEmpty(event.ReasonHash), ts(event.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: record routing event: %w", err)
	}
	return event, nil
}

// RegisterArtifact records a durable sink output.
func (l *Landscape) RegisterArtifact(ctx context.Context, runID string, desc contracts.ArtifactDescriptor, producedByStateID, sinkNodeID string) (*Artifact, error) {
	artifact := &Artifact{
		ArtifactID:        l.newID(),
		RunID:             runID,
		ProducedByStateID: producedByStateID,
		SinkNodeID:        sinkNodeID,
		ArtifactType:      desc.ArtifactType,
		PathOrURI:         desc.PathOrURI,
		ContentHash:       desc.ContentHash,
		SizeBytes:         desc.SizeBytes,
		IdempotencyKey:    desc.IdempotencyKey,
		CreatedAt:         l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id,
			artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ArtifactID, artifact.RunID, artifact.ProducedByStateID,
		artifact.SinkNodeID, artifact.ArtifactType, artifact.PathOrURI,
		artifact.ContentHash, artifact.SizeBytes,
		nullIfEmpty(artifact.IdempotencyKey), ts(artifact.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: register artifact: %w", err)
	}
	return artifact, nil
}
