package engine

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// execTransform runs one token through a transform node. The node_state is
// always closed before returning: COMPLETED with the output row, or FAILED
// with the structured error reason. The caller applies the error policy.
func (o *Orchestrator) execTransform(ctx context.Context, env *Envelope, nodeID string, step int) (contracts.TransformResult, string, error) {
	if nodeID == "" {
		return contracts.TransformResult{}, "", &contracts.OrchestrationInvariantError{
			Message: "transform execution without node_id",
		}
	}
	state, err := o.ls.BeginNodeState(ctx, o.runID, env.Token.TokenID, nodeID, step, 0, env.Data)
	if err != nil {
		return contracts.TransformResult{}, "", err
	}

	pc := &contracts.PluginContext{
		RunID:   o.runID,
		NodeID:  nodeID,
		StateID: state.StateID,
		Config:  o.nodeConfig(nodeID),
		Calls:   o.ls.CallsForState(state.StateID),
		Logger:  o.logger,
	}

	spanCtx, span := o.startSpan(ctx, nodeID, contracts.NodeTransform)
	started := o.clock()
	result := o.plugins.Transforms[nodeID].Process(spanCtx, pc, copyData(env.Data))
	duration := o.durationMS(started)

	if result.Status == contracts.ResultError {
		execErr := reasonToExecutionError(result.ErrorReason)
		endSpan(span, execErr)
		if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      execErr,
			DurationMS: duration,
		}); err != nil {
			return contracts.TransformResult{}, "", err
		}
		return result, state.StateID, nil
	}

	endSpan(span, nil)
	if result.Row == nil {
		return contracts.TransformResult{}, "", &contracts.OrchestrationInvariantError{
			Message: fmt.Sprintf("transform %s returned success without a row", nodeID),
		}
	}
	if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:        contracts.StateCompleted,
		Output:        result.Row,
		SuccessReason: result.SuccessReason,
		DurationMS:    duration,
	}); err != nil {
		return contracts.TransformResult{}, "", err
	}
	return result, state.StateID, nil
}

// execGate evaluates a gate. A hard evaluation error closes the state as
// FAILED and surfaces as an error result so the node's policy applies.
func (o *Orchestrator) execGate(ctx context.Context, env *Envelope, nodeID string, step int) (contracts.GateResult, string, error) {
	if nodeID == "" {
		return contracts.GateResult{}, "", &contracts.OrchestrationInvariantError{
			Message: "gate execution without node_id",
		}
	}
	state, err := o.ls.BeginNodeState(ctx, o.runID, env.Token.TokenID, nodeID, step, 0, env.Data)
	if err != nil {
		return contracts.GateResult{}, "", err
	}

	pc := &contracts.PluginContext{
		RunID:   o.runID,
		NodeID:  nodeID,
		StateID: state.StateID,
		Config:  o.nodeConfig(nodeID),
		Calls:   o.ls.CallsForState(state.StateID),
		Logger:  o.logger,
	}

	spanCtx, span := o.startSpan(ctx, nodeID, contracts.NodeGate)
	started := o.clock()
	result, evalErr := o.plugins.Gates[nodeID].Evaluate(spanCtx, pc, copyData(env.Data))
	duration := o.durationMS(started)
	endSpan(span, evalErr)

	if evalErr != nil {
		execErr := contracts.NewExecutionError(evalErr, "")
		if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      execErr,
			DurationMS: duration,
		}); err != nil {
			return contracts.GateResult{}, "", err
		}
		result = contracts.GateResult{TransformResult: contracts.TransformError(map[string]any{
			"reason": "gate_evaluation_failed",
			"error":  evalErr.Error(),
		}, false)}
		return result, state.StateID, nil
	}
	if result.Status == contracts.ResultError {
		if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      reasonToExecutionError(result.ErrorReason),
			DurationMS: duration,
		}); err != nil {
			return contracts.GateResult{}, "", err
		}
		return result, state.StateID, nil
	}

	output := result.Row
	if output == nil {
		output = env.Data
	}
	if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:        contracts.StateCompleted,
		Output:        output,
		SuccessReason: result.Action.Reason,
		DurationMS:    duration,
	}); err != nil {
		return contracts.GateResult{}, "", err
	}
	return result, state.StateID, nil
}

// execSink delivers one token to a sink. Ordering is fixed: open state,
// write inside a sink_write operation, flush for durability, close state,
// register artifact, record the terminal outcome, checkpoint. A checkpoint
// failure after the durable write is logged and swallowed: the write
// cannot be rolled back and resume will re-deliver the row.
func (o *Orchestrator) execSink(ctx context.Context, env *Envelope, nodeID string, step int) error {
	if nodeID == "" {
		return &contracts.OrchestrationInvariantError{Message: "sink execution without node_id"}
	}
	sink := o.plugins.Sinks[nodeID]

	state, err := o.ls.BeginNodeState(ctx, o.runID, env.Token.TokenID, nodeID, step, 0, env.Data)
	if err != nil {
		return err
	}
	op, err := o.ls.BeginOperation(ctx, o.runID, nodeID, contracts.OperationSinkWrite)
	if err != nil {
		return err
	}

	// Calls inside the write attribute to the operation, not the state.
	pc := &contracts.PluginContext{
		RunID:       o.runID,
		NodeID:      nodeID,
		OperationID: op.OperationID,
		Config:      o.nodeConfig(nodeID),
		Calls:       o.ls.CallsForOperation(op.OperationID),
		Logger:      o.logger,
	}
	pc.ClearStateID()

	spanCtx, span := o.startSpan(ctx, nodeID, contracts.NodeSink)
	started := o.clock()

	fail := func(cause error, phase string) error {
		endSpan(span, cause)
		duration := o.durationMS(started)
		if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      contracts.NewExecutionError(cause, phase),
			DurationMS: duration,
		}); err != nil {
			o.logger.Error("state close failed", "state_id", state.StateID, "error", err)
		}
		if err := o.ls.CompleteOperation(ctx, op.OperationID, contracts.StateFailed,
			duration, cause.Error()); err != nil {
			o.logger.Error("operation close failed", "operation_id", op.OperationID, "error", err)
		}
		return fmt.Errorf("engine: sink %s: %w", nodeID, cause)
	}

	desc, err := sink.Write(spanCtx, pc, []map[string]any{env.Data})
	if err != nil {
		return fail(err, "write")
	}
	if err := sink.Flush(ctx); err != nil {
		return fail(err, "flush")
	}
	endSpan(span, nil)
	duration := o.durationMS(started)

	if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     contracts.StateCompleted,
		Output:     env.Data,
		DurationMS: duration,
	}); err != nil {
		return err
	}
	if err := o.ls.CompleteOperation(ctx, op.OperationID, contracts.StateCompleted, duration, ""); err != nil {
		return err
	}

	if desc != nil {
		if _, err := o.ls.RegisterArtifact(ctx, o.runID, *desc, state.StateID, nodeID); err != nil {
			return err
		}
	}

	outcome := contracts.PendingOutcome{Outcome: contracts.OutcomeCompleted, SinkName: nodeID}
	if env.Pending != nil {
		outcome = *env.Pending
		if outcome.SinkName == "" {
			outcome.SinkName = nodeID
		}
	}
	if _, err := o.ls.RecordTokenOutcome(ctx, o.runID, env.Token.TokenID, outcome, "", nil); err != nil {
		return err
	}

	o.checkpoint(ctx, env.Token.TokenID, nodeID)
	return nil
}

// checkpoint marks the token durable. Runs after flush only.
func (o *Orchestrator) checkpoint(ctx context.Context, tokenID, sinkNodeID string) {
	upstream, err := o.graph.UpstreamTopologyHash(sinkNodeID)
	if err != nil {
		o.logger.Warn("checkpoint skipped", "token_id", tokenID, "error", err)
		return
	}
	configHash, err := o.graph.NodeConfigHash(sinkNodeID)
	if err != nil {
		o.logger.Warn("checkpoint skipped", "token_id", tokenID, "error", err)
		return
	}
	_, err = o.ls.RecordCheckpoint(ctx, landscape.CheckpointRecord{
		RunID:                o.runID,
		TokenID:              tokenID,
		NodeID:               sinkNodeID,
		GraphFingerprint:     o.fingerprint,
		UpstreamTopologyHash: upstream,
		NodeConfigHash:       configHash,
	})
	if err != nil {
		o.logger.Warn("checkpoint write failed after durable sink flush",
			"token_id", tokenID, "sink", sinkNodeID, "error", err)
	}
}

// aggregationBuffer is the open DRAFT batch of one aggregation node.
type aggregationBuffer struct {
	batch   *landscape.Batch
	members []*Envelope
}

// batchOutput is one downstream envelope produced by a batch flush, paired
// with the aggregation state its routing events attach to.
type batchOutput struct {
	env     *Envelope
	stateID string
}

// accumulate buffers one token into the node's open batch, flushing when
// the plugin reports a trigger. Member states are parked PENDING until the
// batch resolves.
func (o *Orchestrator) accumulate(ctx context.Context, env *Envelope, nodeID string, step int) ([]*batchOutput, error) {
	if nodeID == "" {
		return nil, &contracts.OrchestrationInvariantError{Message: "aggregation execution without node_id"}
	}
	buf := o.aggregates[nodeID]
	if buf == nil {
		batch, err := o.ls.CreateBatch(ctx, o.runID, nodeID)
		if err != nil {
			return nil, err
		}
		buf = &aggregationBuffer{batch: batch}
		o.aggregates[nodeID] = buf
	}

	state, err := o.ls.BeginNodeState(ctx, o.runID, env.Token.TokenID, nodeID, step, 0, env.Data)
	if err != nil {
		return nil, err
	}
	pc := &contracts.PluginContext{
		RunID:   o.runID,
		NodeID:  nodeID,
		StateID: state.StateID,
		Config:  o.nodeConfig(nodeID),
		Calls:   o.ls.CallsForState(state.StateID),
		Logger:  o.logger,
	}

	started := o.clock()
	trigger, triggerType, triggerReason, err := o.plugins.Aggregations[nodeID].Accumulate(ctx, pc, copyData(env.Data))
	duration := o.durationMS(started)
	if err != nil {
		if cerr := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      contracts.NewExecutionError(err, ""),
			DurationMS: duration,
		}); cerr != nil {
			o.logger.Error("state close failed", "state_id", state.StateID, "error", cerr)
		}
		return nil, fmt.Errorf("engine: aggregation %s: %w", nodeID, err)
	}

	if err := o.ls.AddBatchMember(ctx, buf.batch.BatchID, env.Token.TokenID, len(buf.members)); err != nil {
		return nil, err
	}
	if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     contracts.StatePending,
		DurationMS: duration,
	}); err != nil {
		return nil, err
	}
	env.memberStateID = state.StateID
	buf.members = append(buf.members, env)

	if !trigger {
		return nil, nil
	}
	return o.flushBatch(ctx, nodeID, step, buf, triggerType, triggerReason)
}

// flushBatch executes the buffered batch. The aggregation node_state is
// recorded against the first member token; member durations amortize the
// flush cost evenly. Consumed members terminate as CONSUMED_IN_BATCH.
func (o *Orchestrator) flushBatch(ctx context.Context, nodeID string, step int, buf *aggregationBuffer, triggerType contracts.TriggerType, triggerReason string) ([]*batchOutput, error) {
	defer delete(o.aggregates, nodeID)

	first := buf.members[0]
	flushState, err := o.ls.BeginNodeState(ctx, o.runID, first.Token.TokenID, nodeID, step, 1,
		map[string]any{"batch_id": buf.batch.BatchID, "members": len(buf.members)})
	if err != nil {
		return nil, err
	}
	if err := o.ls.MarkBatchExecuting(ctx, buf.batch.BatchID, flushState.StateID, triggerType, triggerReason); err != nil {
		return nil, err
	}

	// All LLM calls during the flush attribute to the flush state.
	pc := &contracts.PluginContext{
		RunID:   o.runID,
		NodeID:  nodeID,
		StateID: flushState.StateID,
		Config:  o.nodeConfig(nodeID),
		Calls:   o.ls.CallsForState(flushState.StateID),
		Logger:  o.logger,
	}

	spanCtx, span := o.startSpan(ctx, nodeID, contracts.NodeAggregation)
	started := o.clock()
	rows, flushErr := o.plugins.Aggregations[nodeID].Flush(spanCtx, pc)
	duration := o.durationMS(started)
	endSpan(span, flushErr)
	perMember := duration / float64(len(buf.members))

	if flushErr != nil {
		execErr := contracts.NewExecutionError(flushErr, "flush")
		if err := o.ls.CompleteNodeState(ctx, flushState.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      execErr,
			DurationMS: duration,
		}); err != nil {
			return nil, err
		}
		for _, member := range buf.members {
			if err := o.ls.CompleteNodeState(ctx, member.memberStateID, landscape.StateCompletion{
				Status:     contracts.StateFailed,
				Error:      execErr,
				DurationMS: perMember,
			}); err != nil {
				return nil, err
			}
		}
		if err := o.ls.CompleteBatch(ctx, buf.batch.BatchID, contracts.BatchFailed); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("engine: aggregation %s flush: %w", nodeID, flushErr)
	}

	if err := o.ls.CompleteNodeState(ctx, flushState.StateID, landscape.StateCompletion{
		Status:     contracts.StateCompleted,
		Output:     map[string]any{"rows": len(rows)},
		DurationMS: duration,
	}); err != nil {
		return nil, err
	}
	for _, member := range buf.members {
		if err := o.ls.CompleteNodeState(ctx, member.memberStateID, landscape.StateCompletion{
			Status:     contracts.StateCompleted,
			Output:     member.Data,
			DurationMS: perMember,
		}); err != nil {
			return nil, err
		}
		if _, err := o.ls.RecordTokenOutcome(ctx, o.runID, member.Token.TokenID,
			contracts.PendingOutcome{Outcome: contracts.OutcomeConsumedInBatch},
			buf.batch.BatchID, nil); err != nil {
			return nil, err
		}
	}
	if err := o.ls.CompleteBatch(ctx, buf.batch.BatchID, contracts.BatchCompleted); err != nil {
		return nil, err
	}

	outputs := make([]*batchOutput, 0, len(rows))
	for _, row := range rows {
		token, err := o.ls.CreateToken(ctx, first.Row.RowID)
		if err != nil {
			return nil, err
		}
		if err := o.ls.AddBatchOutput(ctx, buf.batch.BatchID, "token", token.TokenID); err != nil {
			return nil, err
		}
		outputs = append(outputs, &batchOutput{
			env:     &Envelope{Token: token, Row: first.Row, Data: row},
			stateID: flushState.StateID,
		})
	}
	return outputs, nil
}

// coalesceBuffer parks forked branches of one row until all arrive.
type coalesceBuffer struct {
	byGroup map[string][]*Envelope
}

// mergedBranch pairs the coalesced envelope with the state its routing
// events attach to.
type mergedBranch struct {
	env             *Envelope
	coalesceStateID string
}

// collectBranch parks one forked branch; when every incoming branch of the
// fork group has arrived, it merges them and returns the merged envelope.
// Branch tokens terminate as COALESCED.
func (o *Orchestrator) collectBranch(ctx context.Context, env *Envelope, nodeID string, step int) (*mergedBranch, error) {
	if nodeID == "" {
		return nil, &contracts.OrchestrationInvariantError{Message: "coalesce execution without node_id"}
	}
	if env.Token.ForkGroupID == "" {
		return nil, &contracts.OrchestrationInvariantError{
			Message: fmt.Sprintf("unforked token reached coalesce node %s", nodeID),
		}
	}
	buf := o.coalesces[nodeID]
	if buf == nil {
		buf = &coalesceBuffer{byGroup: make(map[string][]*Envelope)}
		o.coalesces[nodeID] = buf
	}
	group := env.Token.ForkGroupID
	buf.byGroup[group] = append(buf.byGroup[group], env)

	expected := len(o.graph.IncomingEdges(nodeID))
	if len(buf.byGroup[group]) < expected {
		return nil, nil
	}
	branches := buf.byGroup[group]
	delete(buf.byGroup, group)

	parents := make([]*landscape.Token, len(branches))
	branchData := make(map[string]map[string]any, len(branches))
	for i, branch := range branches {
		parents[i] = branch.Token
		branchData[branch.Token.BranchName] = branch.Data
	}
	merged, err := o.ls.CoalesceTokens(ctx, branches[0].Row.RowID, parents)
	if err != nil {
		return nil, err
	}

	state, err := o.ls.BeginNodeState(ctx, o.runID, merged.TokenID, nodeID, step, 0,
		map[string]any{"branches": len(branches)})
	if err != nil {
		return nil, err
	}
	pc := &contracts.PluginContext{
		RunID:   o.runID,
		NodeID:  nodeID,
		StateID: state.StateID,
		Config:  o.nodeConfig(nodeID),
		Calls:   o.ls.CallsForState(state.StateID),
		Logger:  o.logger,
	}

	plugin := o.plugins.Coalesces[nodeID]
	spanCtx, span := o.startSpan(ctx, nodeID, contracts.NodeCoalesce)
	started := o.clock()
	mergedData, mergeErr := plugin.Merge(spanCtx, pc, branchData)
	duration := o.durationMS(started)
	endSpan(span, mergeErr)

	if mergeErr != nil {
		if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
			Status:     contracts.StateFailed,
			Error:      contracts.NewExecutionError(mergeErr, ""),
			DurationMS: duration,
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("engine: coalesce %s: %w", nodeID, mergeErr)
	}
	if err := o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:        contracts.StateCompleted,
		Output:        mergedData,
		SuccessReason: map[string]any{"policy": plugin.Policy(), "branches": len(branches)},
		DurationMS:    duration,
	}); err != nil {
		return nil, err
	}
	for _, branch := range branches {
		if _, err := o.ls.RecordTokenOutcome(ctx, o.runID, branch.Token.TokenID,
			contracts.PendingOutcome{Outcome: contracts.OutcomeCoalesced}, "",
			map[string]any{"merged_token_id": merged.TokenID}); err != nil {
			return nil, err
		}
	}

	return &mergedBranch{
		env:             &Envelope{Token: merged, Row: branches[0].Row, Data: mergedData},
		coalesceStateID: state.StateID,
	}, nil
}

func (o *Orchestrator) nodeConfig(nodeID string) map[string]any {
	spec, _ := o.graph.Node(nodeID)
	return spec.Config
}

// reasonToExecutionError lifts a plugin's structured error reason into the
// audit form.
func reasonToExecutionError(reason map[string]any) *contracts.ExecutionError {
	execErr := &contracts.ExecutionError{Type: "TransformError", Message: "transform failed"}
	if t, ok := reason["error_type"].(string); ok && t != "" {
		execErr.Type = t
	} else if t, ok := reason["reason"].(string); ok && t != "" {
		execErr.Type = t
	}
	if m, ok := reason["error"].(string); ok && m != "" {
		execErr.Message = m
	}
	return execErr
}
