package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// execute runs the source-to-sink loop for runID. skip holds row indexes a
// resume decided are already durable; existing maps row indexes to rows a
// prior attempt created.
func (o *Orchestrator) execute(ctx context.Context, runID string, skip map[int]bool, existing map[int]*landscape.Row) (*Report, error) {
	o.runID = runID
	o.aggregates = make(map[string]*aggregationBuffer)
	o.coalesces = make(map[string]*coalesceBuffer)

	fingerprint, err := o.graph.Fingerprint()
	if err != nil {
		o.failRun(ctx, runID)
		return nil, err
	}
	o.fingerprint = fingerprint

	report := &Report{RunID: runID}
	if err := o.drainSource(ctx, report, skip, existing); err != nil {
		o.failRun(ctx, runID)
		report.Status = contracts.RunFailed
		return report, err
	}
	if err := o.flushAggregations(ctx); err != nil {
		o.failRun(ctx, runID)
		report.Status = contracts.RunFailed
		return report, err
	}
	if err := o.closeSinks(); err != nil {
		o.failRun(ctx, runID)
		report.Status = contracts.RunFailed
		return report, err
	}

	if err := o.ls.CompleteRun(ctx, runID, contracts.RunCompleted); err != nil {
		return report, err
	}
	report.Status = contracts.RunCompleted
	o.export(ctx, runID)
	return report, nil
}

// drainSource loads every source record, mints row and token, and advances
// the token through the graph.
func (o *Orchestrator) drainSource(ctx context.Context, report *Report, skip map[int]bool, existing map[int]*landscape.Row) error {
	source := o.graph.Source()
	plugin := o.plugins.Sources[source.NodeID]

	op, err := o.ls.BeginOperation(ctx, o.runID, source.NodeID, contracts.OperationSourceLoad)
	if err != nil {
		return err
	}
	started := o.clock()
	failOp := func(cause error) error {
		if cerr := o.ls.CompleteOperation(ctx, op.OperationID, contracts.StateFailed,
			o.durationMS(started), cause.Error()); cerr != nil {
			o.logger.Error("operation close failed", "operation_id", op.OperationID, "error", cerr)
		}
		return cause
	}

	pc := &contracts.PluginContext{
		RunID:       o.runID,
		NodeID:      source.NodeID,
		OperationID: op.OperationID,
		Config:      source.Config,
		Calls:       o.ls.CallsForOperation(op.OperationID),
		Logger:      o.logger,
	}
	if err := plugin.OnStart(ctx, pc); err != nil {
		return failOp(err)
	}
	iter, err := plugin.Load(ctx, pc)
	if err != nil {
		return failOp(err)
	}
	defer iter.Close()
	defer plugin.Close()

	contractRecorded := false
	rowIndex := 0
	for {
		record, ok, err := iter.Next(ctx)
		if err != nil {
			return failOp(err)
		}
		if !ok {
			break
		}
		index := rowIndex
		rowIndex++

		if skip[index] {
			report.RowsSkipped++
			continue
		}

		if record.Quarantined {
			report.RowsQuarantined++
			if err := o.admitQuarantined(ctx, source.NodeID, index, record, existing); err != nil {
				return failOp(err)
			}
			continue
		}

		if !contractRecorded {
			contract := record.Row.Contract()
			if err := o.ls.SetRunContract(ctx, o.runID, contract); err != nil {
				return failOp(err)
			}
			if err := o.ls.SetFieldResolution(ctx, o.runID, contract.FieldResolution()); err != nil {
				return failOp(err)
			}
			if err := o.ls.SetNodeOutputContract(ctx, o.runID, source.NodeID, contract); err != nil {
				return failOp(err)
			}
			contractRecorded = true
		}

		env, err := o.admit(ctx, source.NodeID, index, record.Row.Data(), nil, existing)
		if err != nil {
			return failOp(err)
		}
		edge, ok := o.graph.OutgoingEdge(source.NodeID, contracts.LabelContinue)
		if !ok {
			return failOp(&contracts.OrchestrationInvariantError{
				Message: fmt.Sprintf("source %s has no continue edge", source.NodeID),
			})
		}
		if err := o.routeFromSource(ctx, env, edge.Label, nil); err != nil {
			return failOp(err)
		}
		if err := o.advance(ctx, env, edge.To); err != nil {
			return failOp(err)
		}
		report.RowsProcessed++
	}

	return o.ls.CompleteOperation(ctx, op.OperationID, contracts.StateCompleted,
		o.durationMS(started), "")
}

// admit mints the row (or reuses a prior attempt's row on resume) and the
// token, and opens and closes the source node_state so routing events off
// the source have a state to hang on.
func (o *Orchestrator) admit(ctx context.Context, sourceID string, index int, data map[string]any, pending *contracts.PendingOutcome, existing map[int]*landscape.Row) (*Envelope, error) {
	row := existing[index]
	if row == nil {
		var err error
		row, err = o.ls.CreateRow(ctx, o.runID, sourceID, index, data)
		if err != nil {
			return nil, err
		}
	}
	token, err := o.ls.CreateToken(ctx, row.RowID)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Token: token, Row: row, Data: data, Pending: pending}

	started := o.clock()
	state, err := o.ls.BeginNodeState(ctx, o.runID, token.TokenID, sourceID, 0, 0, data)
	if err != nil {
		return nil, err
	}
	err = o.ls.CompleteNodeState(ctx, state.StateID, landscape.StateCompletion{
		Status:     contracts.StateCompleted,
		Output:     data,
		DurationMS: o.durationMS(started),
	})
	if err != nil {
		return nil, err
	}
	env.sourceStateID = state.StateID
	return env, nil
}

// admitQuarantined records the validation error and sends the raw row to
// its quarantine sink with a precomputed QUARANTINED outcome. Without a
// quarantine edge the outcome is recorded directly.
func (o *Orchestrator) admitQuarantined(ctx context.Context, sourceID string, index int, record contracts.SourceRow, existing map[int]*landscape.Row) error {
	spec, _ := o.graph.Node(sourceID)
	schemaMode := fmt.Sprintf("%v", spec.Config["schema_mode"])
	if _, err := o.ls.RecordValidationError(ctx, o.runID, sourceID, record.RawData,
		record.Error, schemaMode, record.Destination); err != nil {
		return err
	}

	errorHash, err := canonicalize.StableHash(map[string]any{"error": record.Error})
	if err != nil {
		return err
	}
	pending := &contracts.PendingOutcome{
		Outcome:   contracts.OutcomeQuarantined,
		SinkName:  record.Destination,
		ErrorHash: errorHash,
	}
	env, err := o.admit(ctx, sourceID, index, record.RawData, pending, existing)
	if err != nil {
		return err
	}

	edge, ok := o.graph.OutgoingEdge(sourceID, contracts.LabelQuarantine)
	if !ok {
		_, err := o.ls.RecordTokenOutcome(ctx, o.runID, env.Token.TokenID, *pending, "",
			map[string]any{"error": record.Error})
		return err
	}
	reason := map[string]any{"error": record.Error, "divert_type": "quarantine"}
	if err := o.routeFromSource(ctx, env, edge.Label, reason); err != nil {
		return err
	}
	return o.advance(ctx, env, edge.To)
}

// routeFromSource records the routing event for a token leaving the source.
func (o *Orchestrator) routeFromSource(ctx context.Context, env *Envelope, label string, reason map[string]any) error {
	source := o.graph.Source()
	edge, _ := o.graph.OutgoingEdge(source.NodeID, label)
	edgeID, err := o.edgeID(source.NodeID, label)
	if err != nil {
		return err
	}
	_, err = o.ls.RecordRoutingEvent(ctx, env.sourceStateID, edgeID, edge.Mode, reason)
	return err
}

// advance walks one token through the graph until it terminates at a sink,
// is consumed by an aggregation or coalesce, forks, or is discarded.
func (o *Orchestrator) advance(ctx context.Context, env *Envelope, nodeID string) error {
	for {
		spec, ok := o.graph.Node(nodeID)
		if !ok {
			return &contracts.OrchestrationInvariantError{
				Message: fmt.Sprintf("token routed to unknown node %q", nodeID),
			}
		}
		step, _ := o.graph.Step(nodeID)

		switch spec.NodeType {
		case contracts.NodeSink:
			return o.execSink(ctx, env, nodeID, step)

		case contracts.NodeTransform:
			result, stateID, err := o.execTransform(ctx, env, nodeID, step)
			if err != nil {
				return err
			}
			if result.Status == contracts.ResultError {
				return o.handleNodeError(ctx, env, nodeID, stateID, spec.OnError, result.ErrorReason)
			}
			env.Data = result.Row
			next, err := o.follow(ctx, nodeID, stateID, contracts.LabelContinue, nil)
			if err != nil {
				return err
			}
			nodeID = next

		case contracts.NodeGate:
			result, stateID, err := o.execGate(ctx, env, nodeID, step)
			if err != nil {
				return err
			}
			if result.Status == contracts.ResultError {
				return o.handleNodeError(ctx, env, nodeID, stateID, spec.OnError, result.ErrorReason)
			}
			if result.Row != nil {
				env.Data = result.Row
			}
			switch result.Action.Kind {
			case contracts.RouteForkToPaths:
				return o.fork(ctx, env, nodeID, stateID, result.Action)
			default:
				label := contracts.LabelContinue
				if len(result.Action.Destinations) > 0 {
					label = result.Action.Destinations[0]
				}
				next, err := o.follow(ctx, nodeID, stateID, label, result.Action.Reason)
				if err != nil {
					return err
				}
				nodeID = next
			}

		case contracts.NodeAggregation:
			outputs, err := o.accumulate(ctx, env, nodeID, step)
			if err != nil {
				return err
			}
			return o.advanceBatchOutputs(ctx, nodeID, outputs)

		case contracts.NodeCoalesce:
			merged, err := o.collectBranch(ctx, env, nodeID, step)
			if err != nil {
				return err
			}
			if merged == nil {
				return nil // waiting for sibling branches
			}
			next, err := o.follow(ctx, nodeID, merged.coalesceStateID, contracts.LabelContinue, nil)
			if err != nil {
				return err
			}
			env = merged.env
			nodeID = next

		default:
			return &contracts.OrchestrationInvariantError{
				Message: fmt.Sprintf("token re-entered %s node %q", spec.NodeType, nodeID),
			}
		}
	}
}

// follow records the routing event for (from, label) and returns the next
// node. A label with no registered edge crashes the run.
func (o *Orchestrator) follow(ctx context.Context, from, stateID, label string, reason map[string]any) (string, error) {
	edge, ok := o.graph.OutgoingEdge(from, label)
	if !ok {
		return "", &contracts.OrchestrationInvariantError{
			Message: fmt.Sprintf("node %s routed to unknown label %q", from, label),
		}
	}
	edgeID, err := o.edgeID(from, label)
	if err != nil {
		return "", err
	}
	if _, err := o.ls.RecordRoutingEvent(ctx, stateID, edgeID, edge.Mode, reason); err != nil {
		return "", err
	}
	return edge.To, nil
}

// fork duplicates the token down every destination path. The parent token
// terminates as FORKED; each child advances independently.
func (o *Orchestrator) fork(ctx context.Context, env *Envelope, nodeID, stateID string, action contracts.RoutingAction) error {
	children, err := o.ls.ForkTokens(ctx, env.Token, action.Destinations)
	if err != nil {
		return err
	}
	if _, err := o.ls.RecordTokenOutcome(ctx, o.runID, env.Token.TokenID,
		contracts.PendingOutcome{Outcome: contracts.OutcomeForked}, "",
		map[string]any{"branches": len(children)}); err != nil {
		return err
	}
	for i, child := range children {
		label := action.Destinations[i]
		edge, ok := o.graph.OutgoingEdge(nodeID, label)
		if !ok {
			return &contracts.OrchestrationInvariantError{
				Message: fmt.Sprintf("fork destination %q has no edge off %s", label, nodeID),
			}
		}
		edgeID, err := o.edgeID(nodeID, label)
		if err != nil {
			return err
		}
		if _, err := o.ls.RecordRoutingEvent(ctx, stateID, edgeID, contracts.EdgeCopy, action.Reason); err != nil {
			return err
		}
		childEnv := &Envelope{Token: child, Row: env.Row, Data: copyData(env.Data)}
		if err := o.advance(ctx, childEnv, edge.To); err != nil {
			return err
		}
	}
	return nil
}

// handleNodeError applies a node's on_error policy to a failed transform or
// gate invocation.
func (o *Orchestrator) handleNodeError(ctx context.Context, env *Envelope, nodeID, stateID string, policy contracts.ErrorPolicy, reason map[string]any) error {
	errorHash, err := canonicalize.StableHash(reason)
	if err != nil {
		return err
	}

	switch policy {
	case contracts.ErrorPolicyRoute:
		edge, ok := o.divertEdge(nodeID)
		if !ok {
			return &contracts.OrchestrationInvariantError{
				Message: fmt.Sprintf("node %s has on_error=route but no DIVERT edge", nodeID),
			}
		}
		if _, err := o.ls.RecordTransformError(ctx, o.runID, env.Token.TokenID, nodeID,
			env.Data, reason, edge.To); err != nil {
			return err
		}
		divertReason := copyData(reason)
		if divertReason == nil {
			divertReason = map[string]any{}
		}
		divertReason["divert_type"] = "error"
		edgeID, err := o.edgeID(nodeID, edge.Label)
		if err != nil {
			return err
		}
		if _, err := o.ls.RecordRoutingEvent(ctx, stateID, edgeID, contracts.EdgeDivert, divertReason); err != nil {
			return err
		}
		env.Pending = &contracts.PendingOutcome{
			Outcome:   contracts.OutcomeRouted,
			SinkName:  edge.To,
			ErrorHash: errorHash,
		}
		return o.advance(ctx, env, edge.To)

	case contracts.ErrorPolicyDiscard:
		if _, err := o.ls.RecordTransformError(ctx, o.runID, env.Token.TokenID, nodeID,
			env.Data, reason, "discard"); err != nil {
			return err
		}
		_, err := o.ls.RecordTokenOutcome(ctx, o.runID, env.Token.TokenID,
			contracts.PendingOutcome{Outcome: contracts.OutcomeFailed, ErrorHash: errorHash},
			"", reason)
		return err

	default: // raise
		return fmt.Errorf("engine: node %s failed: %v", nodeID, reason)
	}
}

// divertEdge returns the node's first DIVERT-mode edge in label order.
func (o *Orchestrator) divertEdge(nodeID string) (edge dagEdge, ok bool) {
	for _, e := range o.graph.OutgoingEdges(nodeID) {
		if e.Mode == contracts.EdgeDivert {
			return dagEdge{To: e.To, Label: e.Label}, true
		}
	}
	return dagEdge{}, false
}

type dagEdge struct {
	To    string
	Label string
}

// advanceBatchOutputs pushes an aggregation flush's output envelopes down
// the aggregation node's continue edge.
func (o *Orchestrator) advanceBatchOutputs(ctx context.Context, nodeID string, outputs []*batchOutput) error {
	for _, out := range outputs {
		next, err := o.follow(ctx, nodeID, out.stateID, contracts.LabelContinue, nil)
		if err != nil {
			return err
		}
		if err := o.advance(ctx, out.env, next); err != nil {
			return err
		}
	}
	return nil
}

// flushAggregations drains every buffered batch at end of input.
func (o *Orchestrator) flushAggregations(ctx context.Context) error {
	for _, nodeID := range o.graph.NodeIDs() {
		buf := o.aggregates[nodeID]
		if buf == nil || len(buf.members) == 0 {
			continue
		}
		step, _ := o.graph.Step(nodeID)
		outputs, err := o.flushBatch(ctx, nodeID, step, buf,
			contracts.TriggerEndOfInput, "end of input")
		if err != nil {
			return err
		}
		if err := o.advanceBatchOutputs(ctx, nodeID, outputs); err != nil {
			return err
		}
	}
	return nil
}

// closeSinks closes every sink plugin. Close is idempotent.
func (o *Orchestrator) closeSinks() error {
	for name, sink := range o.plugins.Sinks {
		if err := sink.Close(); err != nil {
			return fmt.Errorf("engine: close sink %s: %w", name, err)
		}
	}
	return nil
}

// export streams the audit trail when an export target is configured.
// Failure is recorded on the run and logged, never raised.
func (o *Orchestrator) export(ctx context.Context, runID string) {
	if o.exportWriter == nil {
		return
	}
	if err := landscape.NewExporter(o.ls).Export(ctx, runID, o.exportSink, o.exportWriter); err != nil {
		o.logger.Error("audit export failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, nodeID string, kind contracts.NodeType) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "engine.node",
		trace.WithAttributes(
			attribute.String("node_id", nodeID),
			attribute.String("node_type", string(kind)),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
