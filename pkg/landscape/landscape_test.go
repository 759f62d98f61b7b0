package landscape

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/payload"
	"github.com/elspeth-io/elspeth/pkg/schema"
)

func newLandscape(t *testing.T) *Landscape {
	t.Helper()
	payloads, err := payload.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, err := Open(":memory:", payloads)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func beginRun(t *testing.T, l *Landscape) *Run {
	t.Helper()
	run, err := l.BeginRun(context.Background(), map[string]any{"pipeline": "test"})
	require.NoError(t, err)
	return run
}

func TestBeginAndCompleteRun(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()

	run := beginRun(t, l)
	assert.Equal(t, contracts.RunRunning, run.Status)
	assert.Len(t, run.ConfigHash, 64)

	require.NoError(t, l.CompleteRun(ctx, run.RunID, contracts.RunCompleted))
	loaded, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	l := newLandscape(t)
	run := beginRun(t, l)
	err := l.CompleteRun(context.Background(), run.RunID, contracts.RunRunning)
	require.Error(t, err)
}

func TestRunContractRoundTrip(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)

	unlocked, err := schema.NewContract(schema.ModeObserved, nil)
	require.NoError(t, err)
	contract, err := schema.BuildFromFirstRow(unlocked, map[string]any{"id": int64(1)},
		map[string]string{"id": "id"})
	require.NoError(t, err)

	require.NoError(t, l.SetRunContract(ctx, run.RunID, contract))
	loaded, err := l.RunContract(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, contract.VersionHash, loaded.VersionHash)
}

func TestSetRunContractRequiresLocked(t *testing.T) {
	l := newLandscape(t)
	run := beginRun(t, l)
	unlocked, err := schema.NewContract(schema.ModeObserved, nil)
	require.NoError(t, err)
	err = l.SetRunContract(context.Background(), run.RunID, unlocked)
	require.Error(t, err)
}

func TestRunContractTamperDetection(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)

	unlocked, err := schema.NewContract(schema.ModeObserved, nil)
	require.NoError(t, err)
	contract, err := schema.BuildFromFirstRow(unlocked, map[string]any{"id": int64(1)},
		map[string]string{"id": "id"})
	require.NoError(t, err)
	require.NoError(t, l.SetRunContract(ctx, run.RunID, contract))

	_, err = l.db.ExecContext(ctx, `
		UPDATE runs SET schema_contract_json = replace(schema_contract_json, '"id"', '"xx"')
		WHERE run_id = ?`, run.RunID)
	require.NoError(t, err)

	_, err = l.RunContract(ctx, run.RunID)
	var corrupt *contracts.CheckpointCorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, run.RunID, corrupt.RunID)
}

func TestFieldResolutionRoundTrip(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)

	require.NoError(t, l.SetFieldResolution(ctx, run.RunID,
		map[string]string{"order_id": "Order ID"}))
	resolution, err := l.FieldResolution(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Order ID", resolution["order_id"])
}

func TestExportStatusClearsErrorOnRecovery(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)

	require.NoError(t, l.SetExportStatus(ctx, run.RunID, contracts.ExportFailed,
		"disk full", "jsonl", "audit-sink"))
	loaded, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "disk full", loaded.ExportError)

	require.NoError(t, l.SetExportStatus(ctx, run.RunID, contracts.ExportCompleted,
		"stale error must not survive", "jsonl", "audit-sink"))
	loaded, err = l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Empty(t, loaded.ExportError)
	require.NotNil(t, loaded.ExportStatus)
	assert.Equal(t, contracts.ExportCompleted, *loaded.ExportStatus)
	require.NotNil(t, loaded.ExportedAt)
}

func registerNode(t *testing.T, l *Landscape, runID, nodeID string, nt contracts.NodeType) *Node {
	t.Helper()
	node, err := l.RegisterNode(context.Background(), runID, NodeRegistration{
		NodeID:        nodeID,
		PluginName:    strings.ToLower(string(nt)),
		NodeType:      nt,
		PluginVersion: "1.0.0",
		Determinism:   contracts.Deterministic,
		Config:        map[string]any{"node": nodeID},
	})
	require.NoError(t, err)
	return node
}

func TestRegisterNodeRequiresNodeID(t *testing.T) {
	l := newLandscape(t)
	run := beginRun(t, l)
	_, err := l.RegisterNode(context.Background(), run.RunID, NodeRegistration{
		PluginName: "csv", NodeType: contracts.NodeSource,
	})
	var invariant *contracts.OrchestrationInvariantError
	require.ErrorAs(t, err, &invariant)
}

func TestDuplicateEdgeLabelRejected(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "gate", contracts.NodeGate)
	registerNode(t, l, run.RunID, "sink-a", contracts.NodeSink)
	registerNode(t, l, run.RunID, "sink-b", contracts.NodeSink)

	_, err := l.RegisterEdge(ctx, run.RunID, "gate", "sink-a", "high", contracts.EdgeMove)
	require.NoError(t, err)
	_, err = l.RegisterEdge(ctx, run.RunID, "gate", "sink-b", "high", contracts.EdgeMove)
	require.Error(t, err)
}

func TestNodeStateLifecycle(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "transform", 1, 0,
		map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateOpen, state.Status)
	assert.Len(t, state.InputHash, 64)

	err = l.CompleteNodeState(ctx, state.StateID, StateCompletion{
		Status:     contracts.StateCompleted,
		Output:     map[string]any{"id": 1, "enriched": true},
		DurationMS: 1.5,
	})
	require.NoError(t, err)

	loaded, err := l.GetNodeState(ctx, state.StateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, loaded.Status)
	assert.NotEmpty(t, loaded.OutputHash)
	require.NotNil(t, loaded.CompletedAt)

	// Already closed: second completion must fail.
	err = l.CompleteNodeState(ctx, state.StateID, StateCompletion{
		Status: contracts.StateCompleted, Output: map[string]any{"id": 1},
	})
	require.Error(t, err)
}

func TestCompleteNodeStateEnforcesRequiredFields(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "t", 1, 0, map[string]any{})
	require.NoError(t, err)

	err = l.CompleteNodeState(ctx, state.StateID, StateCompletion{Status: contracts.StateCompleted})
	require.ErrorContains(t, err, "requires an output")

	err = l.CompleteNodeState(ctx, state.StateID, StateCompletion{Status: contracts.StateFailed})
	require.ErrorContains(t, err, "requires a structured error")

	err = l.CompleteNodeState(ctx, state.StateID, StateCompletion{
		Status: contracts.StateFailed,
		Error:  &contracts.ExecutionError{Type: "ValueError", Message: "bad row", Phase: "process"},
	})
	require.NoError(t, err)
}

func TestReaderCrashesOnForgedState(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "t", 1, 0, map[string]any{})
	require.NoError(t, err)

	// Forge a COMPLETED state without an output hash behind the writer's back.
	_, err = l.db.ExecContext(ctx,
		`UPDATE node_states SET status = 'COMPLETED', completed_at = ? WHERE state_id = ?`,
		ts(time.Now()), state.StateID)
	require.NoError(t, err)

	_, err = l.GetNodeState(ctx, state.StateID)
	var integrity *contracts.AuditIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "node_state", integrity.Entity)
}

func TestReaderRejectsUnknownEnumLiteral(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = 'EXPLODED' WHERE run_id = ?`, run.RunID)
	require.NoError(t, err)

	_, err = l.GetRun(ctx, run.RunID)
	var integrity *contracts.AuditIntegrityError
	require.ErrorAs(t, err, &integrity)
}

func TestCallIndexAllocationIsMonotonicPerState(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "llm", 1, 0, map[string]any{})
	require.NoError(t, err)

	auditor := l.CallsForState(state.StateID)
	for want := 0; want < 3; want++ {
		idx, err := auditor.AllocateCallIndex(ctx, state.StateID)
		require.NoError(t, err)
		assert.Equal(t, want, idx)
		_, err = auditor.RecordCall(ctx, contracts.CallRecord{
			CallIndex:    idx,
			CallType:     contracts.CallLLM,
			Status:       contracts.CallSuccess,
			RequestData:  map[string]any{"prompt": want},
			ResponseData: map[string]any{"text": "ok"},
			LatencyMS:    12.5,
		})
		require.NoError(t, err)
	}

	calls, err := l.ListCalls(ctx, state.StateID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, i, call.CallIndex)
	}
}

func TestRecordCallEnforcesAttributionXOR(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()

	_, err := l.RecordCall(ctx, contracts.CallRecord{
		CallType: contracts.CallHTTP, Status: contracts.CallSuccess,
		RequestData: map[string]any{},
	})
	var invariant *contracts.OrchestrationInvariantError
	require.ErrorAs(t, err, &invariant)

	_, err = l.RecordCall(ctx, contracts.CallRecord{
		StateID: "s1", OperationID: "o1",
		CallType: contracts.CallHTTP, Status: contracts.CallSuccess,
		RequestData: map[string]any{},
	})
	require.ErrorAs(t, err, &invariant)
}

func TestErrorCallRequiresDetails(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	op, err := l.BeginOperation(ctx, run.RunID, "sink", contracts.OperationSinkWrite)
	require.NoError(t, err)

	_, err = l.RecordCall(ctx, contracts.CallRecord{
		OperationID: op.OperationID,
		CallType:    contracts.CallHTTP,
		Status:      contracts.CallError,
		RequestData: map[string]any{"url": "https://example.test"},
	})
	require.ErrorContains(t, err, "error details")
}

func TestTokenOutcomeIsExactlyOnce(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	_, err = l.RecordTokenOutcome(ctx, run.RunID, token.TokenID,
		contracts.PendingOutcome{Outcome: contracts.OutcomeCompleted, SinkName: "out"}, "", nil)
	require.NoError(t, err)

	_, err = l.RecordTokenOutcome(ctx, run.RunID, token.TokenID,
		contracts.PendingOutcome{Outcome: contracts.OutcomeFailed}, "", nil)
	require.Error(t, err)

	outcome, err := l.GetTokenOutcome(ctx, token.TokenID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, contracts.OutcomeCompleted, outcome.Outcome)
}

func TestForkAndCoalesceLineage(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	parent, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	children, err := l.ForkTokens(ctx, parent, []string{"path_a", "path_b"})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, children[0].ForkGroupID, children[1].ForkGroupID)
	assert.Equal(t, "path_a", children[0].BranchName)

	merged, err := l.CoalesceTokens(ctx, row.RowID, children)
	require.NoError(t, err)
	parents, err := l.TokenParents(ctx, merged.TokenID)
	require.NoError(t, err)
	assert.Equal(t, []string{children[0].TokenID, children[1].TokenID}, parents)
}

func TestRoutingEventRequiresRegisteredEdge(t *testing.T) {
	l := newLandscape(t)
	_, err := l.RecordRoutingEvent(context.Background(), "state", "",
		contracts.EdgeMove, nil)
	var invariant *contracts.OrchestrationInvariantError
	require.ErrorAs(t, err, &invariant)
}

func TestLineageCountsDiverts(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	registerNode(t, l, run.RunID, "transform", contracts.NodeTransform)
	registerNode(t, l, run.RunID, "errors", contracts.NodeSink)
	edge, err := l.RegisterEdge(ctx, run.RunID, "transform", "errors",
		contracts.ErrorLabel(0), contracts.EdgeDivert)
	require.NoError(t, err)

	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "transform", 1, 0,
		map[string]any{"id": 1})
	require.NoError(t, err)
	_, err = l.RecordRoutingEvent(ctx, state.StateID, edge.EdgeID,
		contracts.EdgeDivert, map[string]any{"error": "bad value"})
	require.NoError(t, err)
	require.NoError(t, l.CompleteNodeState(ctx, state.StateID, StateCompletion{
		Status: contracts.StateFailed,
		Error:  &contracts.ExecutionError{Type: "ValueError", Message: "bad value"},
	}))

	lineage, err := l.Lineage(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, lineage.DivertSummary[contracts.ErrorLabel(0)])
	require.Len(t, lineage.Hops, 1)
	assert.Equal(t, "errors", lineage.Hops[0].Edge.ToNodeID)
}

func TestCheckpointSequenceAndLatest(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cp, err := l.RecordCheckpoint(ctx, CheckpointRecord{
			RunID: run.RunID, TokenID: token.TokenID, NodeID: "sink",
			GraphFingerprint: "fp-1",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), cp.SequenceNumber)
		assert.True(t, strings.HasPrefix(cp.CheckpointID, "cp-"))
		assert.Len(t, cp.CheckpointID, 3+32)
	}

	latest, err := l.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.SequenceNumber)
	assert.Equal(t, CheckpointFormatVersion, latest.FormatVersion)

	none, err := l.LatestCheckpoint(ctx, "missing-run")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBatchLifecycleAndRetry(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	registerNode(t, l, run.RunID, "agg", contracts.NodeAggregation)

	batch, err := l.CreateBatch(ctx, run.RunID, "agg")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchDraft, batch.Status)

	var tokens []string
	for i := 0; i < 2; i++ {
		row, err := l.CreateRow(ctx, run.RunID, "src", i, map[string]any{"i": i})
		require.NoError(t, err)
		token, err := l.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		require.NoError(t, l.AddBatchMember(ctx, batch.BatchID, token.TokenID, i))
		tokens = append(tokens, token.TokenID)
	}

	state, err := l.BeginNodeState(ctx, run.RunID, tokens[0], "agg", 2, 0, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, l.MarkBatchExecuting(ctx, batch.BatchID, state.StateID,
		contracts.TriggerCount, "batch size reached"))
	require.NoError(t, l.CompleteBatch(ctx, batch.BatchID, contracts.BatchFailed))

	retry, err := l.RetryBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, contracts.BatchDraft, retry.Status)

	members, err := l.ListBatchMembers(ctx, retry.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, tokens[0], members[0].TokenID)
	assert.Equal(t, tokens[1], members[1].TokenID)

	// Only FAILED batches retry.
	_, err = l.RetryBatch(ctx, retry.BatchID)
	require.Error(t, err)
}

func TestReplayLookupByRequestHash(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	state, err := l.BeginNodeState(ctx, run.RunID, token.TokenID, "llm", 1, 0, map[string]any{})
	require.NoError(t, err)

	auditor := l.CallsForState(state.StateID)
	idx, err := auditor.AllocateCallIndex(ctx, state.StateID)
	require.NoError(t, err)
	callID, err := auditor.RecordCall(ctx, contracts.CallRecord{
		CallIndex:    idx,
		CallType:     contracts.CallLLM,
		Status:       contracts.CallSuccess,
		RequestData:  map[string]any{"prompt": "classify this"},
		ResponseData: map[string]any{"label": "ok"},
	})
	require.NoError(t, err)

	calls, err := l.ListCalls(ctx, state.StateID)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	found, err := l.FindCallByRequestHash(ctx, run.RunID, contracts.CallLLM,
		calls[0].RequestHash)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, callID, found.CallID)

	miss, err := l.FindCallByRequestHash(ctx, run.RunID, contracts.CallLLM,
		strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestExporterWritesOrderedTrail(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	registerNode(t, l, run.RunID, "out", contracts.NodeSink)
	row, err := l.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1})
	require.NoError(t, err)
	token, err := l.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	_, err = l.RecordTokenOutcome(ctx, run.RunID, token.TokenID,
		contracts.PendingOutcome{Outcome: contracts.OutcomeCompleted, SinkName: "out"}, "", nil)
	require.NoError(t, err)
	require.NoError(t, l.CompleteRun(ctx, run.RunID, contracts.RunCompleted))

	var buf strings.Builder
	require.NoError(t, NewExporter(l).Export(ctx, run.RunID, "audit-file", &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.Contains(t, lines[0], `"table":"runs"`)
	assert.Contains(t, buf.String(), `"table":"token_outcomes"`)

	loaded, err := l.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ExportStatus)
	assert.Equal(t, contracts.ExportCompleted, *loaded.ExportStatus)
}

func TestSummarizeTalliesOutcomes(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)
	registerNode(t, l, run.RunID, "src", contracts.NodeSource)
	for i := 0; i < 3; i++ {
		row, err := l.CreateRow(ctx, run.RunID, "src", i, map[string]any{"i": i})
		require.NoError(t, err)
		token, err := l.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		outcome := contracts.OutcomeCompleted
		if i == 2 {
			outcome = contracts.OutcomeQuarantined
		}
		_, err = l.RecordTokenOutcome(ctx, run.RunID, token.TokenID,
			contracts.PendingOutcome{Outcome: outcome, SinkName: "out"}, "", nil)
		require.NoError(t, err)
	}

	summary, err := l.Summarize(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowCount)
	assert.Equal(t, 3, summary.TokenCount)
	assert.Equal(t, 2, summary.OutcomeTally[contracts.OutcomeCompleted])
	assert.Equal(t, 1, summary.OutcomeTally[contracts.OutcomeQuarantined])
}

func TestOperationLifecycle(t *testing.T) {
	l := newLandscape(t)
	ctx := context.Background()
	run := beginRun(t, l)

	op, err := l.BeginOperation(ctx, run.RunID, "src", contracts.OperationSourceLoad)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateOpen, op.Status)

	err = l.CompleteOperation(ctx, op.OperationID, contracts.StateFailed, 10, "")
	require.ErrorContains(t, err, "error message")

	require.NoError(t, l.CompleteOperation(ctx, op.OperationID,
		contracts.StateCompleted, 10.5, ""))
}

func TestClockInjection(t *testing.T) {
	payloads, err := payload.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := Open(":memory:", payloads, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer l.Close()

	run, err := l.BeginRun(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, fixed, run.StartedAt)

	loaded, err := l.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, loaded.StartedAt.Equal(fixed))
}
