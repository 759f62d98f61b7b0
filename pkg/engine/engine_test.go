package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/dag"
	"github.com/elspeth-io/elspeth/pkg/landscape"
	"github.com/elspeth-io/elspeth/pkg/payload"
	"github.com/elspeth-io/elspeth/pkg/schema"
)

func newLandscape(t *testing.T) *landscape.Landscape {
	t.Helper()
	payloads, err := payload.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, err := landscape.Open(":memory:", payloads)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func lockedContract(t *testing.T, first map[string]any) *schema.Contract {
	t.Helper()
	resolution := make(map[string]string, len(first))
	for k := range first {
		resolution[k] = k
	}
	unlocked, err := schema.NewContract(schema.ModeObserved, nil)
	require.NoError(t, err)
	locked, err := schema.BuildFromFirstRow(unlocked, first, resolution)
	require.NoError(t, err)
	return locked
}

// stubSource emits a fixed list of records.
type stubSource struct {
	records []contracts.SourceRow
	closed  bool
}

func (s *stubSource) Name() string                       { return "stub-source" }
func (s *stubSource) PluginVersion() string              { return "1.0.0" }
func (s *stubSource) Determinism() contracts.Determinism { return contracts.IORead }
func (s *stubSource) OutputSchema() *schema.Contract     { return nil }
func (s *stubSource) FieldResolution() map[string]string { return nil }
func (s *stubSource) OnStart(ctx context.Context, pc *contracts.PluginContext) error {
	return nil
}
func (s *stubSource) Load(ctx context.Context, pc *contracts.PluginContext) (contracts.SourceIterator, error) {
	return &sliceIterator{records: s.records}, nil
}
func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type sliceIterator struct {
	records []contracts.SourceRow
	pos     int
}

func (it *sliceIterator) Next(ctx context.Context) (contracts.SourceRow, bool, error) {
	if it.pos >= len(it.records) {
		return contracts.SourceRow{}, false, nil
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, true, nil
}
func (it *sliceIterator) Close() error { return nil }

func validRecord(t *testing.T, contract *schema.Contract, data map[string]any) contracts.SourceRow {
	t.Helper()
	row, err := schema.NewPipelineRow(data, contract)
	require.NoError(t, err)
	return contracts.SourceRow{Row: row}
}

// upperTransform uppercases the name field.
type upperTransform struct{}

func (upperTransform) Name() string                       { return "upper" }
func (upperTransform) PluginVersion() string              { return "1.0.0" }
func (upperTransform) Determinism() contracts.Determinism { return contracts.Deterministic }
func (upperTransform) Process(ctx context.Context, pc *contracts.PluginContext, row map[string]any) contracts.TransformResult {
	if name, ok := row["name"].(string); ok {
		row["name"] = strings.ToUpper(name)
	}
	return contracts.TransformSuccess(row, map[string]any{"uppercased": "name"})
}

// failTransform always fails with a structured reason.
type failTransform struct{}

func (failTransform) Name() string                       { return "fail" }
func (failTransform) PluginVersion() string              { return "1.0.0" }
func (failTransform) Determinism() contracts.Determinism { return contracts.Deterministic }
func (failTransform) Process(ctx context.Context, pc *contracts.PluginContext, row map[string]any) contracts.TransformResult {
	return contracts.TransformError(map[string]any{
		"reason":     "permanent_error",
		"error_type": "SyntheticError",
		"error":      "synthetic failure",
	}, false)
}

// labelGate routes rows whose route field names an edge label.
type labelGate struct{}

func (labelGate) Name() string                       { return "label-gate" }
func (labelGate) PluginVersion() string              { return "1.0.0" }
func (labelGate) Determinism() contracts.Determinism { return contracts.Deterministic }
func (labelGate) Evaluate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (contracts.GateResult, error) {
	label, _ := row["route"].(string)
	action := contracts.Continue()
	if label != "" && label != "continue" {
		action = contracts.Route(label, map[string]any{"matched": label})
	}
	return contracts.GateResult{
		TransformResult: contracts.TransformSuccess(row, nil),
		Action:          action,
	}, nil
}

// forkGate duplicates every row down both branches.
type forkGate struct{}

func (forkGate) Name() string                       { return "fork-gate" }
func (forkGate) PluginVersion() string              { return "1.0.0" }
func (forkGate) Determinism() contracts.Determinism { return contracts.Deterministic }
func (forkGate) Evaluate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (contracts.GateResult, error) {
	return contracts.GateResult{
		TransformResult: contracts.TransformSuccess(row, nil),
		Action: contracts.ForkToPaths([]string{"left", "right"},
			map[string]any{"fanout": 2}),
	}, nil
}

// unionCoalesce merges branch rows, prefixing keys with the branch name.
type unionCoalesce struct{}

func (unionCoalesce) Name() string                       { return "union" }
func (unionCoalesce) PluginVersion() string              { return "1.0.0" }
func (unionCoalesce) Determinism() contracts.Determinism { return contracts.Deterministic }
func (unionCoalesce) Policy() string                     { return "union" }
func (unionCoalesce) Merge(ctx context.Context, pc *contracts.PluginContext, branches map[string]map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	for branch, data := range branches {
		for k, v := range data {
			merged[branch+"_"+k] = v
		}
	}
	return merged, nil
}

// countAgg flushes every `limit` rows with a single count row.
type countAgg struct {
	limit int
	buf   []map[string]any
}

func (a *countAgg) Name() string                       { return "count" }
func (a *countAgg) PluginVersion() string              { return "1.0.0" }
func (a *countAgg) Determinism() contracts.Determinism { return contracts.Deterministic }
func (a *countAgg) Accumulate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (bool, contracts.TriggerType, string, error) {
	a.buf = append(a.buf, row)
	if len(a.buf) >= a.limit {
		return true, contracts.TriggerCount, "count reached", nil
	}
	return false, "", "", nil
}
func (a *countAgg) Flush(ctx context.Context, pc *contracts.PluginContext) ([]map[string]any, error) {
	n := len(a.buf)
	a.buf = nil
	return []map[string]any{{"count": int64(n)}}, nil
}
func (a *countAgg) Pending() int { return len(a.buf) }

// memSink collects rows in memory.
type memSink struct {
	name     string
	rows     []map[string]any
	writeErr error
	flushErr error
	flushes  int
}

func (s *memSink) Name() string                       { return s.name }
func (s *memSink) PluginVersion() string              { return "1.0.0" }
func (s *memSink) Determinism() contracts.Determinism { return contracts.IOWrite }
func (s *memSink) Write(ctx context.Context, pc *contracts.PluginContext, rows []map[string]any) (*contracts.ArtifactDescriptor, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	s.rows = append(s.rows, rows...)
	return &contracts.ArtifactDescriptor{
		PathOrURI:    "mem://" + s.name,
		ArtifactType: "memory",
		ContentHash:  "0000",
		SizeBytes:    int64(len(s.rows)),
	}, nil
}
func (s *memSink) Flush(ctx context.Context) error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushes++
	return nil
}
func (s *memSink) Close() error                                 { return nil }
func (s *memSink) ConfigureForResume(ctx context.Context) error { return nil }
func (s *memSink) ValidateOutputTarget(ctx context.Context) (contracts.OutputValidationResult, error) {
	return contracts.OutputValidationResult{Valid: true}, nil
}
func (s *memSink) SetResumeFieldResolution(resolution map[string]string) {}

func linearGraph(t *testing.T, onError contracts.ErrorPolicy) *dag.Graph {
	t.Helper()
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "xform", PluginName: "upper", NodeType: contracts.NodeTransform,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic, OnError: onError}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "xform", contracts.LabelContinue, contracts.EdgeMove).
		Connect("xform", "out", contracts.LabelContinue, contracts.EdgeMove).
		Build()
	require.NoError(t, err)
	return g
}

func TestExecuteLinearPipeline(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	sink := &memSink{name: "out"}

	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
			validRecord(t, contract, map[string]any{"id": int64(2), "name": "grace"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": sink},
	}, map[string]any{"pipeline": "linear"})
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, report.Status)
	assert.Equal(t, 2, report.RowsProcessed)

	require.Len(t, sink.rows, 2)
	assert.Equal(t, "ADA", sink.rows[0]["name"])
	assert.Equal(t, 2, sink.flushes)

	ctx := context.Background()
	run, err := l.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, run.Status)

	// One terminal outcome per token, recorded by the sink executor.
	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, oc := range outcomes {
		assert.Equal(t, contracts.OutcomeCompleted, oc.Outcome)
		assert.Equal(t, "out", oc.SinkName)
	}

	// A checkpoint after each durable write, carrying the fingerprint.
	cps, err := l.ListCheckpoints(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	fingerprint, err := g.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fingerprint, cps[0].GraphFingerprint)

	// The run contract and field resolution were persisted off row zero.
	stored, err := l.RunContract(ctx, report.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, contract.VersionHash, stored.VersionHash)

	artifacts, err := l.ListArtifacts(ctx, report.RunID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)
}

func TestExecuteRecordsNodeStatesAndRouting(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})

	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	rows, err := l.ListRows(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	tokens, err := l.ListTokensForRow(ctx, rows[0].RowID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	states, err := l.ListNodeStates(ctx, tokens[0].TokenID)
	require.NoError(t, err)
	require.Len(t, states, 3) // source, transform, sink
	assert.Equal(t, "src", states[0].NodeID)
	assert.Equal(t, "xform", states[1].NodeID)
	assert.Equal(t, "out", states[2].NodeID)
	for _, st := range states {
		assert.Equal(t, contracts.StateCompleted, st.Status)
	}

	lineage, err := l.Lineage(ctx, tokens[0].TokenID)
	require.NoError(t, err)
	assert.Len(t, lineage.Hops, 2) // src->xform, xform->out
}

func TestQuarantinedRowDivertsToQuarantineSink(t *testing.T) {
	l := newLandscape(t)
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		AddNode(dag.NodeSpec{NodeID: "quarantine", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "out", contracts.LabelContinue, contracts.EdgeMove).
		Connect("src", "quarantine", contracts.LabelQuarantine, contracts.EdgeDivert).
		Build()
	require.NoError(t, err)

	contract := lockedContract(t, map[string]any{"id": int64(1)})
	quarantineSink := &memSink{name: "quarantine"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1)}),
			{
				Quarantined: true,
				RawData:     map[string]any{"id": "not-an-int"},
				Error:       `field "id" expects int, got string`,
				Destination: "quarantine",
			},
		}}},
		Sinks: map[string]contracts.SinkPlugin{
			"out":        &memSink{name: "out"},
			"quarantine": quarantineSink,
		},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsProcessed)
	assert.Equal(t, 1, report.RowsQuarantined)
	require.Len(t, quarantineSink.rows, 1)

	ctx := context.Background()
	ves, err := l.ListValidationErrors(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, ves, 1)
	assert.Equal(t, "quarantine", ves[0].Destination)

	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	quarantined := 0
	for _, oc := range outcomes {
		if oc.Outcome == contracts.OutcomeQuarantined {
			quarantined++
			assert.Equal(t, "quarantine", oc.SinkName)
			assert.NotEmpty(t, oc.ErrorHash)
		}
	}
	assert.Equal(t, 1, quarantined)
}

func TestGateRoutesByLabel(t *testing.T) {
	l := newLandscape(t)
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "gate", PluginName: "label-gate", NodeType: contracts.NodeGate,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic}).
		AddNode(dag.NodeSpec{NodeID: "main", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		AddNode(dag.NodeSpec{NodeID: "alt", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "gate", contracts.LabelContinue, contracts.EdgeMove).
		Connect("gate", "main", contracts.LabelContinue, contracts.EdgeMove).
		Connect("gate", "alt", "flagged", contracts.EdgeMove).
		Build()
	require.NoError(t, err)

	contract := lockedContract(t, map[string]any{"id": int64(1), "route": "continue"})
	mainSink := &memSink{name: "main"}
	altSink := &memSink{name: "alt"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "route": "continue"}),
			validRecord(t, contract, map[string]any{"id": int64(2), "route": "flagged"}),
		}}},
		Gates: map[string]contracts.GatePlugin{"gate": labelGate{}},
		Sinks: map[string]contracts.SinkPlugin{"main": mainSink, "alt": altSink},
	}, nil)
	require.NoError(t, err)

	_, err = o.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, mainSink.rows, 1)
	assert.Len(t, altSink.rows, 1)
	assert.Equal(t, int64(2), altSink.rows[0]["id"])
}

func TestForkAndCoalesce(t *testing.T) {
	l := newLandscape(t)
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "fork", PluginName: "fork-gate", NodeType: contracts.NodeGate,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic}).
		AddNode(dag.NodeSpec{NodeID: "join", PluginName: "union", NodeType: contracts.NodeCoalesce,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "fork", contracts.LabelContinue, contracts.EdgeMove).
		Connect("fork", "join", "left", contracts.EdgeCopy).
		Connect("fork", "join", "right", contracts.EdgeCopy).
		Connect("join", "out", contracts.LabelContinue, contracts.EdgeMove).
		Build()
	require.NoError(t, err)

	contract := lockedContract(t, map[string]any{"id": int64(1)})
	sink := &memSink{name: "out"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1)}),
		}}},
		Gates:     map[string]contracts.GatePlugin{"fork": forkGate{}},
		Coalesces: map[string]contracts.CoalescePlugin{"join": unionCoalesce{}},
		Sinks:     map[string]contracts.SinkPlugin{"out": sink},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.rows, 1)
	assert.Equal(t, int64(1), sink.rows[0]["left_id"])
	assert.Equal(t, int64(1), sink.rows[0]["right_id"])

	ctx := context.Background()
	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	tally := map[contracts.Outcome]int{}
	for _, oc := range outcomes {
		tally[oc.Outcome]++
	}
	assert.Equal(t, 1, tally[contracts.OutcomeForked])
	assert.Equal(t, 2, tally[contracts.OutcomeCoalesced])
	assert.Equal(t, 1, tally[contracts.OutcomeCompleted])
}

func TestAggregationBatchLifecycle(t *testing.T) {
	l := newLandscape(t)
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "agg", PluginName: "count", NodeType: contracts.NodeAggregation,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "agg", contracts.LabelContinue, contracts.EdgeMove).
		Connect("agg", "out", contracts.LabelContinue, contracts.EdgeMove).
		Build()
	require.NoError(t, err)

	contract := lockedContract(t, map[string]any{"id": int64(1)})
	sink := &memSink{name: "out"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1)}),
			validRecord(t, contract, map[string]any{"id": int64(2)}),
			validRecord(t, contract, map[string]any{"id": int64(3)}),
		}}},
		Aggregations: map[string]contracts.AggregationPlugin{"agg": &countAgg{limit: 2}},
		Sinks:        map[string]contracts.SinkPlugin{"out": sink},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)

	// Two batches: one count trigger (2 rows), one end-of-input flush (1).
	require.Len(t, sink.rows, 2)
	assert.Equal(t, int64(2), sink.rows[0]["count"])
	assert.Equal(t, int64(1), sink.rows[1]["count"])

	ctx := context.Background()
	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	consumed := 0
	for _, oc := range outcomes {
		if oc.Outcome == contracts.OutcomeConsumedInBatch {
			consumed++
			assert.NotEmpty(t, oc.BatchID)
		}
	}
	assert.Equal(t, 3, consumed)
}

func TestTransformErrorPolicyRoute(t *testing.T) {
	l := newLandscape(t)
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "xform", PluginName: "fail", NodeType: contracts.NodeTransform,
			PluginVersion: "1.0.0", Determinism: contracts.Deterministic, OnError: contracts.ErrorPolicyRoute}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		AddNode(dag.NodeSpec{NodeID: "errors", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "xform", contracts.LabelContinue, contracts.EdgeMove).
		Connect("xform", "out", contracts.LabelContinue, contracts.EdgeMove).
		Connect("xform", "errors", contracts.ErrorLabel(0), contracts.EdgeDivert).
		Build()
	require.NoError(t, err)

	contract := lockedContract(t, map[string]any{"id": int64(1)})
	errorSink := &memSink{name: "errors"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1)}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": failTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}, "errors": errorSink},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, report.Status)
	require.Len(t, errorSink.rows, 1)

	ctx := context.Background()
	tes, err := l.ListTransformErrors(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, tes, 1)
	assert.Equal(t, "errors", tes[0].Destination)

	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRouted, outcomes[0].Outcome)
	assert.NotEmpty(t, outcomes[0].ErrorHash)
}

func TestTransformErrorPolicyDiscard(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyDiscard)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	sink := &memSink{name: "out"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": failTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": sink},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, report.Status)
	assert.Empty(t, sink.rows)

	outcomes, err := l.ListOutcomes(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeFailed, outcomes[0].Outcome)
}

func TestTransformErrorPolicyRaiseFailsRun(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": failTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, contracts.RunFailed, report.Status)

	run, err := l.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
}

func TestSinkFlushFailureFailsRunWithFlushPhase(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	sink := &memSink{name: "out", flushErr: errors.New("disk full")}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": sink},
	}, nil)
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, contracts.RunFailed, report.Status)

	// No outcome and no checkpoint for the undurable token.
	ctx := context.Background()
	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	cps, err := l.ListCheckpoints(ctx, report.RunID)
	require.NoError(t, err)
	assert.Empty(t, cps)

	rows, err := l.ListRows(ctx, report.RunID)
	require.NoError(t, err)
	tokens, err := l.ListTokensForRow(ctx, rows[0].RowID)
	require.NoError(t, err)
	states, err := l.ListNodeStates(ctx, tokens[0].TokenID)
	require.NoError(t, err)
	last := states[len(states)-1]
	require.Equal(t, contracts.StateFailed, last.Status)
	var execErr contracts.ExecutionError
	require.NoError(t, json.Unmarshal([]byte(last.ErrorJSON), &execErr))
	assert.Equal(t, "flush", execErr.Phase)
}

func TestCheckpointWriteFailureAfterFlushKeepsRunDurable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	payloads, err := payload.NewFileStore(t.TempDir())
	require.NoError(t, err)
	l, err := landscape.New(db, payloads)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	// Checkpoint inserts fail while every other audit write succeeds.
	_, err = db.Exec(`CREATE TRIGGER checkpoint_io_failure
		BEFORE INSERT ON checkpoints
		BEGIN SELECT RAISE(ABORT, 'disk error'); END`)
	require.NoError(t, err)

	var logs bytes.Buffer
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	sink := &memSink{name: "out"}
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": sink},
	}, nil, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	// The flush already made the write durable; a failed checkpoint must
	// not fail the run, only widen the at-least-once replay window.
	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, report.Status)
	require.Len(t, sink.rows, 1)
	assert.Equal(t, 1, sink.flushes)

	ctx := context.Background()
	outcomes, err := l.ListOutcomes(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeCompleted, outcomes[0].Outcome)

	cps, err := l.ListCheckpoints(ctx, report.RunID)
	require.NoError(t, err)
	assert.Empty(t, cps)

	rows, err := l.ListRows(ctx, report.RunID)
	require.NoError(t, err)
	tokens, err := l.ListTokensForRow(ctx, rows[0].RowID)
	require.NoError(t, err)
	states, err := l.ListNodeStates(ctx, tokens[0].TokenID)
	require.NoError(t, err)
	last := states[len(states)-1]
	assert.Equal(t, "out", last.NodeID)
	assert.Equal(t, contracts.StateCompleted, last.Status)

	assert.Contains(t, logs.String(), "checkpoint write failed after durable sink flush")
	assert.Contains(t, logs.String(), tokens[0].TokenID)
}

func TestResumeSkipsCompletedRows(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	records := []contracts.SourceRow{
		validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		validRecord(t, contract, map[string]any{"id": int64(2), "name": "grace"}),
	}

	sink := &memSink{name: "out"}
	o, err := New(g, l, Plugins{
		Sources:    map[string]contracts.SourcePlugin{"src": &stubSource{records: records}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": sink},
	}, nil)
	require.NoError(t, err)
	first, err := o.Execute(context.Background())
	require.NoError(t, err)

	resumeSink := &memSink{name: "out"}
	o2, err := New(g, l, Plugins{
		Sources:    map[string]contracts.SourcePlugin{"src": &stubSource{records: records}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": resumeSink},
	}, nil)
	require.NoError(t, err)

	report, err := o2.Resume(context.Background(), first.RunID, map[int]bool{0: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsSkipped)
	assert.Equal(t, 1, report.RowsProcessed)

	// Row 1 was re-delivered (at-least-once), row 0 was not.
	require.Len(t, resumeSink.rows, 1)
	assert.Equal(t, "GRACE", resumeSink.rows[0]["name"])
}

func TestExportAtEndOfRun(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)
	contract := lockedContract(t, map[string]any{"id": int64(1), "name": "ada"})
	var buf bytes.Buffer
	o, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{records: []contracts.SourceRow{
			validRecord(t, contract, map[string]any{"id": int64(1), "name": "ada"}),
		}}},
		Transforms: map[string]contracts.TransformPlugin{"xform": upperTransform{}},
		Sinks:      map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}},
	}, nil, WithExport("audit", &buf))
	require.NoError(t, err)

	report, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"table":"runs"`)

	run, err := l.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.ExportStatus)
	assert.Equal(t, contracts.ExportCompleted, *run.ExportStatus)
}

func TestNewRejectsUnboundPluginsAndBadVersions(t *testing.T) {
	l := newLandscape(t)
	g := linearGraph(t, contracts.ErrorPolicyRaise)

	_, err := New(g, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{}},
		Sinks:   map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}},
	}, nil)
	var cfgErr *contracts.PluginConfigError
	require.ErrorAs(t, err, &cfgErr)

	bad, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{NodeID: "src", PluginName: "stub-source", NodeType: contracts.NodeSource,
			PluginVersion: "not-a-version", Determinism: contracts.IORead}).
		AddNode(dag.NodeSpec{NodeID: "out", PluginName: "mem", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite}).
		Connect("src", "out", contracts.LabelContinue, contracts.EdgeMove).
		Build()
	require.NoError(t, err)
	_, err = New(bad, l, Plugins{
		Sources: map[string]contracts.SourcePlugin{"src": &stubSource{}},
		Sinks:   map[string]contracts.SinkPlugin{"out": &memSink{name: "out"}},
	}, nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "semver")
}
