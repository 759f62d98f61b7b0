package checkpoint

import (
	"context"
	"errors"
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

func testGraph(t *testing.T, sinkConfig map[string]any) *dag.Graph {
	t.Helper()
	g, err := dag.NewBuilder().
		AddNode(dag.NodeSpec{
			NodeID: "src", PluginName: "csv", NodeType: contracts.NodeSource,
			PluginVersion: "1.0.0", Determinism: contracts.IORead,
			Config: map[string]any{"path": "in.csv"},
		}).
		AddNode(dag.NodeSpec{
			NodeID: "out", PluginName: "csv_sink", NodeType: contracts.NodeSink,
			PluginVersion: "1.0.0", Determinism: contracts.IOWrite,
			Config: sinkConfig,
		}).
		Connect("src", "out", contracts.LabelContinue, contracts.EdgeMove).
		Build()
	require.NoError(t, err)
	return g
}

// seedRun records a cut-off run: two rows, one finished and checkpointed,
// one left open.
func seedRun(t *testing.T, l *landscape.Landscape, g *dag.Graph) string {
	t.Helper()
	ctx := context.Background()
	run, err := l.BeginRun(ctx, map[string]any{"pipeline": "resume-test"})
	require.NoError(t, err)
	_, err = l.RegisterNode(ctx, run.RunID, landscape.NodeRegistration{
		NodeID: "src", PluginName: "csv", NodeType: contracts.NodeSource,
		PluginVersion: "1.0.0", Determinism: contracts.IORead,
	})
	require.NoError(t, err)

	fingerprint, err := g.Fingerprint()
	require.NoError(t, err)
	upstream, err := g.UpstreamTopologyHash("out")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		row, err := l.CreateRow(ctx, run.RunID, "src", i, map[string]any{"id": i})
		require.NoError(t, err)
		token, err := l.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		if i == 0 {
			_, err = l.RecordTokenOutcome(ctx, run.RunID, token.TokenID,
				contracts.PendingOutcome{Outcome: contracts.OutcomeCompleted, SinkName: "out"}, "", nil)
			require.NoError(t, err)
			_, err = l.RecordCheckpoint(ctx, landscape.CheckpointRecord{
				RunID: run.RunID, TokenID: token.TokenID, NodeID: "out",
				GraphFingerprint:     fingerprint,
				UpstreamTopologyHash: upstream,
			})
			require.NoError(t, err)
		}
	}
	return run.RunID
}

func TestDecideBuildsPlanForMatchingGraph(t *testing.T) {
	l := newLandscape(t)
	g := testGraph(t, map[string]any{"path": "out.csv"})
	runID := seedRun(t, l, g)

	plan, err := NewManager(l, nil).Decide(context.Background(), runID, g)
	require.NoError(t, err)
	assert.Equal(t, runID, plan.RunID)
	assert.True(t, plan.CompletedRows[0])
	assert.False(t, plan.CompletedRows[1])
	assert.Nil(t, plan.Contract) // legacy run: allowed
}

func TestDecideRefusesWithoutCheckpoint(t *testing.T) {
	l := newLandscape(t)
	g := testGraph(t, map[string]any{"path": "out.csv"})
	run, err := l.BeginRun(context.Background(), map[string]any{})
	require.NoError(t, err)

	_, err = NewManager(l, nil).Decide(context.Background(), run.RunID, g)
	var refused *ResumeRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Contains(t, refused.Reason, "no checkpoints")
}

func TestDecideRefusesChangedTopology(t *testing.T) {
	l := newLandscape(t)
	original := testGraph(t, map[string]any{"path": "out.csv"})
	runID := seedRun(t, l, original)

	changed := testGraph(t, map[string]any{"path": "elsewhere.csv"})
	_, err := NewManager(l, nil).Decide(context.Background(), runID, changed)
	var refused *ResumeRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Contains(t, refused.Reason, "changed")
}

func TestDecideRefusesCompletedRun(t *testing.T) {
	l := newLandscape(t)
	g := testGraph(t, map[string]any{"path": "out.csv"})
	runID := seedRun(t, l, g)
	require.NoError(t, l.CompleteRun(context.Background(), runID, contracts.RunCompleted))

	_, err := NewManager(l, nil).Decide(context.Background(), runID, g)
	var refused *ResumeRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Contains(t, refused.Reason, "already completed")
}

func TestDecideSurfacesCorruptedContract(t *testing.T) {
	l := newLandscape(t)
	g := testGraph(t, map[string]any{"path": "out.csv"})
	runID := seedRun(t, l, g)
	ctx := context.Background()

	// A contract whose embedded hash does not match its fields models
	// storage tampering.
	forged := &schema.Contract{
		Mode:   schema.ModeObserved,
		Locked: true,
		Fields: []schema.FieldContract{{
			NormalizedName: "id", OriginalName: "id",
			Type: schema.TypeInt, Source: schema.SourceInferred,
		}},
		VersionHash: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	require.NoError(t, l.SetRunContract(ctx, runID, forged))

	_, err := NewManager(l, nil).Decide(ctx, runID, g)
	var corrupt *contracts.CheckpointCorruptionError
	require.ErrorAs(t, err, &corrupt)
}

type stubSink struct {
	name         string
	resolution   map[string]string
	resumed      bool
	validation   contracts.OutputValidationResult
	validateErr  error
	configureErr error
}

func (s *stubSink) Name() string                       { return s.name }
func (s *stubSink) PluginVersion() string              { return "1.0.0" }
func (s *stubSink) Determinism() contracts.Determinism { return contracts.IOWrite }
func (s *stubSink) Write(ctx context.Context, pc *contracts.PluginContext, rows []map[string]any) (*contracts.ArtifactDescriptor, error) {
	return nil, nil
}
func (s *stubSink) Flush(ctx context.Context) error { return nil }
func (s *stubSink) Close() error                    { return nil }
func (s *stubSink) ConfigureForResume(ctx context.Context) error {
	s.resumed = true
	return s.configureErr
}
func (s *stubSink) ValidateOutputTarget(ctx context.Context) (contracts.OutputValidationResult, error) {
	return s.validation, s.validateErr
}
func (s *stubSink) SetResumeFieldResolution(resolution map[string]string) {
	s.resolution = resolution
}

func fixedContract(t *testing.T) *schema.Contract {
	t.Helper()
	unlocked, err := schema.NewContract(schema.ModeFixed, []schema.FieldContract{
		{NormalizedName: "id", OriginalName: "id", Type: schema.TypeInt, Required: true},
	})
	require.NoError(t, err)
	locked, err := schema.BuildFromFirstRow(unlocked, map[string]any{"id": int64(1)},
		map[string]string{"id": "id"})
	require.NoError(t, err)
	return locked
}

func TestPrepareSinksConfiguresAndValidates(t *testing.T) {
	l := newLandscape(t)
	sink := &stubSink{name: "out", validation: contracts.OutputValidationResult{Valid: true}}
	plan := &Plan{
		RunID:           "run-1",
		FieldResolution: map[string]string{"id": "ID"},
	}

	err := NewManager(l, nil).PrepareSinks(context.Background(), plan,
		map[string]contracts.SinkPlugin{"out": sink})
	require.NoError(t, err)
	assert.True(t, sink.resumed)
	assert.Equal(t, "ID", sink.resolution["id"])
}

func TestPrepareSinksStrictUnderFixedContract(t *testing.T) {
	l := newLandscape(t)
	sink := &stubSink{name: "out", validation: contracts.OutputValidationResult{
		Valid: false, Message: "existing header misses column id",
	}}
	plan := &Plan{RunID: "run-1", Contract: fixedContract(t)}

	err := NewManager(l, nil).PrepareSinks(context.Background(), plan,
		map[string]contracts.SinkPlugin{"out": sink})
	var refused *ResumeRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Contains(t, refused.Reason, "conflicts")
}

func TestPrepareSinksTolerantOutsideFixed(t *testing.T) {
	l := newLandscape(t)
	sink := &stubSink{name: "out", validation: contracts.OutputValidationResult{
		Valid: false, Message: "header drift",
	}}
	plan := &Plan{RunID: "run-1"} // legacy: no contract

	err := NewManager(l, nil).PrepareSinks(context.Background(), plan,
		map[string]contracts.SinkPlugin{"out": sink})
	require.NoError(t, err)
}

func TestPrepareSinksRefusesOnConfigureError(t *testing.T) {
	l := newLandscape(t)
	sink := &stubSink{name: "out", configureErr: errors.New("target is a directory")}
	plan := &Plan{RunID: "run-1"}

	err := NewManager(l, nil).PrepareSinks(context.Background(), plan,
		map[string]contracts.SinkPlugin{"out": sink})
	var refused *ResumeRefusedError
	require.ErrorAs(t, err, &refused)
}
