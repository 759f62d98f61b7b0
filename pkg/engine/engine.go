// Package engine drives a pipeline run: it registers the graph with the
// audit store, pulls rows from the source, advances each token node by
// node, and delegates to one executor per node kind. The orchestrator is
// single-threaded per run; parallelism lives inside pooled plugins.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/dag"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// Plugins binds node ids to plugin instances. Every non-source node id in
// the graph must appear in exactly one map.
type Plugins struct {
	Sources      map[string]contracts.SourcePlugin
	Transforms   map[string]contracts.TransformPlugin
	Gates        map[string]contracts.GatePlugin
	Aggregations map[string]contracts.AggregationPlugin
	Coalesces    map[string]contracts.CoalescePlugin
	Sinks        map[string]contracts.SinkPlugin
}

// Report summarizes a finished run.
type Report struct {
	RunID           string
	Status          contracts.RunStatus
	RowsProcessed   int
	RowsQuarantined int
	RowsSkipped     int
}

// Envelope is one token in flight: the minted token, its source row, the
// current row data, and an optional precomputed terminal outcome that the
// sink executor records instead of COMPLETED.
type Envelope struct {
	Token   *landscape.Token
	Row     *landscape.Row
	Data    map[string]any
	Pending *contracts.PendingOutcome

	// sourceStateID anchors routing events for edges leaving the source.
	sourceStateID string
	// memberStateID is the PENDING state parked while the token waits in an
	// aggregation batch.
	memberStateID string
}

// Orchestrator executes one graph against one landscape.
type Orchestrator struct {
	graph    *dag.Graph
	ls       *landscape.Landscape
	plugins  Plugins
	settings map[string]any

	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	exportSink   string
	exportWriter io.Writer

	// Per-run state, reset by execute.
	runID       string
	edgeIDs     map[string]map[string]string
	fingerprint string
	aggregates  map[string]*aggregationBuffer
	coalesces   map[string]*coalesceBuffer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTracer sets the tracer for per-node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithClock overrides timing for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithExport streams the audit trail to w at end of run. Export failure is
// recorded on the run and logged; it never fails a completed pipeline.
func WithExport(sinkName string, w io.Writer) Option {
	return func(o *Orchestrator) {
		o.exportSink = sinkName
		o.exportWriter = w
	}
}

// New builds an orchestrator. Every node in the graph must have a plugin
// bound under its id, and every plugin version must parse as semver.
func New(graph *dag.Graph, ls *landscape.Landscape, plugins Plugins, settings map[string]any, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		graph:    graph,
		ls:       ls,
		plugins:  plugins,
		settings: settings,
		logger:   slog.Default(),
		tracer:   otel.Tracer("elspeth/engine"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, id := range graph.NodeIDs() {
		spec, _ := graph.Node(id)
		if _, err := semver.NewVersion(spec.PluginVersion); err != nil {
			return nil, &contracts.PluginConfigError{
				Plugin:  spec.PluginName,
				Message: fmt.Sprintf("plugin version %q is not semver: %v", spec.PluginVersion, err),
			}
		}
		if err := o.pluginBound(id, spec.NodeType); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator) pluginBound(nodeID string, kind contracts.NodeType) error {
	var ok bool
	switch kind {
	case contracts.NodeSource:
		_, ok = o.plugins.Sources[nodeID]
	case contracts.NodeTransform:
		_, ok = o.plugins.Transforms[nodeID]
	case contracts.NodeGate:
		_, ok = o.plugins.Gates[nodeID]
	case contracts.NodeAggregation:
		_, ok = o.plugins.Aggregations[nodeID]
	case contracts.NodeCoalesce:
		_, ok = o.plugins.Coalesces[nodeID]
	case contracts.NodeSink:
		_, ok = o.plugins.Sinks[nodeID]
	}
	if !ok {
		return &contracts.PluginConfigError{
			Plugin:  nodeID,
			Message: fmt.Sprintf("no %s plugin bound for node %q", kind, nodeID),
		}
	}
	return nil
}

// Execute starts a fresh run and drives it to a terminal status.
func (o *Orchestrator) Execute(ctx context.Context) (*Report, error) {
	run, err := o.ls.BeginRun(ctx, o.settings)
	if err != nil {
		return nil, err
	}
	if err := o.register(ctx, run.RunID); err != nil {
		o.failRun(ctx, run.RunID)
		return nil, err
	}
	return o.execute(ctx, run.RunID, nil, nil)
}

// Resume continues a cut-off run. The caller has already passed the resume
// protocol; completedRows are skipped, everything else is re-delivered
// (at-least-once against the sinks).
func (o *Orchestrator) Resume(ctx context.Context, runID string, completedRows map[int]bool) (*Report, error) {
	if err := o.loadEdges(ctx, runID); err != nil {
		return nil, err
	}
	existing, err := o.existingRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, runID, completedRows, existing)
}

// register writes the graph topology into the landscape before any token
// moves.
func (o *Orchestrator) register(ctx context.Context, runID string) error {
	o.edgeIDs = make(map[string]map[string]string)
	for seq, id := range o.graph.NodeIDs() {
		spec, _ := o.graph.Node(id)
		seqCopy := seq
		reg := landscape.NodeRegistration{
			NodeID:             id,
			PluginName:         spec.PluginName,
			NodeType:           spec.NodeType,
			PluginVersion:      spec.PluginVersion,
			Determinism:        spec.Determinism,
			Config:             spec.Config,
			SequenceInPipeline: &seqCopy,
		}
		if spec.NodeType == contracts.NodeSource {
			if schema := o.plugins.Sources[id].OutputSchema(); schema != nil {
				reg.SchemaMode = string(schema.Mode)
				reg.OutputContract = schema
			}
		}
		if _, err := o.ls.RegisterNode(ctx, runID, reg); err != nil {
			return err
		}
	}
	for _, e := range o.graph.Edges() {
		edge, err := o.ls.RegisterEdge(ctx, runID, e.From, e.To, e.Label, e.Mode)
		if err != nil {
			return err
		}
		o.rememberEdge(e.From, e.Label, edge.EdgeID)
	}
	return nil
}

func (o *Orchestrator) rememberEdge(from, label, edgeID string) {
	labels, ok := o.edgeIDs[from]
	if !ok {
		labels = make(map[string]string)
		o.edgeIDs[from] = labels
	}
	labels[label] = edgeID
}

// loadEdges restores the edge-id map from a prior run's registration.
func (o *Orchestrator) loadEdges(ctx context.Context, runID string) error {
	edges, err := o.ls.ListEdges(ctx, runID)
	if err != nil {
		return err
	}
	o.edgeIDs = make(map[string]map[string]string)
	for _, e := range edges {
		o.rememberEdge(e.FromNodeID, e.Label, e.EdgeID)
	}
	return nil
}

func (o *Orchestrator) existingRows(ctx context.Context, runID string) (map[int]*landscape.Row, error) {
	rows, err := o.ls.ListRows(ctx, runID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*landscape.Row, len(rows))
	for i := range rows {
		byIndex[rows[i].RowIndex] = rows[i]
	}
	return byIndex, nil
}

// edgeID resolves the registered edge for (from, label). An unregistered
// edge at routing time is an engine bug, not an input error.
func (o *Orchestrator) edgeID(from, label string) (string, error) {
	id, ok := o.edgeIDs[from][label]
	if !ok {
		return "", &contracts.OrchestrationInvariantError{
			Message: fmt.Sprintf("no registered edge %s -[%s]->", from, label),
		}
	}
	return id, nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID string) {
	if err := o.ls.CompleteRun(ctx, runID, contracts.RunFailed); err != nil {
		o.logger.Error("run status update failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) durationMS(started time.Time) float64 {
	return float64(o.clock().Sub(started)) / float64(time.Millisecond)
}
