package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/schema"
)

// BeginRun opens a new run in RUNNING status. The settings map is hashed
// canonically and stored verbatim for replay and provenance.
func (l *Landscape) BeginRun(ctx context.Context, settings map[string]any) (*Run, error) {
	configHash, err := canonicalize.StableHash(settings)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash run settings: %w", err)
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode run settings: %w", err)
	}

	run := &Run{
		RunID:            l.newID(),
		StartedAt:        l.now(),
		ConfigHash:       configHash,
		SettingsJSON:     string(settingsJSON),
		CanonicalVersion: canonicalize.Version,
		Status:           contracts.RunRunning,
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, ts(run.StartedAt), run.ConfigHash, run.SettingsJSON,
		run.CanonicalVersion, string(run.Status))
	if err != nil {
		return nil, fmt.Errorf("landscape: begin run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a run to a terminal status and stamps completed_at.
func (l *Landscape) CompleteRun(ctx context.Context, runID string, status contracts.RunStatus) error {
	if status == contracts.RunRunning {
		return fmt.Errorf("landscape: %s is not a terminal run status", status)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		string(status), ts(l.now()), runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	return requireOneRow(res, "run", runID)
}

// SetRunContract persists the locked run-level schema contract.
func (l *Landscape) SetRunContract(ctx context.Context, runID string, contract *schema.Contract) error {
	if contract == nil || !contract.Locked {
		return fmt.Errorf("landscape: run contract must be locked before persisting")
	}
	data, err := json.Marshal(contract)
	if err != nil {
		return fmt.Errorf("landscape: encode run contract: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET schema_contract_json = ? WHERE run_id = ?`,
		string(data), runID)
	if err != nil {
		return fmt.Errorf("landscape: set run contract: %w", err)
	}
	return requireOneRow(res, "run", runID)
}

// RunContract loads the persisted run contract, verifying its embedded
// version hash. Returns nil when no contract was recorded (legacy runs).
func (l *Landscape) RunContract(ctx context.Context, runID string) (*schema.Contract, error) {
	var raw sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT schema_contract_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("landscape: run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: load run contract: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	contract, err := schema.ParseContract([]byte(raw.String))
	if err != nil {
		return nil, &contracts.CheckpointCorruptionError{RunID: runID, Message: err.Error()}
	}
	return contract, nil
}

// SetFieldResolution persists the source's normalized-to-original field map.
func (l *Landscape) SetFieldResolution(ctx context.Context, runID string, resolution map[string]string) error {
	data, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("landscape: encode field resolution: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET source_field_resolution_json = ? WHERE run_id = ?`,
		string(data), runID)
	if err != nil {
		return fmt.Errorf("landscape: set field resolution: %w", err)
	}
	return requireOneRow(res, "run", runID)
}

// FieldResolution loads the persisted field map, or nil when absent.
func (l *Landscape) FieldResolution(ctx context.Context, runID string) (map[string]string, error) {
	var raw sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT source_field_resolution_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("landscape: run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: load field resolution: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	resolution := map[string]string{}
	if err := json.Unmarshal([]byte(raw.String), &resolution); err != nil {
		return nil, fmt.Errorf("landscape: decode field resolution: %w", err)
	}
	return resolution, nil
}

// SetExportStatus tracks audit export separately from run status. Moving
// away from FAILED clears the stored error so stale diagnostics never
// describe a later, successful export.
func (l *Landscape) SetExportStatus(ctx context.Context, runID string, status contracts.ExportStatus, exportErr string, format, sink string) error {
	if status != contracts.ExportFailed {
		exportErr = ""
	}
	var exportedAt any
	if status == contracts.ExportCompleted {
		exportedAt = ts(l.now())
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET export_status = ?, export_error = ?, exported_at = ?,
			export_format = ?, export_sink = ?
		WHERE run_id = ?`,
		string(status), nullIfEmpty(exportErr), exportedAt,
		nullIfEmpty(format), nullIfEmpty(sink), runID)
	if err != nil {
		return fmt.Errorf("landscape: set export status: %w", err)
	}
	return requireOneRow(res, "run", runID)
}

// NodeRegistration is the input to RegisterNode.
type NodeRegistration struct {
	NodeID             string
	PluginName         string
	NodeType           contracts.NodeType
	PluginVersion      string
	Determinism        contracts.Determinism
	Config             map[string]any
	SequenceInPipeline *int
	SchemaMode         string
	InputContract      *schema.Contract
	OutputContract     *schema.Contract
}

// RegisterNode records a DAG node for a run before any token reaches it.
func (l *Landscape) RegisterNode(ctx context.Context, runID string, reg NodeRegistration) (*Node, error) {
	if reg.NodeID == "" {
		return nil, &contracts.OrchestrationInvariantError{Message: "node registration without node_id"}
	}
	configHash, err := canonicalize.StableHash(reg.Config)
	if err != nil {
		return nil, fmt.Errorf("landscape: hash node config: %w", err)
	}
	configJSON, err := json.Marshal(reg.Config)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode node config: %w", err)
	}
	inputJSON, err := marshalContract(reg.InputContract)
	if err != nil {
		return nil, err
	}
	outputJSON, err := marshalContract(reg.OutputContract)
	if err != nil {
		return nil, err
	}

	node := &Node{
		NodeID:             reg.NodeID,
		RunID:              runID,
		PluginName:         reg.PluginName,
		NodeType:           reg.NodeType,
		PluginVersion:      reg.PluginVersion,
		Determinism:        reg.Determinism,
		ConfigHash:         configHash,
		ConfigJSON:         string(configJSON),
		SequenceInPipeline: reg.SequenceInPipeline,
		SchemaMode:         reg.SchemaMode,
		InputContractJSON:  inputJSON,
		OutputContractJSON: outputJSON,
		RegisteredAt:       l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version,
			determinism, config_hash, config_json, sequence_in_pipeline, schema_mode,
			input_contract_json, output_contract_json, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.NodeID, node.RunID, node.PluginName, string(node.NodeType),
		node.PluginVersion, string(node.Determinism), node.ConfigHash,
		node.ConfigJSON, nullIfNilInt(node.SequenceInPipeline),
		nullIfEmpty(node.SchemaMode), nullIfEmpty(node.InputContractJSON),
		nullIfEmpty(node.OutputContractJSON), ts(node.RegisteredAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: register node %s: %w", node.NodeID, err)
	}
	return node, nil
}

// SetNodeOutputContract records the contract a node settled on after its
// first row, for OBSERVED and inferred schemas.
func (l *Landscape) SetNodeOutputContract(ctx context.Context, runID, nodeID string, contract *schema.Contract) error {
	data, err := marshalContract(contract)
	if err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE nodes SET output_contract_json = ? WHERE run_id = ? AND node_id = ?`,
		nullIfEmpty(data), runID, nodeID)
	if err != nil {
		return fmt.Errorf("landscape: set node output contract: %w", err)
	}
	return requireOneRow(res, "node", nodeID)
}

// RegisterEdge records a labeled edge. (run_id, from, label) is unique, so a
// second edge with the same label off the same node is rejected.
func (l *Landscape) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode contracts.EdgeMode) (*Edge, error) {
	edge := &Edge{
		EdgeID:      l.newID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label,
		string(edge.DefaultMode), ts(edge.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: register edge %s -[%s]-> %s: %w",
			fromNodeID, label, toNodeID, err)
	}
	return edge, nil
}

// BeginOperation opens a node-level I/O block (source load or sink write).
func (l *Landscape) BeginOperation(ctx context.Context, runID, nodeID string, opType contracts.OperationType) (*Operation, error) {
	op := &Operation{
		OperationID:   l.newID(),
		RunID:         runID,
		NodeID:        nodeID,
		OperationType: opType,
		Status:        contracts.StateOpen,
		StartedAt:     l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, run_id, node_id, operation_type, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.RunID, op.NodeID, string(op.OperationType),
		string(op.Status), ts(op.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: begin operation: %w", err)
	}
	return op, nil
}

// CompleteOperation closes an operation block.
func (l *Landscape) CompleteOperation(ctx context.Context, operationID string, status contracts.StateStatus, durationMS float64, errMsg string) error {
	if status != contracts.StateCompleted && status != contracts.StateFailed {
		return fmt.Errorf("landscape: %s is not a terminal operation status", status)
	}
	if status == contracts.StateFailed && errMsg == "" {
		return fmt.Errorf("landscape: failed operation requires an error message")
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, completed_at = ?, duration_ms = ?, error_message = ?
		WHERE operation_id = ?`,
		string(status), ts(l.now()), durationMS, nullIfEmpty(errMsg), operationID)
	if err != nil {
		return fmt.Errorf("landscape: complete operation: %w", err)
	}
	return requireOneRow(res, "operation", operationID)
}

func marshalContract(c *schema.Contract) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("landscape: encode contract: %w", err)
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNilInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func requireOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("landscape: %s %s not found", entity, id)
	}
	return nil
}
