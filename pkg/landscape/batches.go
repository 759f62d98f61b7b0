package landscape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// CreateBatch opens a DRAFT batch for an aggregation node.
func (l *Landscape) CreateBatch(ctx context.Context, runID, aggregationNodeID string) (*Batch, error) {
	batch := &Batch{
		BatchID:           l.newID(),
		RunID:             runID,
		AggregationNodeID: aggregationNodeID,
		Status:            contracts.BatchDraft,
		CreatedAt:         l.now(),
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		batch.BatchID, batch.RunID, batch.AggregationNodeID,
		string(batch.Status), ts(batch.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: create batch: %w", err)
	}
	return batch, nil
}

// AddBatchMember appends a consumed token to a batch, preserving input
// order through the ordinal.
func (l *Landscape) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES (?, ?, ?)`,
		batchID, tokenID, ordinal)
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}
	return nil
}

// MarkBatchExecuting moves a DRAFT batch to EXECUTING and binds it to the
// aggregation node_state that is flushing it.
func (l *Landscape) MarkBatchExecuting(ctx context.Context, batchID, aggregationStateID string, triggerType contracts.TriggerType, triggerReason string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, aggregation_state_id = ?, trigger_type = ?, trigger_reason = ?
		WHERE batch_id = ? AND status = ?`,
		string(contracts.BatchExecuting), aggregationStateID, string(triggerType),
		nullIfEmpty(triggerReason), batchID, string(contracts.BatchDraft))
	if err != nil {
		return fmt.Errorf("landscape: mark batch executing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("landscape: batch %s not found or not in DRAFT", batchID)
	}
	return nil
}

// CompleteBatch closes a batch in COMPLETED or FAILED.
func (l *Landscape) CompleteBatch(ctx context.Context, batchID string, status contracts.BatchStatus) error {
	if status != contracts.BatchCompleted && status != contracts.BatchFailed {
		return fmt.Errorf("landscape: %s is not a terminal batch status", status)
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?`,
		string(status), ts(l.now()), batchID)
	if err != nil {
		return fmt.Errorf("landscape: complete batch: %w", err)
	}
	return requireOneRow(res, "batch", batchID)
}

// RetryBatch mints a new batch for a failed one, copying its members with
// their ordinals and bumping the attempt counter.
func (l *Landscape) RetryBatch(ctx context.Context, failedBatchID string) (*Batch, error) {
	prior, err := l.GetBatch(ctx, failedBatchID)
	if err != nil {
		return nil, err
	}
	if prior.Status != contracts.BatchFailed {
		return nil, fmt.Errorf("landscape: batch %s is %s, only FAILED batches retry",
			failedBatchID, prior.Status)
	}
	retry := &Batch{
		BatchID:           l.newID(),
		RunID:             prior.RunID,
		AggregationNodeID: prior.AggregationNodeID,
		Attempt:           prior.Attempt + 1,
		Status:            contracts.BatchDraft,
		CreatedAt:         l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		retry.BatchID, retry.RunID, retry.AggregationNodeID, retry.Attempt,
		string(retry.Status), ts(retry.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: create retry batch: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		SELECT ?, token_id, ordinal FROM batch_members WHERE batch_id = ?`,
		retry.BatchID, failedBatchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: copy retry batch members: %w", err)
	}
	return retry, nil
}

// AddBatchOutput links an output entity (row, artifact, token) to a batch.
func (l *Landscape) AddBatchOutput(ctx context.Context, batchID, outputType, outputID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO batch_outputs (batch_output_id, batch_id, output_type, output_id)
		VALUES (?, ?, ?, ?)`,
		l.newID(), batchID, outputType, outputID)
	if err != nil {
		return fmt.Errorf("landscape: add batch output: %w", err)
	}
	return nil
}

// GetBatch loads one batch.
func (l *Landscape) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT batch_id, run_id, aggregation_node_id, aggregation_state_id,
			trigger_type, trigger_reason, attempt, status, created_at, completed_at
		FROM batches WHERE batch_id = ?`, batchID)
	return scanBatch(row)
}

// ListBatchMembers returns a batch's tokens in ordinal order.
func (l *Landscape) ListBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT batch_id, token_id, ordinal FROM batch_members
		WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list batch members: %w", err)
	}
	defer rows.Close()
	var members []BatchMember
	for rows.Next() {
		var m BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan batch member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RecordValidationError logs a source row rejected before tokenization. The
// raw row is kept inline so quarantine review never depends on payload
// retention.
func (l *Landscape) RecordValidationError(ctx context.Context, runID, nodeID string, rowData map[string]any, message, schemaMode, destination string) (*ValidationError, error) {
	rowHash, _, err := l.payloads.PutCanonical(ctx, rowData)
	if err != nil {
		return nil, fmt.Errorf("landscape: store rejected row: %w", err)
	}
	rowJSON, err := json.Marshal(rowData)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode rejected row: %w", err)
	}
	ve := &ValidationError{
		ErrorID:     l.newID(),
		RunID:       runID,
		NodeID:      nodeID,
		RowHash:     rowHash,
		RowDataJSON: string(rowJSON),
		Error:       message,
		SchemaMode:  schemaMode,
		Destination: destination,
		CreatedAt:   l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO validation_errors (error_id, run_id, node_id, row_hash,
			row_data_json, error, schema_mode, destination, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ve.ErrorID, ve.RunID, nullIfEmpty(ve.NodeID), ve.RowHash, ve.RowDataJSON,
		ve.Error, ve.SchemaMode, ve.Destination, ts(ve.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: record validation error: %w", err)
	}
	return ve, nil
}

// RecordTransformError logs a non-fatal transform failure and where the
// token was diverted.
func (l *Landscape) RecordTransformError(ctx context.Context, runID, tokenID, transformID string, rowData map[string]any, details map[string]any, destination string) (*TransformError, error) {
	rowHash, _, err := l.payloads.PutCanonical(ctx, rowData)
	if err != nil {
		return nil, fmt.Errorf("landscape: store failed row: %w", err)
	}
	rowJSON, err := json.Marshal(rowData)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode failed row: %w", err)
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("landscape: encode error details: %w", err)
	}
	te := &TransformError{
		ErrorID:          l.newID(),
		RunID:            runID,
		TokenID:          tokenID,
		TransformID:      transformID,
		RowHash:          rowHash,
		RowDataJSON:      string(rowJSON),
		ErrorDetailsJSON: string(detailsJSON),
		Destination:      destination,
		CreatedAt:        l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO transform_errors (error_id, run_id, token_id, transform_id,
			row_hash, row_data_json, error_details_json, destination, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		te.ErrorID, te.RunID, te.TokenID, te.TransformID, te.RowHash,
		te.RowDataJSON, te.ErrorDetailsJSON, te.Destination, ts(te.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: record transform error: %w", err)
	}
	return te, nil
}

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var (
		b           Batch
		stateID     nullString
		trigType    nullString
		trigReason  nullString
		status      string
		createdAt   string
		completedAt nullString
	)
	err := row.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &stateID,
		&trigType, &trigReason, &b.Attempt, &status, &createdAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("landscape: scan batch: %w", err)
	}
	parsed, err := contracts.ParseBatchStatus(status)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "batch", ID: b.BatchID, Message: err.Error()}
	}
	b.Status = parsed
	b.AggregationStateID = stateID.String
	b.TriggerType = trigType.String
	b.TriggerReason = trigReason.String
	b.CreatedAt = parseTS(createdAt)
	if completedAt.Valid {
		t := parseTS(completedAt.String)
		b.CompletedAt = &t
	}
	return &b, nil
}

type nullString struct {
	String string
	Valid  bool
}

func (n *nullString) Scan(value any) error {
	if value == nil {
		n.String, n.Valid = "", false
		return nil
	}
	switch v := value.(type) {
	case string:
		n.String, n.Valid = v, true
	case []byte:
		n.String, n.Valid = string(v), true
	case time.Time:
		n.String, n.Valid = v.UTC().Format(time.RFC3339Nano), true
	default:
		return fmt.Errorf("landscape: cannot scan %T into string", value)
	}
	return nil
}
