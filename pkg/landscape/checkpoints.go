package landscape

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// CheckpointFormatVersion is bumped whenever checkpoint semantics change in
// a way old readers cannot interpret.
const CheckpointFormatVersion = 2

// CheckpointRecord is the input to RecordCheckpoint.
type CheckpointRecord struct {
	RunID                string
	TokenID              string
	NodeID               string
	GraphFingerprint     string
	UpstreamTopologyHash string
	NodeConfigHash       string
}

func newCheckpointID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("landscape: checkpoint id entropy: %v", err))
	}
	return "cp-" + hex.EncodeToString(buf)
}

// RecordCheckpoint writes a resume marker for a token after its durable
// write. Sequence numbers are allocated monotonically per run under the
// store mutex; resume picks the highest.
func (l *Landscape) RecordCheckpoint(ctx context.Context, rec CheckpointRecord) (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var seq int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM checkpoints WHERE run_id = ?`,
		rec.RunID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("landscape: allocate checkpoint sequence: %w", err)
	}

	cp := &Checkpoint{
		CheckpointID:         newCheckpointID(),
		RunID:                rec.RunID,
		TokenID:              rec.TokenID,
		NodeID:               rec.NodeID,
		SequenceNumber:       seq,
		GraphFingerprint:     rec.GraphFingerprint,
		UpstreamTopologyHash: rec.UpstreamTopologyHash,
		NodeConfigHash:       rec.NodeConfigHash,
		FormatVersion:        CheckpointFormatVersion,
		CreatedAt:            l.now(),
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id,
			sequence_number, graph_fingerprint, upstream_topology_hash,
			node_config_hash, format_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber,
		cp.GraphFingerprint, nullIfEmpty(cp.UpstreamTopologyHash),
		nullIfEmpty(cp.NodeConfigHash), cp.FormatVersion, ts(cp.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("landscape: record checkpoint: %w", err)
	}
	return cp, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run, or
// nil when the run never checkpointed.
func (l *Landscape) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number,
			graph_fingerprint, upstream_topology_hash, node_config_hash,
			format_version, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY sequence_number DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns a run's checkpoints in sequence order.
func (l *Landscape) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT checkpoint_id, run_id, token_id, node_id, sequence_number,
			graph_fingerprint, upstream_topology_hash, node_config_hash,
			format_version, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY sequence_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list checkpoints: %w", err)
	}
	defer rows.Close()
	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		upstream  nullString
		nodeCfg   nullString
		formatVer sql.NullInt64
		createdAt string
	)
	err := row.Scan(&cp.CheckpointID, &cp.RunID, &cp.TokenID, &cp.NodeID,
		&cp.SequenceNumber, &cp.GraphFingerprint, &upstream, &nodeCfg,
		&formatVer, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("landscape: scan checkpoint: %w", err)
	}
	cp.UpstreamTopologyHash = upstream.String
	cp.NodeConfigHash = nodeCfg.String
	if formatVer.Valid {
		cp.FormatVersion = int(formatVer.Int64)
	}
	cp.CreatedAt = parseTS(createdAt)
	return &cp, nil
}
