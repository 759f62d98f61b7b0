package landscape

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// AllocateCallIndex hands out the next monotonic call index for a node
// state. Allocation is serialized under the store mutex so concurrent
// workers never mint the same index.
func (l *Landscape) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var next int
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(call_index) + 1, 0) FROM calls WHERE state_id = ?`,
		stateID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("landscape: allocate call index: %w", err)
	}
	return next, nil
}

// AllocateOperationCallIndex is the operation-scoped counterpart.
func (l *Landscape) AllocateOperationCallIndex(ctx context.Context, operationID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var next int
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(call_index) + 1, 0) FROM calls WHERE operation_id = ?`,
		operationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("landscape: allocate operation call index: %w", err)
	}
	return next, nil
}

// RecordCall audits one external side effect. Request and response payloads
// are written to the payload store before the audit row, so the row never
// references bytes that do not exist. Exactly one of StateID and OperationID
// must be set; the database check constraint backs the same rule.
func (l *Landscape) RecordCall(ctx context.Context, rec contracts.CallRecord) (string, error) {
	if (rec.StateID == "") == (rec.OperationID == "") {
		return "", &contracts.OrchestrationInvariantError{
			Message: "call must be attributed to exactly one of state_id and operation_id",
		}
	}
	requestHash, _, err := l.payloads.PutCanonical(ctx, rec.RequestData)
	if err != nil {
		return "", fmt.Errorf("landscape: store call request: %w", err)
	}
	var responseHash any
	if rec.ResponseData != nil {
		hash, _, err := l.payloads.PutCanonical(ctx, rec.ResponseData)
		if err != nil {
			return "", fmt.Errorf("landscape: store call response: %w", err)
		}
		responseHash = hash
	}
	var errorJSON any
	if rec.Error != nil {
		data, err := json.Marshal(rec.Error)
		if err != nil {
			return "", fmt.Errorf("landscape: encode call error: %w", err)
		}
		errorJSON = string(data)
	}
	if rec.Status == contracts.CallError && errorJSON == nil {
		return "", fmt.Errorf("landscape: ERROR call requires error details")
	}

	callID := l.newID()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, state_id, operation_id, call_index, call_type,
			status, request_hash, response_hash, error_json, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		callID, nullIfEmpty(rec.StateID), nullIfEmpty(rec.OperationID),
		rec.CallIndex, string(rec.CallType), string(rec.Status), requestHash,
		responseHash, errorJSON, rec.LatencyMS, ts(l.now()))
	if err != nil {
		return "", fmt.Errorf("landscape: record call: %w", err)
	}
	return callID, nil
}

// stateCalls is the CallAuditor bound to one node state; operationCalls to
// one operation. Both keep plugins away from raw landscape handles.
type stateCalls struct {
	l       *Landscape
	stateID string
}

func (c *stateCalls) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	return c.l.AllocateCallIndex(ctx, c.stateID)
}

func (c *stateCalls) RecordCall(ctx context.Context, rec contracts.CallRecord) (string, error) {
	rec.StateID = c.stateID
	rec.OperationID = ""
	return c.l.RecordCall(ctx, rec)
}

type operationCalls struct {
	l           *Landscape
	operationID string
}

func (c *operationCalls) AllocateCallIndex(ctx context.Context, _ string) (int, error) {
	return c.l.AllocateOperationCallIndex(ctx, c.operationID)
}

func (c *operationCalls) RecordCall(ctx context.Context, rec contracts.CallRecord) (string, error) {
	rec.OperationID = c.operationID
	rec.StateID = ""
	return c.l.RecordCall(ctx, rec)
}

// CallsForState returns a CallAuditor bound to one node state.
func (l *Landscape) CallsForState(stateID string) contracts.CallAuditor {
	return &stateCalls{l: l, stateID: stateID}
}

// CallsForOperation returns a CallAuditor bound to one operation.
func (l *Landscape) CallsForOperation(operationID string) contracts.CallAuditor {
	return &operationCalls{l: l, operationID: operationID}
}
