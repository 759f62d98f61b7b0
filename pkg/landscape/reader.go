package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Readers reconstruct typed records from storage. Enum literals are parsed
// strictly and required-by-status fields are checked; any violation is an
// *contracts.AuditIntegrityError, never a silently-coerced record.

// GetRun loads one run.
func (l *Landscape) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, completed_at, config_hash, settings_json,
			canonical_version, status, schema_contract_json,
			source_field_resolution_json, export_status, export_error,
			exported_at, export_format, export_sink
		FROM runs WHERE run_id = ?`, runID)

	var (
		r            Run
		startedAt    string
		completedAt  nullString
		contractJSON nullString
		resolution   nullString
		status       string
		expStatus    nullString
		expError     nullString
		expAt        nullString
		expFormat    nullString
		expSink      nullString
	)
	err := row.Scan(&r.RunID, &startedAt, &completedAt, &r.ConfigHash,
		&r.SettingsJSON, &r.CanonicalVersion, &status, &contractJSON,
		&resolution, &expStatus, &expError, &expAt, &expFormat, &expSink)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("landscape: run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: load run: %w", err)
	}
	parsed, err := contracts.ParseRunStatus(status)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "run", ID: r.RunID, Message: err.Error()}
	}
	r.Status = parsed
	r.StartedAt = parseTS(startedAt)
	if completedAt.Valid {
		t := parseTS(completedAt.String)
		r.CompletedAt = &t
	}
	if r.Status != contracts.RunRunning && r.CompletedAt == nil {
		return nil, &contracts.AuditIntegrityError{
			Entity: "run", ID: r.RunID,
			Message: fmt.Sprintf("%s run without completed_at", r.Status),
		}
	}
	r.SchemaContractJSON = contractJSON.String
	r.FieldResolutionJSON = resolution.String
	if expStatus.Valid {
		es, err := contracts.ParseExportStatus(expStatus.String)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "run", ID: r.RunID, Message: err.Error()}
		}
		r.ExportStatus = &es
	}
	r.ExportError = expError.String
	if expAt.Valid {
		t := parseTS(expAt.String)
		r.ExportedAt = &t
	}
	r.ExportFormat = expFormat.String
	r.ExportSink = expSink.String
	return &r, nil
}

// ListNodes returns a run's nodes in registration order.
func (l *Landscape) ListNodes(ctx context.Context, runID string) ([]*Node, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT node_id, run_id, plugin_name, node_type, plugin_version,
			determinism, config_hash, config_json, sequence_in_pipeline,
			schema_mode, input_contract_json, output_contract_json, registered_at
		FROM nodes WHERE run_id = ?
		ORDER BY registered_at, node_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list nodes: %w", err)
	}
	defer rows.Close()
	var nodes []*Node
	for rows.Next() {
		var (
			n            Node
			nodeType     string
			determinism  string
			seq          sql.NullInt64
			schemaMode   nullString
			inContract   nullString
			outContract  nullString
			registeredAt string
		)
		err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeType,
			&n.PluginVersion, &determinism, &n.ConfigHash, &n.ConfigJSON,
			&seq, &schemaMode, &inContract, &outContract, &registeredAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan node: %w", err)
		}
		nt, err := contracts.ParseNodeType(nodeType)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "node", ID: n.NodeID, Message: err.Error()}
		}
		det, err := contracts.ParseDeterminism(determinism)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "node", ID: n.NodeID, Message: err.Error()}
		}
		n.NodeType = nt
		n.Determinism = det
		if seq.Valid {
			v := int(seq.Int64)
			n.SequenceInPipeline = &v
		}
		n.SchemaMode = schemaMode.String
		n.InputContractJSON = inContract.String
		n.OutputContractJSON = outContract.String
		n.RegisteredAt = parseTS(registeredAt)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// ListEdges returns a run's edges in creation order.
func (l *Landscape) ListEdges(ctx context.Context, runID string) ([]*Edge, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		FROM edges WHERE run_id = ?
		ORDER BY created_at, edge_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list edges: %w", err)
	}
	defer rows.Close()
	var edges []*Edge
	for rows.Next() {
		var (
			e         Edge
			mode      string
			createdAt string
		)
		err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID,
			&e.Label, &mode, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan edge: %w", err)
		}
		m, err := contracts.ParseEdgeMode(mode)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "edge", ID: e.EdgeID, Message: err.Error()}
		}
		e.DefaultMode = m
		e.CreatedAt = parseTS(createdAt)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// ListRows returns a run's source rows in row_index order.
func (l *Landscape) ListRows(ctx context.Context, runID string) ([]*Row, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash, created_at
		FROM rows WHERE run_id = ?
		ORDER BY row_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list rows: %w", err)
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		var (
			r         Row
			createdAt string
		)
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex,
			&r.SourceDataHash, &createdAt); err != nil {
			return nil, fmt.Errorf("landscape: scan row: %w", err)
		}
		r.CreatedAt = parseTS(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetToken loads one token.
func (l *Landscape) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT token_id, row_id, fork_group_id, join_group_id, branch_name,
			step_in_pipeline, created_at
		FROM tokens WHERE token_id = ?`, tokenID)
	var (
		t         Token
		forkGroup nullString
		joinGroup nullString
		branch    nullString
		step      sql.NullInt64
		createdAt string
	)
	err := row.Scan(&t.TokenID, &t.RowID, &forkGroup, &joinGroup, &branch,
		&step, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("landscape: token %s not found", tokenID)
	}
	if err != nil {
		return nil, fmt.Errorf("landscape: load token: %w", err)
	}
	t.ForkGroupID = forkGroup.String
	t.JoinGroupID = joinGroup.String
	t.BranchName = branch.String
	if step.Valid {
		v := int(step.Int64)
		t.StepInPipeline = &v
	}
	t.CreatedAt = parseTS(createdAt)
	return &t, nil
}

// ListTokensForRow returns a row's tokens in creation order.
func (l *Landscape) ListTokensForRow(ctx context.Context, rowID string) ([]*Token, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT token_id FROM tokens WHERE row_id = ?
		ORDER BY created_at, token_id`, rowID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list tokens: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		t, err := l.GetToken(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// TokenParents returns a token's parents in ordinal order.
func (l *Landscape) TokenParents(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT parent_token_id FROM token_parents WHERE token_id = ?
		ORDER BY ordinal`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list token parents: %w", err)
	}
	defer rows.Close()
	var parents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents = append(parents, id)
	}
	return parents, rows.Err()
}

const nodeStateColumns = `state_id, token_id, run_id, node_id, step_index,
	attempt, status, input_hash, output_hash, context_before_json,
	context_after_json, duration_ms, error_json, success_reason_json,
	started_at, completed_at`

// GetNodeState loads one node_state.
func (l *Landscape) GetNodeState(ctx context.Context, stateID string) (*NodeState, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+nodeStateColumns+` FROM node_states WHERE state_id = ?`, stateID)
	state, err := scanNodeState(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("landscape: node_state %s not found", stateID)
	}
	return state, err
}

// ListNodeStates returns a token's states in step then attempt order.
func (l *Landscape) ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+nodeStateColumns+` FROM node_states WHERE token_id = ?
		 ORDER BY step_index, attempt`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list node_states: %w", err)
	}
	defer rows.Close()
	var states []*NodeState
	for rows.Next() {
		state, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// ListOpenStates returns a run's non-terminal states, oldest first. Used by
// resume to find work cut off mid-flight.
func (l *Landscape) ListOpenStates(ctx context.Context, runID string) ([]*NodeState, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+nodeStateColumns+` FROM node_states
		 WHERE run_id = ? AND status IN ('OPEN', 'PENDING')
		 ORDER BY started_at, state_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list open states: %w", err)
	}
	defer rows.Close()
	var states []*NodeState
	for rows.Next() {
		state, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanNodeState(row interface{ Scan(...any) error }) (*NodeState, error) {
	var (
		s             NodeState
		status        string
		outputHash    nullString
		ctxBefore     nullString
		ctxAfter      nullString
		durationMS    sql.NullFloat64
		errorJSON     nullString
		successReason nullString
		startedAt     string
		completedAt   nullString
	)
	err := row.Scan(&s.StateID, &s.TokenID, &s.RunID, &s.NodeID, &s.StepIndex,
		&s.Attempt, &status, &s.InputHash, &outputHash, &ctxBefore, &ctxAfter,
		&durationMS, &errorJSON, &successReason, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("landscape: scan node_state: %w", err)
	}
	parsed, err := contracts.ParseStateStatus(status)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "node_state", ID: s.StateID, Message: err.Error()}
	}
	s.Status = parsed
	s.OutputHash = outputHash.String
	s.ContextBeforeJSON = ctxBefore.String
	s.ContextAfterJSON = ctxAfter.String
	if durationMS.Valid {
		s.DurationMS = &durationMS.Float64
	}
	s.ErrorJSON = errorJSON.String
	s.SuccessReasonJSON = successReason.String
	s.StartedAt = parseTS(startedAt)
	if completedAt.Valid {
		t := parseTS(completedAt.String)
		s.CompletedAt = &t
	}

	switch s.Status {
	case contracts.StateCompleted:
		if s.OutputHash == "" {
			return nil, &contracts.AuditIntegrityError{
				Entity: "node_state", ID: s.StateID,
				Message: "COMPLETED state without output_hash",
			}
		}
		if s.CompletedAt == nil {
			return nil, &contracts.AuditIntegrityError{
				Entity: "node_state", ID: s.StateID,
				Message: "COMPLETED state without completed_at",
			}
		}
	case contracts.StateFailed:
		if s.ErrorJSON == "" {
			return nil, &contracts.AuditIntegrityError{
				Entity: "node_state", ID: s.StateID,
				Message: "FAILED state without error_json",
			}
		}
	}
	return &s, nil
}

// ListCalls returns a state's calls in call_index order.
func (l *Landscape) ListCalls(ctx context.Context, stateID string) ([]*Call, error) {
	return l.listCalls(ctx, `state_id = ?`, stateID)
}

// ListOperationCalls returns an operation's calls in call_index order.
func (l *Landscape) ListOperationCalls(ctx context.Context, operationID string) ([]*Call, error) {
	return l.listCalls(ctx, `operation_id = ?`, operationID)
}

func (l *Landscape) listCalls(ctx context.Context, where string, arg any) ([]*Call, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT call_id, state_id, operation_id, call_index, call_type, status,
			request_hash, response_hash, error_json, latency_ms, created_at
		FROM calls WHERE `+where+` ORDER BY call_index`, arg)
	if err != nil {
		return nil, fmt.Errorf("landscape: list calls: %w", err)
	}
	defer rows.Close()
	var calls []*Call
	for rows.Next() {
		var (
			c            Call
			stateID      nullString
			operationID  nullString
			callType     string
			status       string
			responseHash nullString
			errorJSON    nullString
			latency      sql.NullFloat64
			createdAt    string
		)
		err := rows.Scan(&c.CallID, &stateID, &operationID, &c.CallIndex,
			&callType, &status, &c.RequestHash, &responseHash, &errorJSON,
			&latency, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan call: %w", err)
		}
		ct, err := contracts.ParseCallType(callType)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "call", ID: c.CallID, Message: err.Error()}
		}
		cs, err := contracts.ParseCallStatus(status)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "call", ID: c.CallID, Message: err.Error()}
		}
		c.CallType = ct
		c.Status = cs
		c.StateID = stateID.String
		c.OperationID = operationID.String
		c.ResponseHash = responseHash.String
		c.ErrorJSON = errorJSON.String
		if latency.Valid {
			c.LatencyMS = &latency.Float64
		}
		c.CreatedAt = parseTS(createdAt)
		if c.Status == contracts.CallError && c.ErrorJSON == "" {
			return nil, &contracts.AuditIntegrityError{
				Entity: "call", ID: c.CallID,
				Message: "ERROR call without error_json",
			}
		}
		calls = append(calls, &c)
	}
	return calls, rows.Err()
}

// FindCallByRequestHash looks up a recorded call by (run, call_type,
// request_hash). Replay uses this to substitute recorded responses.
func (l *Landscape) FindCallByRequestHash(ctx context.Context, runID string, callType contracts.CallType, requestHash string) (*Call, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT c.call_id, c.state_id, c.operation_id, c.call_index, c.call_type,
			c.status, c.request_hash, c.response_hash, c.error_json, c.latency_ms,
			c.created_at
		FROM calls c
		LEFT JOIN node_states ns ON ns.state_id = c.state_id
		LEFT JOIN operations op ON op.operation_id = c.operation_id
		WHERE COALESCE(ns.run_id, op.run_id) = ?
			AND c.call_type = ? AND c.request_hash = ?
		ORDER BY c.created_at, c.call_id LIMIT 1`,
		runID, string(callType), requestHash)
	if err != nil {
		return nil, fmt.Errorf("landscape: find call: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var (
		c            Call
		stateID      nullString
		operationID  nullString
		ctStr        string
		status       string
		responseHash nullString
		errorJSON    nullString
		latency      sql.NullFloat64
		createdAt    string
	)
	err = rows.Scan(&c.CallID, &stateID, &operationID, &c.CallIndex, &ctStr,
		&status, &c.RequestHash, &responseHash, &errorJSON, &latency, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("landscape: scan call: %w", err)
	}
	ct, err := contracts.ParseCallType(ctStr)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "call", ID: c.CallID, Message: err.Error()}
	}
	cs, err := contracts.ParseCallStatus(status)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "call", ID: c.CallID, Message: err.Error()}
	}
	c.CallType = ct
	c.Status = cs
	c.StateID = stateID.String
	c.OperationID = operationID.String
	c.ResponseHash = responseHash.String
	c.ErrorJSON = errorJSON.String
	if latency.Valid {
		c.LatencyMS = &latency.Float64
	}
	c.CreatedAt = parseTS(createdAt)
	return &c, nil
}

// GetTokenOutcome returns a token's terminal outcome, or nil if the token
// has not terminated.
func (l *Landscape) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT outcome_id, run_id, token_id, outcome, sink_name, batch_id,
			error_hash, context_json, created_at
		FROM token_outcomes WHERE token_id = ?`, tokenID)
	outcome, err := scanOutcome(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return outcome, err
}

// ListOutcomes returns a run's token outcomes in creation order.
func (l *Landscape) ListOutcomes(ctx context.Context, runID string) ([]*TokenOutcome, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT outcome_id, run_id, token_id, outcome, sink_name, batch_id,
			error_hash, context_json, created_at
		FROM token_outcomes WHERE run_id = ?
		ORDER BY created_at, outcome_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list outcomes: %w", err)
	}
	defer rows.Close()
	var outcomes []*TokenOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanOutcome(row interface{ Scan(...any) error }) (*TokenOutcome, error) {
	var (
		o         TokenOutcome
		outcome   string
		sinkName  nullString
		batchID   nullString
		errorHash nullString
		ctxJSON   nullString
		createdAt string
	)
	err := row.Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &outcome, &sinkName,
		&batchID, &errorHash, &ctxJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("landscape: scan outcome: %w", err)
	}
	parsed, err := contracts.ParseOutcome(outcome)
	if err != nil {
		return nil, &contracts.AuditIntegrityError{Entity: "token_outcome", ID: o.OutcomeID, Message: err.Error()}
	}
	o.Outcome = parsed
	o.SinkName = sinkName.String
	o.BatchID = batchID.String
	o.ErrorHash = errorHash.String
	o.ContextJSON = ctxJSON.String
	o.CreatedAt = parseTS(createdAt)
	return &o, nil
}

// ListArtifacts returns a run's artifacts in creation order.
func (l *Landscape) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, produced_by_state_id, sink_node_id,
			artifact_type, path_or_uri, content_hash, size_bytes,
			idempotency_key, created_at
		FROM artifacts WHERE run_id = ?
		ORDER BY created_at, artifact_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list artifacts: %w", err)
	}
	defer rows.Close()
	var artifacts []*Artifact
	for rows.Next() {
		var (
			a         Artifact
			idemKey   nullString
			createdAt string
		)
		err := rows.Scan(&a.ArtifactID, &a.RunID, &a.ProducedByStateID,
			&a.SinkNodeID, &a.ArtifactType, &a.PathOrURI, &a.ContentHash,
			&a.SizeBytes, &idemKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan artifact: %w", err)
		}
		a.IdempotencyKey = idemKey.String
		a.CreatedAt = parseTS(createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// ListRoutingEvents returns a state's routing events in creation order.
func (l *Landscape) ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, state_id, edge_id, mode, reason_hash, created_at
		FROM routing_events WHERE state_id = ?
		ORDER BY created_at, event_id`, stateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list routing events: %w", err)
	}
	defer rows.Close()
	var events []*RoutingEvent
	for rows.Next() {
		var (
			e          RoutingEvent
			mode       string
			reasonHash nullString
			createdAt  string
		)
		err := rows.Scan(&e.EventID, &e.StateID, &e.EdgeID, &mode,
			&reasonHash, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan routing event: %w", err)
		}
		m, err := contracts.ParseEdgeMode(mode)
		if err != nil {
			return nil, &contracts.AuditIntegrityError{Entity: "routing_event", ID: e.EventID, Message: err.Error()}
		}
		e.Mode = m
		e.ReasonHash = reasonHash.String
		e.CreatedAt = parseTS(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListValidationErrors returns a run's validation errors in creation order.
func (l *Landscape) ListValidationErrors(ctx context.Context, runID string) ([]*ValidationError, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT error_id, run_id, node_id, row_hash, row_data_json, error,
			schema_mode, destination, created_at
		FROM validation_errors WHERE run_id = ?
		ORDER BY created_at, error_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list validation errors: %w", err)
	}
	defer rows.Close()
	var out []*ValidationError
	for rows.Next() {
		var (
			ve        ValidationError
			nodeID    nullString
			rowData   nullString
			createdAt string
		)
		err := rows.Scan(&ve.ErrorID, &ve.RunID, &nodeID, &ve.RowHash,
			&rowData, &ve.Error, &ve.SchemaMode, &ve.Destination, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan validation error: %w", err)
		}
		ve.NodeID = nodeID.String
		ve.RowDataJSON = rowData.String
		ve.CreatedAt = parseTS(createdAt)
		out = append(out, &ve)
	}
	return out, rows.Err()
}

// ListTransformErrors returns a run's transform errors in creation order.
func (l *Landscape) ListTransformErrors(ctx context.Context, runID string) ([]*TransformError, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT error_id, run_id, token_id, transform_id, row_hash,
			row_data_json, error_details_json, destination, created_at
		FROM transform_errors WHERE run_id = ?
		ORDER BY created_at, error_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list transform errors: %w", err)
	}
	defer rows.Close()
	var out []*TransformError
	for rows.Next() {
		var (
			te        TransformError
			rowData   nullString
			details   nullString
			createdAt string
		)
		err := rows.Scan(&te.ErrorID, &te.RunID, &te.TokenID, &te.TransformID,
			&te.RowHash, &rowData, &details, &te.Destination, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan transform error: %w", err)
		}
		te.RowDataJSON = rowData.String
		te.ErrorDetailsJSON = details.String
		te.CreatedAt = parseTS(createdAt)
		out = append(out, &te)
	}
	return out, rows.Err()
}
