// Package landscape implements the audit recorder: the run-scoped
// relational record of everything that happened during a pipeline run.
//
// The store is append-mostly. Mutation is confined to run status and
// completion, node output contracts, run-level schema contract, batch
// status, and export tracking. Everything else is written once and read
// forever. Full payloads live in the content-addressed payload store; audit
// rows carry only hashes.
package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/elspeth-io/elspeth/pkg/payload"
)

// Landscape is the façade over the relational audit store.
type Landscape struct {
	db       *sql.DB
	payloads payload.Store
	logger   *slog.Logger

	// Serializes call-index allocation and multi-statement writes.
	mu sync.Mutex

	clock func() time.Time
	newID func() string
}

// Option configures a Landscape.
type Option func(*Landscape)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Landscape) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Landscape) { l.logger = logger }
}

// Open opens (or creates) a sqlite-backed landscape at path. Use ":memory:"
// for tests.
func Open(path string, payloads payload.Store, opts ...Option) (*Landscape, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("landscape: open database: %w", err)
	}
	// sqlite serializes writers at the connection level.
	db.SetMaxOpenConns(1)
	return New(db, payloads, opts...)
}

// New wraps an existing database handle and runs idempotent migration.
func New(db *sql.DB, payloads payload.Store, opts ...Option) (*Landscape, error) {
	l := &Landscape{
		db:       db,
		payloads: payloads,
		logger:   slog.Default(),
		clock:    time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Landscape) Close() error {
	return l.db.Close()
}

// Payloads exposes the content-addressed payload store.
func (l *Landscape) Payloads() payload.Store {
	return l.payloads
}

func (l *Landscape) now() time.Time {
	return l.clock().UTC()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		config_hash TEXT NOT NULL,
		settings_json TEXT NOT NULL,
		canonical_version TEXT NOT NULL,
		status TEXT NOT NULL,
		schema_contract_json TEXT,
		source_field_resolution_json TEXT,
		export_status TEXT,
		export_error TEXT,
		exported_at TEXT,
		export_format TEXT,
		export_sink TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		plugin_name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		plugin_version TEXT NOT NULL,
		determinism TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		config_json TEXT NOT NULL,
		schema_hash TEXT,
		sequence_in_pipeline INTEGER,
		schema_mode TEXT,
		schema_fields_json TEXT,
		input_contract_json TEXT,
		output_contract_json TEXT,
		registered_at TEXT NOT NULL,
		PRIMARY KEY (node_id, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		label TEXT NOT NULL,
		default_mode TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, from_node_id, label)
	)`,
	`CREATE TABLE IF NOT EXISTS rows (
		row_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		source_node_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		source_data_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		row_id TEXT NOT NULL REFERENCES rows(row_id),
		fork_group_id TEXT,
		join_group_id TEXT,
		branch_name TEXT,
		step_in_pipeline INTEGER,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_parents (
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		parent_token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (token_id, parent_token_id),
		UNIQUE (token_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS token_outcomes (
		outcome_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		outcome TEXT NOT NULL,
		sink_name TEXT,
		batch_id TEXT,
		error_hash TEXT,
		context_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS node_states (
		state_id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		node_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		output_hash TEXT,
		context_before_json TEXT,
		context_after_json TEXT,
		duration_ms REAL,
		error_json TEXT,
		success_reason_json TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		UNIQUE (token_id, node_id, attempt),
		UNIQUE (token_id, step_index, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		node_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms REAL,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		state_id TEXT REFERENCES node_states(state_id),
		operation_id TEXT REFERENCES operations(operation_id),
		call_index INTEGER NOT NULL,
		call_type TEXT NOT NULL,
		status TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_hash TEXT,
		error_json TEXT,
		latency_ms REAL,
		created_at TEXT NOT NULL,
		CHECK ((state_id IS NOT NULL AND operation_id IS NULL)
		    OR (state_id IS NULL AND operation_id IS NOT NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ix_calls_state_call_index
		ON calls(state_id, call_index) WHERE state_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ix_calls_operation_call_index
		ON calls(operation_id, call_index) WHERE operation_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		edge_id TEXT NOT NULL REFERENCES edges(edge_id),
		mode TEXT NOT NULL,
		reason_hash TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		produced_by_state_id TEXT NOT NULL REFERENCES node_states(state_id),
		sink_node_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		path_or_uri TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		aggregation_node_id TEXT NOT NULL,
		aggregation_state_id TEXT REFERENCES node_states(state_id),
		trigger_type TEXT,
		trigger_reason TEXT,
		attempt INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS batch_members (
		batch_id TEXT NOT NULL REFERENCES batches(batch_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal INTEGER NOT NULL,
		UNIQUE (batch_id, ordinal),
		UNIQUE (batch_id, token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outputs (
		batch_output_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES batches(batch_id),
		output_type TEXT NOT NULL,
		output_id TEXT NOT NULL,
		UNIQUE (batch_id, output_type, output_id)
	)`,
	`CREATE TABLE IF NOT EXISTS validation_errors (
		error_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		node_id TEXT,
		row_hash TEXT NOT NULL,
		row_data_json TEXT,
		error TEXT NOT NULL,
		schema_mode TEXT NOT NULL,
		destination TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transform_errors (
		error_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		transform_id TEXT NOT NULL,
		row_hash TEXT NOT NULL,
		row_data_json TEXT,
		error_details_json TEXT,
		destination TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		node_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		graph_fingerprint TEXT NOT NULL,
		upstream_topology_hash TEXT,
		node_config_hash TEXT,
		format_version INTEGER,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_nodes_run ON nodes(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_edges_run ON edges(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_rows_run ON rows(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_tokens_row ON tokens(row_id)`,
	`CREATE INDEX IF NOT EXISTS ix_node_states_token ON node_states(token_id)`,
	`CREATE INDEX IF NOT EXISTS ix_node_states_node ON node_states(node_id)`,
	`CREATE INDEX IF NOT EXISTS ix_calls_state ON calls(state_id)`,
	`CREATE INDEX IF NOT EXISTS ix_calls_operation ON calls(operation_id)`,
	`CREATE INDEX IF NOT EXISTS ix_routing_events_state ON routing_events(state_id)`,
	`CREATE INDEX IF NOT EXISTS ix_artifacts_run ON artifacts(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_batches_run_status ON batches(run_id, status)`,
	`CREATE INDEX IF NOT EXISTS ix_outcomes_run ON token_outcomes(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_validation_errors_run ON validation_errors(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_transform_errors_run ON transform_errors(run_id)`,
	`CREATE INDEX IF NOT EXISTS ix_checkpoints_run_seq ON checkpoints(run_id, sequence_number)`,
}

func (l *Landscape) migrate() error {
	ctx := context.Background()
	for _, stmt := range migrations {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("landscape: migrate: %w", err)
		}
	}
	return nil
}
