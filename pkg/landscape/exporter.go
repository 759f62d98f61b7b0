package landscape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// Exporter writes a run's audit trail out as JSON Lines, one record per
// line with a "table" discriminator. Export status is tracked on the run so
// a failed export never masks a successful pipeline completion.
type Exporter struct {
	landscape *Landscape
}

// NewExporter builds an exporter over a landscape.
func NewExporter(landscape *Landscape) *Exporter {
	return &Exporter{landscape: landscape}
}

type exportRecord struct {
	Table  string `json:"table"`
	Record any    `json:"record"`
}

// Export streams the full audit trail for a run to w and records the export
// outcome on the run. Records are emitted in deterministic order: runs,
// nodes, edges, rows, tokens, states, outcomes, artifacts, errors.
func (e *Exporter) Export(ctx context.Context, runID, sinkName string, w io.Writer) error {
	if err := e.landscape.SetExportStatus(ctx, runID, contracts.ExportPending, "", "jsonl", sinkName); err != nil {
		return err
	}
	if err := e.export(ctx, runID, w); err != nil {
		if serr := e.landscape.SetExportStatus(ctx, runID, contracts.ExportFailed, err.Error(), "jsonl", sinkName); serr != nil {
			e.landscape.logger.Error("export status update failed",
				"run_id", runID, "error", serr)
		}
		return err
	}
	return e.landscape.SetExportStatus(ctx, runID, contracts.ExportCompleted, "", "jsonl", sinkName)
}

func (e *Exporter) export(ctx context.Context, runID string, w io.Writer) error {
	enc := json.NewEncoder(w)
	l := e.landscape

	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := enc.Encode(exportRecord{Table: "runs", Record: run}); err != nil {
		return fmt.Errorf("landscape: export run: %w", err)
	}

	nodes, err := l.ListNodes(ctx, runID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := enc.Encode(exportRecord{Table: "nodes", Record: n}); err != nil {
			return fmt.Errorf("landscape: export node: %w", err)
		}
	}

	edges, err := l.ListEdges(ctx, runID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if err := enc.Encode(exportRecord{Table: "edges", Record: edge}); err != nil {
			return fmt.Errorf("landscape: export edge: %w", err)
		}
	}

	rows, err := l.ListRows(ctx, runID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := enc.Encode(exportRecord{Table: "rows", Record: row}); err != nil {
			return fmt.Errorf("landscape: export row: %w", err)
		}
		tokens, err := l.ListTokensForRow(ctx, row.RowID)
		if err != nil {
			return err
		}
		for _, token := range tokens {
			if err := enc.Encode(exportRecord{Table: "tokens", Record: token}); err != nil {
				return fmt.Errorf("landscape: export token: %w", err)
			}
			states, err := l.ListNodeStates(ctx, token.TokenID)
			if err != nil {
				return err
			}
			for _, state := range states {
				if err := enc.Encode(exportRecord{Table: "node_states", Record: state}); err != nil {
					return fmt.Errorf("landscape: export node_state: %w", err)
				}
				calls, err := l.ListCalls(ctx, state.StateID)
				if err != nil {
					return err
				}
				for _, call := range calls {
					if err := enc.Encode(exportRecord{Table: "calls", Record: call}); err != nil {
						return fmt.Errorf("landscape: export call: %w", err)
					}
				}
			}
		}
	}

	outcomes, err := l.ListOutcomes(ctx, runID)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if err := enc.Encode(exportRecord{Table: "token_outcomes", Record: o}); err != nil {
			return fmt.Errorf("landscape: export outcome: %w", err)
		}
	}

	artifacts, err := l.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := enc.Encode(exportRecord{Table: "artifacts", Record: a}); err != nil {
			return fmt.Errorf("landscape: export artifact: %w", err)
		}
	}

	validationErrors, err := l.ListValidationErrors(ctx, runID)
	if err != nil {
		return err
	}
	for _, ve := range validationErrors {
		if err := enc.Encode(exportRecord{Table: "validation_errors", Record: ve}); err != nil {
			return fmt.Errorf("landscape: export validation error: %w", err)
		}
	}

	transformErrors, err := l.ListTransformErrors(ctx, runID)
	if err != nil {
		return err
	}
	for _, te := range transformErrors {
		if err := enc.Encode(exportRecord{Table: "transform_errors", Record: te}); err != nil {
			return fmt.Errorf("landscape: export transform error: %w", err)
		}
	}
	return nil
}
