package landscape

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// TokenLineage is the full audit reconstruction of one token's journey:
// its states in order, every edge it traversed, its ancestry, and its
// terminal outcome.
type TokenLineage struct {
	Token   *Token
	Row     *Row
	Parents []string
	States  []*NodeState
	Hops    []LineageHop
	Outcome *TokenOutcome
	// DivertSummary counts DIVERT traversals per edge label.
	DivertSummary map[string]int
}

// LineageHop is one edge traversal in a lineage.
type LineageHop struct {
	Event *RoutingEvent
	Edge  *Edge
}

// Lineage reconstructs a token's journey. Routing events referencing an
// unregistered edge crash with an integrity error.
func (l *Landscape) Lineage(ctx context.Context, tokenID string) (*TokenLineage, error) {
	token, err := l.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	var rowRecord *Row
	row := l.db.QueryRowContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, source_data_hash, created_at
		FROM rows WHERE row_id = ?`, token.RowID)
	var (
		r         Row
		createdAt string
	)
	if err := row.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex,
		&r.SourceDataHash, &createdAt); err != nil {
		return nil, fmt.Errorf("landscape: load lineage row: %w", err)
	}
	r.CreatedAt = parseTS(createdAt)
	rowRecord = &r

	parents, err := l.TokenParents(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	states, err := l.ListNodeStates(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	edges, err := l.ListEdges(ctx, rowRecord.RunID)
	if err != nil {
		return nil, err
	}
	edgeByID := make(map[string]*Edge, len(edges))
	for _, e := range edges {
		edgeByID[e.EdgeID] = e
	}

	lineage := &TokenLineage{
		Token:         token,
		Row:           rowRecord,
		Parents:       parents,
		States:        states,
		DivertSummary: map[string]int{},
	}
	for _, state := range states {
		events, err := l.ListRoutingEvents(ctx, state.StateID)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			edge, ok := edgeByID[event.EdgeID]
			if !ok {
				return nil, &contracts.AuditIntegrityError{
					Entity: "routing_event", ID: event.EventID,
					Message: fmt.Sprintf("references unregistered edge %s", event.EdgeID),
				}
			}
			lineage.Hops = append(lineage.Hops, LineageHop{Event: event, Edge: edge})
			if event.Mode == contracts.EdgeDivert {
				lineage.DivertSummary[edge.Label]++
			}
		}
	}

	outcome, err := l.GetTokenOutcome(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	lineage.Outcome = outcome
	return lineage, nil
}

// RunSummary is the aggregate disposition of a run.
type RunSummary struct {
	RunID        string
	Status       contracts.RunStatus
	RowCount     int
	TokenCount   int
	OutcomeTally map[contracts.Outcome]int
}

// Summarize tallies a run's rows, tokens, and outcomes.
func (l *Landscape) Summarize(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	summary := &RunSummary{
		RunID:        runID,
		Status:       run.Status,
		OutcomeTally: map[contracts.Outcome]int{},
	}
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rows WHERE run_id = ?`, runID).Scan(&summary.RowCount); err != nil {
		return nil, fmt.Errorf("landscape: count rows: %w", err)
	}
	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tokens t JOIN rows r ON r.row_id = t.row_id
		WHERE r.run_id = ?`, runID).Scan(&summary.TokenCount); err != nil {
		return nil, fmt.Errorf("landscape: count tokens: %w", err)
	}
	outcomes, err := l.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		summary.OutcomeTally[o.Outcome]++
	}
	return summary, nil
}
