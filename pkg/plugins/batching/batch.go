// Package batching holds the built-in aggregation and coalesce plugins.
package batching

import (
	"context"
	"fmt"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type batchOptions struct {
	Size int `json:"size"`
	// Emit is "rows" (pass buffered rows through, the default) or
	// "summary" (one row carrying the batch count).
	Emit string `json:"emit"`
}

// Batch buffers rows and flushes every size rows, plus a final partial
// batch at end of input.
type Batch struct {
	size    int
	summary bool
	buffer  []map[string]any
}

func NewBatch(options map[string]any) (*Batch, error) {
	var cfg batchOptions
	if err := contracts.DecodeConfig("batch", options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Size < 1 {
		return nil, &contracts.PluginConfigError{Plugin: "batch", Message: "size must be at least 1"}
	}
	switch cfg.Emit {
	case "", "rows":
	case "summary":
	default:
		return nil, &contracts.PluginConfigError{Plugin: "batch", Message: fmt.Sprintf("unknown emit %q", cfg.Emit)}
	}
	return &Batch{size: cfg.Size, summary: cfg.Emit == "summary"}, nil
}

func (a *Batch) Name() string                       { return "batch" }
func (a *Batch) PluginVersion() string              { return "1.0.0" }
func (a *Batch) Determinism() contracts.Determinism { return contracts.Deterministic }

func (a *Batch) Accumulate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (bool, contracts.TriggerType, string, error) {
	a.buffer = append(a.buffer, row)
	if len(a.buffer) >= a.size {
		return true, contracts.TriggerCount, fmt.Sprintf("batch reached %d rows", a.size), nil
	}
	return false, "", "", nil
}

func (a *Batch) Flush(ctx context.Context, pc *contracts.PluginContext) ([]map[string]any, error) {
	buffered := a.buffer
	a.buffer = nil
	if a.summary {
		return []map[string]any{{"batch_size": len(buffered)}}, nil
	}
	return buffered, nil
}

func (a *Batch) Pending() int { return len(a.buffer) }

type unionOptions struct {
	// Prefix adds "branch_" prefixes to merged keys instead of letting
	// later branches overwrite earlier ones.
	Prefix bool `json:"prefix"`
}

// Union merges forked branches back into one row. Branches apply in
// sorted name order; without prefixing, a later branch wins conflicting
// keys, which keeps the merge deterministic.
type Union struct {
	prefix bool
}

func NewUnion(options map[string]any) (*Union, error) {
	var cfg unionOptions
	if err := contracts.DecodeConfig("union", options, &cfg); err != nil {
		return nil, err
	}
	return &Union{prefix: cfg.Prefix}, nil
}

func (c *Union) Name() string                       { return "union" }
func (c *Union) PluginVersion() string              { return "1.0.0" }
func (c *Union) Determinism() contracts.Determinism { return contracts.Deterministic }
func (c *Union) Policy() string                     { return "union" }

func (c *Union) Merge(ctx context.Context, pc *contracts.PluginContext, branches map[string]map[string]any) (map[string]any, error) {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(map[string]any)
	for _, name := range names {
		for k, v := range branches[name] {
			if c.prefix {
				merged[name+"_"+k] = v
			} else {
				merged[k] = v
			}
		}
	}
	return merged, nil
}
