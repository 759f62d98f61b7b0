package gates

import (
	"context"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type forkOptions struct {
	Paths []string `json:"paths"`
}

// Fork duplicates every token down each configured path. The branches
// meet again at the coalesce node the pipeline wires the paths into.
type Fork struct {
	paths []string
}

func NewFork(options map[string]any) (*Fork, error) {
	var cfg forkOptions
	if err := contracts.DecodeConfig("fork", options, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Paths) < 2 {
		return nil, &contracts.PluginConfigError{Plugin: "fork", Message: "at least two paths are required"}
	}
	seen := make(map[string]bool, len(cfg.Paths))
	for _, p := range cfg.Paths {
		if p == "" {
			return nil, &contracts.PluginConfigError{Plugin: "fork", Message: "paths must be non-empty"}
		}
		if seen[p] {
			return nil, &contracts.PluginConfigError{Plugin: "fork", Message: "duplicate path " + p}
		}
		seen[p] = true
	}
	return &Fork{paths: cfg.Paths}, nil
}

func (g *Fork) Name() string                       { return "fork" }
func (g *Fork) PluginVersion() string              { return "1.0.0" }
func (g *Fork) Determinism() contracts.Determinism { return contracts.Deterministic }

func (g *Fork) Evaluate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (contracts.GateResult, error) {
	return contracts.GateResult{
		TransformResult: contracts.TransformSuccess(row, nil),
		Action: contracts.ForkToPaths(g.paths, map[string]any{
			"paths": len(g.paths),
		}),
	}, nil
}
