// Package gates holds the built-in routing gates: CEL condition routing
// and the fan-out fork gate.
package gates

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type celCondition struct {
	When  string `json:"when"`
	Label string `json:"label"`
}

type celOptions struct {
	Conditions   []celCondition `json:"conditions"`
	DefaultLabel string         `json:"default_label"`
}

// programCache shares compiled CEL programs across gate instances; the
// same expression in two nodes compiles once per process.
var (
	programMu    sync.Mutex
	programCache = map[string]cel.Program{}
	celEnv       *cel.Env
	celEnvErr    error
	celEnvOnce   sync.Once
)

func environment() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

func compile(expr string) (cel.Program, error) {
	programMu.Lock()
	defer programMu.Unlock()
	if prg, ok := programCache[expr]; ok {
		return prg, nil
	}
	env, err := environment()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache[expr] = prg
	return prg, nil
}

// CEL routes rows by evaluating boolean conditions over the row in
// order; the first true condition wins its label. With no match the
// token continues on the default edge, or the configured default label.
type CEL struct {
	conditions []celCondition
	programs   []cel.Program
	fallback   string
}

func NewCEL(options map[string]any) (*CEL, error) {
	var cfg celOptions
	if err := contracts.DecodeConfig("cel", options, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Conditions) == 0 {
		return nil, &contracts.PluginConfigError{Plugin: "cel", Message: "at least one condition is required"}
	}
	programs := make([]cel.Program, len(cfg.Conditions))
	for i, c := range cfg.Conditions {
		if c.When == "" || c.Label == "" {
			return nil, &contracts.PluginConfigError{Plugin: "cel", Message: "every condition needs when and label"}
		}
		prg, err := compile(c.When)
		if err != nil {
			return nil, &contracts.PluginConfigError{Plugin: "cel", Message: fmt.Sprintf("condition %q: %v", c.When, err)}
		}
		programs[i] = prg
	}
	return &CEL{conditions: cfg.Conditions, programs: programs, fallback: cfg.DefaultLabel}, nil
}

func (g *CEL) Name() string                       { return "cel" }
func (g *CEL) PluginVersion() string              { return "1.0.0" }
func (g *CEL) Determinism() contracts.Determinism { return contracts.Deterministic }

func (g *CEL) Evaluate(ctx context.Context, pc *contracts.PluginContext, row map[string]any) (contracts.GateResult, error) {
	for i, prg := range g.programs {
		val, _, err := prg.Eval(map[string]any{"row": row})
		if err != nil {
			return contracts.GateResult{
				TransformResult: contracts.TransformError(map[string]any{
					"error_type": "condition_eval",
					"condition":  g.conditions[i].When,
					"error":      err.Error(),
				}, false),
			}, nil
		}
		matched, ok := val.Value().(bool)
		if !ok {
			return contracts.GateResult{
				TransformResult: contracts.TransformError(map[string]any{
					"error_type": "condition_type",
					"condition":  g.conditions[i].When,
					"error":      fmt.Sprintf("condition returned %T, want bool", val.Value()),
				}, false),
			}, nil
		}
		if matched {
			return contracts.GateResult{
				TransformResult: contracts.TransformSuccess(row, nil),
				Action: contracts.Route(g.conditions[i].Label, map[string]any{
					"condition": g.conditions[i].When,
				}),
			}, nil
		}
	}
	if g.fallback != "" {
		return contracts.GateResult{
			TransformResult: contracts.TransformSuccess(row, nil),
			Action:          contracts.Route(g.fallback, map[string]any{"condition": "default"}),
		}, nil
	}
	return contracts.GateResult{
		TransformResult: contracts.TransformSuccess(row, nil),
		Action:          contracts.Continue(),
	}, nil
}
