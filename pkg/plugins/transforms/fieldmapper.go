// Package transforms holds the built-in row transforms: the field
// mapper and the pooled LLM transform.
package transforms

import (
	"context"
	"sort"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type fieldMapperOptions struct {
	// Mapping is target-name to source-name.
	Mapping      map[string]string `json:"mapping"`
	KeepOriginal bool              `json:"keep_original"`
	// Optional lists source fields the mapping may skip when absent.
	Optional []string `json:"optional"`
}

// FieldMapper copies or renames row fields. A missing non-optional
// source field is a row-level error handled by the node's on_error
// policy.
type FieldMapper struct {
	mapping  map[string]string
	keep     bool
	optional map[string]bool
}

func NewFieldMapper(options map[string]any) (*FieldMapper, error) {
	var cfg fieldMapperOptions
	if err := contracts.DecodeConfig("field_mapper", options, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Mapping) == 0 {
		return nil, &contracts.PluginConfigError{Plugin: "field_mapper", Message: "mapping is required"}
	}
	optional := make(map[string]bool, len(cfg.Optional))
	for _, f := range cfg.Optional {
		optional[f] = true
	}
	return &FieldMapper{mapping: cfg.Mapping, keep: cfg.KeepOriginal, optional: optional}, nil
}

func (t *FieldMapper) Name() string                       { return "field_mapper" }
func (t *FieldMapper) PluginVersion() string              { return "1.0.0" }
func (t *FieldMapper) Determinism() contracts.Determinism { return contracts.Deterministic }

func (t *FieldMapper) Process(ctx context.Context, pc *contracts.PluginContext, row map[string]any) contracts.TransformResult {
	out := make(map[string]any, len(row)+len(t.mapping))
	for k, v := range row {
		out[k] = v
	}

	targets := make([]string, 0, len(t.mapping))
	for target := range t.mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	mapped := make([]string, 0, len(targets))
	for _, target := range targets {
		source := t.mapping[target]
		value, ok := row[source]
		if !ok {
			if t.optional[source] {
				continue
			}
			return contracts.TransformError(map[string]any{
				"error_type": "missing_field",
				"field":      source,
				"error":      "source field not present in row",
			}, false)
		}
		out[target] = value
		if !t.keep && target != source {
			delete(out, source)
		}
		mapped = append(mapped, target)
	}
	return contracts.TransformSuccess(out, map[string]any{"mapped_fields": mapped})
}
