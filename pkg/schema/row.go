package schema

import (
	"fmt"
)

// PipelineRow is the in-flight row carrier. It exposes dual-name access (by
// normalized and by original field name), a mapping-style membership check,
// and a reference to the contract that produced it. Quarantined carriers
// never become a PipelineRow.
type PipelineRow struct {
	data     map[string]any
	contract *Contract
	original map[string]string // original name -> normalized name
}

// NewPipelineRow wraps row data (keyed by normalized names) with its locked
// contract.
func NewPipelineRow(data map[string]any, contract *Contract) (*PipelineRow, error) {
	if contract == nil {
		return nil, fmt.Errorf("schema: pipeline row requires a contract")
	}
	if !contract.Locked {
		return nil, fmt.Errorf("schema: pipeline row requires a locked contract")
	}
	original := make(map[string]string, len(contract.Fields))
	for _, f := range contract.Fields {
		original[f.OriginalName] = f.NormalizedName
	}
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return &PipelineRow{data: copied, contract: contract, original: original}, nil
}

// Get returns the value for a normalized field name.
func (r *PipelineRow) Get(normalized string) (any, bool) {
	v, ok := r.data[normalized]
	return v, ok
}

// GetOriginal returns the value addressed by the field's original name.
func (r *PipelineRow) GetOriginal(original string) (any, bool) {
	normalized, ok := r.original[original]
	if !ok {
		return nil, false
	}
	return r.Get(normalized)
}

// Has reports membership by normalized or original name.
func (r *PipelineRow) Has(name string) bool {
	if _, ok := r.data[name]; ok {
		return true
	}
	_, ok := r.original[name]
	return ok
}

// Set assigns a value by normalized name, returning an error for fields the
// contract does not know under FIXED mode.
func (r *PipelineRow) Set(normalized string, v any) error {
	if _, ok := r.contract.Field(normalized); !ok && r.contract.Mode == ModeFixed {
		return fmt.Errorf("schema: FIXED contract rejects assignment to undeclared field %q", normalized)
	}
	r.data[normalized] = v
	return nil
}

// Data returns a copy of the row keyed by normalized names.
func (r *PipelineRow) Data() map[string]any {
	out := make(map[string]any, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

// Contract returns the contract that produced this row.
func (r *PipelineRow) Contract() *Contract {
	return r.contract
}
