// Package schema implements the typed field-contract system: declared and
// inferred field shapes, first-row locking, and post-lock drift validation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
)

// Mode controls how a contract treats undeclared fields.
type Mode string

const (
	// ModeFixed rejects any field not declared ahead of time.
	ModeFixed Mode = "FIXED"
	// ModeFlexible accepts declared fields plus extras discovered from the
	// first row, which are locked into the contract.
	ModeFlexible Mode = "FLEXIBLE"
	// ModeObserved declares nothing; the whole shape is inferred from the
	// first row and locked.
	ModeObserved Mode = "OBSERVED"
)

// ParseMode rejects unknown literals; strings from storage must round-trip
// through it before use.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModeFlexible, ModeObserved:
		return Mode(s), nil
	}
	return "", fmt.Errorf("schema: unknown contract mode %q", s)
}

// FieldSource records whether a field was declared by configuration or
// inferred from the first row.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// FieldType is the primitive type contract of one field.
type FieldType string

const (
	TypeString   FieldType = "str"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeDate     FieldType = "date"
	TypeBytes    FieldType = "bytes"
	// TypeNone marks a field whose only observed value was null.
	TypeNone FieldType = "none"
	// TypeAny accepts every value.
	TypeAny FieldType = "any"
)

// ParseFieldType rejects unknown literals.
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(s) {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeDatetime, TypeDate, TypeBytes, TypeNone, TypeAny:
		return FieldType(s), nil
	}
	return "", fmt.Errorf("schema: unknown field type %q", s)
}

// Accepts reports whether v is an instance of the field type. nil is decided
// by the caller via the field's Required flag.
func (ft FieldType) Accepts(v any) bool {
	if ft == TypeAny {
		return true
	}
	switch v.(type) {
	case string:
		return ft == TypeString
	case bool:
		return ft == TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return ft == TypeInt
	case float32, float64:
		return ft == TypeFloat
	case json.Number:
		n := v.(json.Number)
		if _, err := n.Int64(); err == nil {
			return ft == TypeInt || ft == TypeFloat
		}
		return ft == TypeFloat
	case time.Time, *time.Time:
		return ft == TypeDatetime
	case canonicalize.Date:
		return ft == TypeDate
	case []byte:
		return ft == TypeBytes
	case nil:
		return ft == TypeNone
	}
	return false
}

// InferFieldType maps a runtime value to its contract type. Nil and missing
// sentinels normalize to TypeNone.
func InferFieldType(v any) FieldType {
	switch t := v.(type) {
	case nil:
		return TypeNone
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return TypeInt
		}
		return TypeFloat
	case time.Time, *time.Time:
		return TypeDatetime
	case canonicalize.Date:
		return TypeDate
	case []byte:
		return TypeBytes
	default:
		return TypeAny
	}
}

// FieldContract is the schema cell for a single field.
type FieldContract struct {
	NormalizedName string      `json:"normalized_name"`
	OriginalName   string      `json:"original_name"`
	Type           FieldType   `json:"type"`
	Required       bool        `json:"required"`
	Source         FieldSource `json:"source"`
}

// Contract is the typed row shape for a stage. Once locked it is immutable;
// builders return new values instead of mutating.
type Contract struct {
	Mode        Mode            `json:"mode"`
	Locked      bool            `json:"locked"`
	Fields      []FieldContract `json:"fields"`
	VersionHash string          `json:"version_hash"`
}

// NewContract builds an unlocked contract from declared fields.
func NewContract(mode Mode, declared []FieldContract) (*Contract, error) {
	if mode == ModeObserved && len(declared) > 0 {
		return nil, fmt.Errorf("schema: OBSERVED contracts declare no fields")
	}
	fields := make([]FieldContract, len(declared))
	copy(fields, declared)
	c := &Contract{Mode: mode, Fields: fields}
	h, err := ComputeVersionHash(mode, fields)
	if err != nil {
		return nil, err
	}
	c.VersionHash = h
	return c, nil
}

// Field returns the contract cell for a normalized name.
func (c *Contract) Field(normalized string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.NormalizedName == normalized {
			return f, true
		}
	}
	return FieldContract{}, false
}

// FieldResolution returns the normalized-name to original-name map. Sinks use
// it to restore original headers on resume.
func (c *Contract) FieldResolution() map[string]string {
	m := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		m[f.NormalizedName] = f.OriginalName
	}
	return m
}

// ComputeVersionHash hashes the canonical form of the field tuple plus mode.
// The hash is embedded in the serialized contract and re-verified on resume.
func ComputeVersionHash(mode Mode, fields []FieldContract) (string, error) {
	tuple := make([]any, 0, len(fields))
	for _, f := range fields {
		tuple = append(tuple, map[string]any{
			"normalized_name": f.NormalizedName,
			"original_name":   f.OriginalName,
			"type":            string(f.Type),
			"required":        f.Required,
			"source":          string(f.Source),
		})
	}
	return canonicalize.StableHash(map[string]any{
		"mode":   string(mode),
		"fields": tuple,
	})
}

// MarshalJSON embeds the version hash alongside the field tuple so tampering
// is detectable by recomputation.
func (c *Contract) MarshalJSON() ([]byte, error) {
	type alias Contract
	return json.Marshal((*alias)(c))
}

// ParseContract decodes a stored contract and verifies its embedded version
// hash against a recomputation. A mismatch means the stored contract was
// altered after the run recorded it.
func ParseContract(data []byte) (*Contract, error) {
	type alias Contract
	var a alias
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("schema: decode contract: %w", err)
	}
	if _, err := ParseMode(string(a.Mode)); err != nil {
		return nil, err
	}
	for _, f := range a.Fields {
		if _, err := ParseFieldType(string(f.Type)); err != nil {
			return nil, err
		}
	}
	c := Contract(a)
	recomputed, err := ComputeVersionHash(c.Mode, c.Fields)
	if err != nil {
		return nil, err
	}
	if recomputed != c.VersionHash {
		return nil, fmt.Errorf("schema: contract version hash mismatch: stored %s, recomputed %s", c.VersionHash, recomputed)
	}
	return &c, nil
}

// SortedNormalizedNames returns field names in deterministic order.
func (c *Contract) SortedNormalizedNames() []string {
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		names = append(names, f.NormalizedName)
	}
	sort.Strings(names)
	return names
}
