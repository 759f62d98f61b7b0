package schema

import (
	"fmt"
	"sort"
)

// BuildFromFirstRow locks a contract against the first observed row.
//
// Already-locked contracts are returned unchanged. Declared fields keep their
// declared type; undeclared fields are inferred from the row's values with
// Required=false. The resolution map translates original field names to
// normalized names; a row field absent from it is a source-plugin bug.
func BuildFromFirstRow(c *Contract, row map[string]any, resolution map[string]string) (*Contract, error) {
	if c.Locked {
		return c, nil
	}

	declared := make(map[string]FieldContract, len(c.Fields))
	for _, f := range c.Fields {
		declared[f.NormalizedName] = f
	}

	inferred := make([]FieldContract, 0)
	originals := make([]string, 0, len(row))
	for original := range row {
		originals = append(originals, original)
	}
	sort.Strings(originals)

	for _, original := range originals {
		normalized, ok := resolution[original]
		if !ok {
			return nil, fmt.Errorf("schema: row field %q missing from source resolution map (source plugin bug)", original)
		}
		if _, isDeclared := declared[normalized]; isDeclared {
			continue
		}
		if c.Mode == ModeFixed {
			return nil, fmt.Errorf("schema: FIXED contract rejects undeclared field %q", original)
		}
		inferred = append(inferred, FieldContract{
			NormalizedName: normalized,
			OriginalName:   original,
			Type:           InferFieldType(row[original]),
			Required:       false,
			Source:         SourceInferred,
		})
	}

	fields := make([]FieldContract, 0, len(c.Fields)+len(inferred))
	for _, f := range c.Fields {
		f.Source = SourceDeclared
		fields = append(fields, f)
	}
	fields = append(fields, inferred...)

	locked := &Contract{Mode: c.Mode, Locked: true, Fields: fields}
	h, err := ComputeVersionHash(locked.Mode, locked.Fields)
	if err != nil {
		return nil, err
	}
	locked.VersionHash = h
	return locked, nil
}

// Violation is a typed validation failure for one field of one row.
type Violation interface {
	Field() string
	Message() string
}

// MissingFieldViolation reports an absent required field.
type MissingFieldViolation struct {
	Name string
}

func (v MissingFieldViolation) Field() string { return v.Name }
func (v MissingFieldViolation) Message() string {
	return fmt.Sprintf("required field %q is missing", v.Name)
}

// TypeMismatchViolation reports a value that is not an instance of the
// contracted type.
type TypeMismatchViolation struct {
	Name     string
	Expected FieldType
	Got      any
}

func (v TypeMismatchViolation) Field() string { return v.Name }
func (v TypeMismatchViolation) Message() string {
	return fmt.Sprintf("field %q expects %s, got %T", v.Name, v.Expected, v.Got)
}

// Validate checks a row (keyed by normalized names) against a locked
// contract. Optional fields accept nil; TypeAny accepts everything.
func (c *Contract) Validate(row map[string]any) []Violation {
	var violations []Violation
	for _, f := range c.Fields {
		v, present := row[f.NormalizedName]
		if !present || v == nil {
			if f.Required {
				if !present {
					violations = append(violations, MissingFieldViolation{Name: f.NormalizedName})
				} else {
					violations = append(violations, TypeMismatchViolation{Name: f.NormalizedName, Expected: f.Type, Got: nil})
				}
			}
			continue
		}
		if f.Type == TypeNone {
			// Nullable-only field: any non-nil value is drift.
			violations = append(violations, TypeMismatchViolation{Name: f.NormalizedName, Expected: f.Type, Got: v})
			continue
		}
		if !f.Type.Accepts(v) {
			violations = append(violations, TypeMismatchViolation{Name: f.NormalizedName, Expected: f.Type, Got: v})
		}
	}
	if c.Mode == ModeFixed {
		for name := range row {
			if _, ok := c.Field(name); !ok {
				violations = append(violations, UnexpectedFieldViolation{Name: name})
			}
		}
	}
	return violations
}

// UnexpectedFieldViolation reports an extra field under a FIXED contract.
type UnexpectedFieldViolation struct {
	Name string
}

func (v UnexpectedFieldViolation) Field() string { return v.Name }
func (v UnexpectedFieldViolation) Message() string {
	return fmt.Sprintf("field %q is not declared by the FIXED contract", v.Name)
}
