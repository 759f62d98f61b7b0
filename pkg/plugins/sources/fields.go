// Package sources holds the built-in source plugins. The CSV source is
// the reference implementation: it normalizes headers, coerces external
// strings against the declared contract, locks the contract on the first
// valid row, and quarantines rows that fail validation.
package sources

import (
	"fmt"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/schema"
)

// schemaOptions is the declared shape of the source's output, from the
// plugin options. Fields use the "name: type" form, e.g. "id: int"; a
// trailing "?" marks the field optional ("score: float?").
type schemaOptions struct {
	Mode   string   `json:"mode"`
	Fields []string `json:"fields"`
}

func (so schemaOptions) parse() (schema.Mode, []schema.FieldContract, error) {
	mode := so.Mode
	if mode == "" {
		mode = string(schema.ModeObserved)
	}
	parsed, err := schema.ParseMode(strings.ToUpper(mode))
	if err != nil {
		return "", nil, err
	}

	fields := make([]schema.FieldContract, 0, len(so.Fields))
	for _, spec := range so.Fields {
		name, typ, ok := strings.Cut(spec, ":")
		if !ok {
			return "", nil, fmt.Errorf("field spec %q is not name: type", spec)
		}
		name = strings.TrimSpace(name)
		typ = strings.TrimSpace(typ)
		required := true
		if strings.HasSuffix(typ, "?") {
			required = false
			typ = strings.TrimSpace(strings.TrimSuffix(typ, "?"))
		}
		ft, err := schema.ParseFieldType(typ)
		if err != nil {
			return "", nil, err
		}
		if name == "" {
			return "", nil, fmt.Errorf("field spec %q has an empty name", spec)
		}
		fields = append(fields, schema.FieldContract{
			NormalizedName: name,
			OriginalName:   name,
			Type:           ft,
			Required:       required,
		})
	}
	return parsed, fields, nil
}

// resolveFieldNames maps raw headers to normalized field names. With
// normalization off the headers pass through untouched; mapping entries
// override individual results either way. Two headers landing on the same
// normalized name is a configuration error, not a quarantinable row.
func resolveFieldNames(headers []string, normalize bool, mapping map[string]string) (map[string]string, error) {
	resolution := make(map[string]string, len(headers))
	claimed := make(map[string]string, len(headers))
	for _, header := range headers {
		normalized := header
		if normalize {
			normalized = normalizeFieldName(header)
		}
		if override, ok := mapping[header]; ok {
			normalized = override
		}
		if prior, dup := claimed[normalized]; dup {
			return nil, fmt.Errorf("headers %q and %q both normalize to %q", prior, header, normalized)
		}
		claimed[normalized] = header
		resolution[header] = normalized
	}
	return resolution, nil
}

// normalizeFieldName lowercases a header and squashes everything outside
// [a-z0-9_] to underscores. A name that would start with a digit gets an
// "f_" prefix so it stays a valid identifier.
func normalizeFieldName(header string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return "f_"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	return name
}
