package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/schema"
)

type csvOptions struct {
	Path            string            `json:"path"`
	Delimiter       string            `json:"delimiter"`
	SkipRows        int               `json:"skip_rows"`
	Columns         []string          `json:"columns"`
	NormalizeFields bool              `json:"normalize_fields"`
	FieldMapping    map[string]string `json:"field_mapping"`
	Schema          schemaOptions     `json:"schema"`
}

// CSV loads rows from a CSV file. This is the only place in the pipeline
// where type coercion happens: external strings are coerced against the
// declared contract at the source boundary, and every node downstream
// sees typed values.
type CSV struct {
	path      string
	delimiter rune
	skipRows  int
	columns   []string
	normalize bool
	mapping   map[string]string

	mode     schema.Mode
	declared []schema.FieldContract

	onValidationFailure string
	quarantineTo        string

	resolution map[string]string
	file       *os.File
	closed     bool
}

// NewCSV builds the source from plugin options. onValidationFailure is
// "quarantine", "discard" or "raise"; quarantineSink names the sink that
// receives quarantined rows.
func NewCSV(options map[string]any, onValidationFailure, quarantineSink string) (*CSV, error) {
	var cfg csvOptions
	if err := contracts.DecodeConfig("csv", options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, &contracts.PluginConfigError{Plugin: "csv", Message: "path is required"}
	}
	delimiter := ','
	if cfg.Delimiter != "" {
		runes := []rune(cfg.Delimiter)
		if len(runes) != 1 {
			return nil, &contracts.PluginConfigError{Plugin: "csv", Message: fmt.Sprintf("delimiter %q is not a single character", cfg.Delimiter)}
		}
		delimiter = runes[0]
	}
	if len(cfg.Columns) > 0 && cfg.NormalizeFields {
		return nil, &contracts.PluginConfigError{Plugin: "csv", Message: "columns and normalize_fields are mutually exclusive"}
	}
	mode, declared, err := cfg.Schema.parse()
	if err != nil {
		return nil, &contracts.PluginConfigError{Plugin: "csv", Message: err.Error()}
	}
	switch onValidationFailure {
	case "":
		onValidationFailure = "quarantine"
	case "quarantine", "discard", "raise":
	default:
		return nil, &contracts.PluginConfigError{Plugin: "csv", Message: fmt.Sprintf("unknown on_validation_failure %q", onValidationFailure)}
	}
	return &CSV{
		path:                cfg.Path,
		delimiter:           delimiter,
		skipRows:            cfg.SkipRows,
		columns:             cfg.Columns,
		normalize:           cfg.NormalizeFields,
		mapping:             cfg.FieldMapping,
		mode:                mode,
		declared:            declared,
		onValidationFailure: onValidationFailure,
		quarantineTo:        quarantineSink,
	}, nil
}

func (s *CSV) Name() string                       { return "csv" }
func (s *CSV) PluginVersion() string              { return "1.0.0" }
func (s *CSV) Determinism() contracts.Determinism { return contracts.IORead }
func (s *CSV) FieldResolution() map[string]string { return s.resolution }

// OutputSchema returns the declared, unlocked contract. The iterator
// locks a copy against the first valid row.
func (s *CSV) OutputSchema() *schema.Contract {
	c, err := schema.NewContract(s.mode, s.declared)
	if err != nil {
		return nil
	}
	return c
}

func (s *CSV) OnStart(ctx context.Context, pc *contracts.PluginContext) error {
	return nil
}

// Load opens the file, resolves headers, and returns the row iterator.
func (s *CSV) Load(ctx context.Context, pc *contracts.PluginContext) (contracts.SourceIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	s.file = f

	r := csv.NewReader(f)
	r.Comma = s.delimiter
	r.FieldsPerRecord = -1

	for i := 0; i < s.skipRows; i++ {
		if _, err := r.Read(); err != nil && !errors.Is(err, io.EOF) {
			// Skipped rows are metadata preamble; a parse failure inside
			// them is not worth surfacing.
			continue
		}
	}

	headers := s.columns
	if len(headers) == 0 {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return &csvIterator{source: s, exhausted: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv source: read header: %w", err)
		}
		headers = record
	}

	resolution, err := resolveFieldNames(headers, s.normalize, s.mapping)
	if err != nil {
		return nil, &contracts.PluginConfigError{Plugin: "csv", Message: err.Error()}
	}
	s.resolution = resolution

	// Declared fields adopt the original header that resolves to them so
	// the locked contract can restore source headers on export.
	reverse := make(map[string]string, len(resolution))
	for original, normalized := range resolution {
		reverse[normalized] = original
	}
	declared := make([]schema.FieldContract, len(s.declared))
	copy(declared, s.declared)
	for i := range declared {
		if original, ok := reverse[declared[i].NormalizedName]; ok {
			declared[i].OriginalName = original
		}
	}
	contract, err := schema.NewContract(s.mode, declared)
	if err != nil {
		return nil, err
	}

	return &csvIterator{
		source:     s,
		reader:     r,
		headers:    headers,
		resolution: resolution,
		contract:   contract,
	}, nil
}

// Close is idempotent.
func (s *CSV) Close() error {
	if s.closed || s.file == nil {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

type csvIterator struct {
	source     *CSV
	reader     *csv.Reader
	headers    []string
	resolution map[string]string
	contract   *schema.Contract
	exhausted  bool
	rowNum     int
}

func (it *csvIterator) Next(ctx context.Context) (contracts.SourceRow, bool, error) {
	if it.exhausted {
		return contracts.SourceRow{}, false, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return contracts.SourceRow{}, false, err
		}
		record, err := it.reader.Read()
		if errors.Is(err, io.EOF) {
			it.exhausted = true
			return contracts.SourceRow{}, false, nil
		}
		it.rowNum++
		if err != nil {
			raw := map[string]any{
				"__raw_line__":   "(unparseable)",
				"__row_number__": it.rowNum,
			}
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				raw["__line_number__"] = pe.Line
			}
			return it.quarantine(raw, fmt.Sprintf("CSV parse error: %v", err))
		}
		if len(record) != len(it.headers) {
			raw := map[string]any{
				"__raw_line__":   strings.Join(record, string(it.source.delimiter)),
				"__row_number__": it.rowNum,
			}
			return it.quarantine(raw, fmt.Sprintf("expected %d fields, got %d", len(it.headers), len(record)))
		}

		raw := make(map[string]any, len(record))
		var coerceErr error
		for i, header := range it.headers {
			normalized := it.resolution[header]
			value, err := it.coerce(normalized, record[i])
			if err != nil {
				coerceErr = fmt.Errorf("field %q: %w", header, err)
				break
			}
			raw[header] = value
		}
		if coerceErr != nil {
			rawStrings := make(map[string]any, len(record))
			for i, header := range it.headers {
				rawStrings[header] = record[i]
			}
			rawStrings["__row_number__"] = it.rowNum
			return it.quarantine(rawStrings, coerceErr.Error())
		}

		if !it.contract.Locked {
			locked, err := schema.BuildFromFirstRow(it.contract, raw, it.resolution)
			if err != nil {
				return contracts.SourceRow{}, false, err
			}
			it.contract = locked
		}

		normalized := make(map[string]any, len(raw))
		for header, value := range raw {
			normalized[it.resolution[header]] = value
		}
		if violations := it.contract.Validate(normalized); len(violations) > 0 {
			messages := make([]string, len(violations))
			for i, v := range violations {
				messages[i] = v.Message()
			}
			raw["__row_number__"] = it.rowNum
			return it.quarantine(raw, strings.Join(messages, "; "))
		}

		row, err := schema.NewPipelineRow(normalized, it.contract)
		if err != nil {
			return contracts.SourceRow{}, false, err
		}
		return contracts.SourceRow{Row: row}, true, nil
	}
}

// quarantine yields the raw row to the configured destination; under the
// raise policy it fails the load instead.
func (it *csvIterator) quarantine(raw map[string]any, message string) (contracts.SourceRow, bool, error) {
	if it.source.onValidationFailure == "raise" {
		return contracts.SourceRow{}, false, fmt.Errorf("csv source: row %d: %s", it.rowNum, message)
	}
	destination := it.source.quarantineTo
	if it.source.onValidationFailure == "discard" || destination == "" {
		destination = "discard"
	}
	return contracts.SourceRow{
		RawData:     raw,
		Quarantined: true,
		Error:       message,
		Destination: destination,
	}, true, nil
}

// coerce converts an external string to the contract type of the field.
// Undeclared fields stay strings; inference on the first row types them.
func (it *csvIterator) coerce(normalized, value string) (any, error) {
	field, ok := it.contract.Field(normalized)
	if !ok {
		return value, nil
	}
	if value == "" && field.Type != schema.TypeString && field.Type != schema.TypeAny {
		return nil, nil
	}
	switch field.Type {
	case schema.TypeString, schema.TypeAny, schema.TypeBytes:
		if field.Type == schema.TypeBytes {
			return []byte(value), nil
		}
		return value, nil
	case schema.TypeInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to int", value)
		}
		return n, nil
	case schema.TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to float", value)
		}
		return f, nil
	case schema.TypeBool:
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to bool", value)
		}
		return b, nil
	case schema.TypeDatetime:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to datetime", value)
		}
		return t, nil
	case schema.TypeDate:
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to date", value)
		}
		return canonicalize.DateOf(t), nil
	case schema.TypeNone:
		return nil, nil
	}
	return value, nil
}

func (it *csvIterator) Close() error {
	it.exhausted = true
	return nil
}
