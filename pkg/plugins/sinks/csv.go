package sinks

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type csvOptions struct {
	Path                   string   `json:"path"`
	Delimiter              string   `json:"delimiter"`
	Mode                   string   `json:"mode"`
	Fields                 []string `json:"fields"`
	RestoreOriginalHeaders bool     `json:"restore_original_headers"`
	SanitizeFormulas       bool     `json:"sanitize_formulas"`
}

// CSV writes rows to a CSV file. Headers come from the configured field
// list when one is declared, otherwise from the sorted keys of the first
// row. In append mode an existing file's header row is authoritative.
type CSV struct {
	path      string
	delimiter rune
	mode      string
	fields    []string
	restore   bool
	sanitize  bool

	resolution map[string]string
	headers    []string
	file       *os.File
	writer     *csv.Writer
	closed     bool
}

func NewCSV(options map[string]any) (*CSV, error) {
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
	mode, err := parseMode("csv", cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &CSV{
		path:      cfg.Path,
		delimiter: delimiter,
		mode:      mode,
		fields:    cfg.Fields,
		restore:   cfg.RestoreOriginalHeaders,
		sanitize:  cfg.SanitizeFormulas,
	}, nil
}

func (s *CSV) Name() string                       { return "csv" }
func (s *CSV) PluginVersion() string              { return "1.0.0" }
func (s *CSV) Determinism() contracts.Determinism { return contracts.IOWrite }

func (s *CSV) Write(ctx context.Context, pc *contracts.PluginContext, rows []map[string]any) (*contracts.ArtifactDescriptor, error) {
	if len(rows) == 0 {
		return fileArtifact(s.path, "csv")
	}
	if s.file == nil {
		if err := s.open(rows[0]); err != nil {
			return nil, err
		}
	}
	for _, row := range rows {
		record := make([]string, len(s.headers))
		for i, field := range s.headers {
			cell := formatValue(row[field])
			if s.sanitize {
				cell = sanitizeCell(cell)
			}
			record[i] = cell
		}
		if err := s.writer.Write(record); err != nil {
			return nil, fmt.Errorf("csv sink: write %s: %w", s.path, err)
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return nil, fmt.Errorf("csv sink: write %s: %w", s.path, err)
	}
	return fileArtifact(s.path, "csv")
}

// open creates or appends to the target and decides the header row. In
// append mode an existing header is read back and mapped through the
// resume field resolution when display headers are in play.
func (s *CSV) open(first map[string]any) error {
	headers := s.fields
	if len(headers) == 0 {
		headers = make([]string, 0, len(first))
		for k := range first {
			headers = append(headers, k)
		}
		sort.Strings(headers)
	}

	if s.mode == modeAppend {
		existing, err := s.readExistingHeader()
		if err != nil {
			return err
		}
		if existing != nil {
			f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("csv sink: open %s: %w", s.path, err)
			}
			s.file = f
			s.writer = csv.NewWriter(f)
			s.writer.Comma = s.delimiter
			s.headers = s.normalizeHeaders(existing)
			return nil
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv sink: open %s: %w", s.path, err)
	}
	s.file = f
	s.writer = csv.NewWriter(f)
	s.writer.Comma = s.delimiter
	s.headers = headers
	if err := s.writer.Write(s.displayHeaders(headers)); err != nil {
		return fmt.Errorf("csv sink: write header: %w", err)
	}
	return nil
}

// readExistingHeader returns the header row of the target file, or nil
// when the file is missing or empty.
func (s *CSV) readExistingHeader() ([]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv sink: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = s.delimiter
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv sink: read header of %s: %w", s.path, err)
	}
	return header, nil
}

// displayHeaders maps normalized field names to original source headers
// when restoration is configured and a resolution is known.
func (s *CSV) displayHeaders(headers []string) []string {
	if !s.restore || s.resolution == nil {
		return headers
	}
	display := make([]string, len(headers))
	for i, h := range headers {
		if original, ok := s.resolution[h]; ok {
			display[i] = original
		} else {
			display[i] = h
		}
	}
	return display
}

// normalizeHeaders maps a file's display headers back to the normalized
// field names rows are keyed by.
func (s *CSV) normalizeHeaders(headers []string) []string {
	if !s.restore || s.resolution == nil {
		return headers
	}
	reverse := make(map[string]string, len(s.resolution))
	for normalized, original := range s.resolution {
		reverse[original] = normalized
	}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		if n, ok := reverse[h]; ok {
			normalized[i] = n
		} else {
			normalized[i] = h
		}
	}
	return normalized
}

// Flush forces written rows to disk: encoder flush, then fsync.
func (s *CSV) Flush(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("csv sink: flush %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("csv sink: fsync %s: %w", s.path, err)
	}
	return nil
}

// Close is idempotent.
func (s *CSV) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer != nil {
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			return err
		}
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// ConfigureForResume switches to append mode so resumed runs extend the
// existing artifact instead of truncating it.
func (s *CSV) ConfigureForResume(ctx context.Context) error {
	s.mode = modeAppend
	return nil
}

// ValidateOutputTarget compares the existing file's header row against
// the configured fields. Without a declared field list the file headers
// are authoritative and anything validates.
func (s *CSV) ValidateOutputTarget(ctx context.Context) (contracts.OutputValidationResult, error) {
	if len(s.fields) == 0 {
		return contracts.OutputValidationResult{Valid: true}, nil
	}
	existing, err := s.readExistingHeader()
	if err != nil {
		return contracts.OutputValidationResult{}, err
	}
	if existing == nil {
		return contracts.OutputValidationResult{Valid: true}, nil
	}
	expected := s.displayHeaders(s.fields)
	if len(existing) != len(expected) {
		return contracts.OutputValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("file has %d columns, contract expects %d", len(existing), len(expected)),
		}, nil
	}
	for i := range expected {
		if existing[i] != expected[i] {
			return contracts.OutputValidationResult{
				Valid:   false,
				Message: fmt.Sprintf("column %d is %q, contract expects %q", i, existing[i], expected[i]),
			}, nil
		}
	}
	return contracts.OutputValidationResult{Valid: true}, nil
}

func (s *CSV) SetResumeFieldResolution(resolution map[string]string) {
	s.resolution = resolution
}

// sanitizeCell neutralizes spreadsheet formula injection by prefixing
// cells that would be interpreted as formulas.
func sanitizeCell(cell string) string {
	if cell == "" {
		return cell
	}
	if strings.ContainsRune("=+-@\t\r", rune(cell[0])) {
		return "'" + cell
	}
	return cell
}
