package sinks

import (
	"context"
	"fmt"
	"os"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type jsonArrayOptions struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// JSONArray writes all rows as a single JSON array. The whole file is
// rewritten on every Write so the on-disk document is always a complete
// array; append mode is structurally impossible and rejected at
// configuration time.
type JSONArray struct {
	path   string
	rows   []map[string]any
	dirty  bool
	closed bool
}

func NewJSONArray(options map[string]any) (*JSONArray, error) {
	var cfg jsonArrayOptions
	if err := contracts.DecodeConfig("json", options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, &contracts.PluginConfigError{Plugin: "json", Message: "path is required"}
	}
	if cfg.Mode == modeAppend {
		return nil, &contracts.PluginConfigError{Plugin: "json", Message: "append mode is not supported for JSON array output"}
	}
	if _, err := parseMode("json", cfg.Mode); err != nil {
		return nil, err
	}
	return &JSONArray{path: cfg.Path}, nil
}

func (s *JSONArray) Name() string                       { return "json" }
func (s *JSONArray) PluginVersion() string              { return "1.0.0" }
func (s *JSONArray) Determinism() contracts.Determinism { return contracts.IOWrite }

func (s *JSONArray) Write(ctx context.Context, pc *contracts.PluginContext, rows []map[string]any) (*contracts.ArtifactDescriptor, error) {
	s.rows = append(s.rows, rows...)
	s.dirty = true
	if err := s.rewrite(); err != nil {
		return nil, err
	}
	return fileArtifact(s.path, "json")
}

func (s *JSONArray) rewrite() error {
	doc := make([]any, len(s.rows))
	for i, row := range s.rows {
		doc[i] = row
	}
	data, err := canonicalize.CanonicalJSON(doc)
	if err != nil {
		return fmt.Errorf("json sink: encode: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("json sink: open %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("json sink: write %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("json sink: fsync %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

// Flush is a no-op: rewrite already syncs the full document.
func (s *JSONArray) Flush(ctx context.Context) error {
	if s.dirty {
		return s.rewrite()
	}
	return nil
}

// Close is idempotent.
func (s *JSONArray) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.dirty {
		return s.rewrite()
	}
	return nil
}

// ConfigureForResume fails: a resumed run would have to re-emit rows the
// prior attempt already wrote into the array.
func (s *JSONArray) ConfigureForResume(ctx context.Context) error {
	return fmt.Errorf("json sink: JSON array output cannot append across runs")
}

func (s *JSONArray) ValidateOutputTarget(ctx context.Context) (contracts.OutputValidationResult, error) {
	return contracts.OutputValidationResult{Valid: true}, nil
}

func (s *JSONArray) SetResumeFieldResolution(resolution map[string]string) {}
