package sinks

import (
	"context"
	"fmt"
	"os"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

type jsonlOptions struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// JSONL writes one canonical JSON object per line. The format is
// append-safe, which makes it the natural resume target.
type JSONL struct {
	path   string
	mode   string
	file   *os.File
	closed bool
}

func NewJSONL(options map[string]any) (*JSONL, error) {
	var cfg jsonlOptions
	if err := contracts.DecodeConfig("jsonl", options, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, &contracts.PluginConfigError{Plugin: "jsonl", Message: "path is required"}
	}
	mode, err := parseMode("jsonl", cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &JSONL{path: cfg.Path, mode: mode}, nil
}

func (s *JSONL) Name() string                       { return "jsonl" }
func (s *JSONL) PluginVersion() string              { return "1.0.0" }
func (s *JSONL) Determinism() contracts.Determinism { return contracts.IOWrite }

func (s *JSONL) Write(ctx context.Context, pc *contracts.PluginContext, rows []map[string]any) (*contracts.ArtifactDescriptor, error) {
	if s.file == nil {
		flags := os.O_CREATE | os.O_TRUNC | os.O_WRONLY
		if s.mode == modeAppend {
			flags = os.O_CREATE | os.O_APPEND | os.O_WRONLY
		}
		f, err := os.OpenFile(s.path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: open %s: %w", s.path, err)
		}
		s.file = f
	}
	for _, row := range rows {
		line, err := canonicalize.CanonicalJSON(row)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: encode row: %w", err)
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("jsonl sink: write %s: %w", s.path, err)
		}
	}
	return fileArtifact(s.path, "jsonl")
}

func (s *JSONL) Flush(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("jsonl sink: fsync %s: %w", s.path, err)
	}
	return nil
}

// Close is idempotent.
func (s *JSONL) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *JSONL) ConfigureForResume(ctx context.Context) error {
	s.mode = modeAppend
	return nil
}

// ValidateOutputTarget always passes: JSONL appends are structurally
// safe regardless of the existing file's contents.
func (s *JSONL) ValidateOutputTarget(ctx context.Context) (contracts.OutputValidationResult, error) {
	return contracts.OutputValidationResult{Valid: true}, nil
}

func (s *JSONL) SetResumeFieldResolution(resolution map[string]string) {}
