// Package config loads and validates pipeline settings: YAML documents
// checked against an embedded JSON schema, with environment overrides for
// deployment-specific paths. The validated Settings plus the raw document
// (hashed into the run record) are what the CLI hands to the engine.
package config

import (
	"fmt"
	"time"
)

// Settings is the top-level pipeline configuration.
type Settings struct {
	Source       SourceSettings          `yaml:"source"`
	Transforms   []TransformSettings     `yaml:"transforms"`
	Aggregations []AggregationSettings   `yaml:"aggregations"`
	Coalesce     []CoalesceSettings      `yaml:"coalesce"`
	Sinks        map[string]SinkSettings `yaml:"sinks"`
	DefaultSink  string                  `yaml:"default_sink"`

	Landscape    LandscapeSettings    `yaml:"landscape"`
	PayloadStore PayloadStoreSettings `yaml:"payload_store"`
	Concurrency  ConcurrencySettings  `yaml:"concurrency"`
	Retry        RetrySettings        `yaml:"retry"`
	RateLimit    RateLimitSettings    `yaml:"rate_limit"`
	Telemetry    TelemetrySettings    `yaml:"telemetry"`
	Security     SecuritySettings     `yaml:"security"`
}

// SourceSettings configures the single source plugin of a run.
type SourceSettings struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
	// OnValidationFailure is "quarantine", "discard" or "raise".
	OnValidationFailure string `yaml:"on_validation_failure"`
	// QuarantineSink receives rows diverted by a quarantine policy.
	QuarantineSink string `yaml:"quarantine_sink"`
	SecurityLevel  string `yaml:"security_level"`
}

// TransformSettings configures one processing node. An entry with Routes
// or ForkTo becomes a GATE node, otherwise a TRANSFORM.
type TransformSettings struct {
	Name    string         `yaml:"name"`
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`

	OnError   string `yaml:"on_error"`   // route | discard | raise
	ErrorSink string `yaml:"error_sink"` // DIVERT target for on_error=route

	// Routes maps gate labels to sink names.
	Routes map[string]string `yaml:"routes"`
	// ForkTo lists branch labels duplicated toward MergeInto.
	ForkTo    []string `yaml:"fork_to"`
	MergeInto string   `yaml:"merge_into"`

	SecurityLevel string `yaml:"security_level"`
}

// AggregationSettings configures a batching node appended after the
// transform chain.
type AggregationSettings struct {
	Name    string         `yaml:"name"`
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// CoalesceSettings configures a merge node referenced by a forking gate's
// merge_into.
type CoalesceSettings struct {
	Name    string         `yaml:"name"`
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// SinkSettings configures one named sink.
type SinkSettings struct {
	Plugin        string         `yaml:"plugin"`
	Options       map[string]any `yaml:"options"`
	SecurityLevel string         `yaml:"security_level"`
}

// LandscapeSettings configures the audit store.
type LandscapeSettings struct {
	Path   string         `yaml:"path"`
	Export ExportSettings `yaml:"export"`
}

// ExportSettings configures post-run audit export.
type ExportSettings struct {
	Enabled bool   `yaml:"enabled"`
	Sink    string `yaml:"sink"`
	Path    string `yaml:"path"`
}

// PayloadStoreSettings configures the content-addressed payload store.
type PayloadStoreSettings struct {
	BasePath      string `yaml:"base_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ConcurrencySettings bounds the pooled executor.
type ConcurrencySettings struct {
	MaxWorkers int `yaml:"max_workers"`
	MaxPending int `yaml:"max_pending"`
}

// RetrySettings bounds capacity retries in the pooled executor.
type RetrySettings struct {
	MaxCapacityRetrySeconds float64 `yaml:"max_capacity_retry_seconds"`
	InitialBackoffMS        int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS            int     `yaml:"max_backoff_ms"`
}

// RateLimitSettings throttles outbound LLM calls.
type RateLimitSettings struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MinGapMS          int     `yaml:"min_gap_ms"`
}

// TelemetrySettings configures the otel provider.
type TelemetrySettings struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// SecuritySettings selects the endpoint-validation mode and allowlist.
type SecuritySettings struct {
	Mode              string   `yaml:"mode"`
	ApprovedEndpoints []string `yaml:"approved_endpoints"`
}

func defaults() *Settings {
	return &Settings{
		Landscape:    LandscapeSettings{Path: "state/audit.db"},
		PayloadStore: PayloadStoreSettings{BasePath: "state/payloads", RetentionDays: 30},
		Concurrency:  ConcurrencySettings{MaxWorkers: 4, MaxPending: 32},
		Retry: RetrySettings{
			MaxCapacityRetrySeconds: 300,
			InitialBackoffMS:        int(time.Second / time.Millisecond),
			MaxBackoffMS:            int(30 * time.Second / time.Millisecond),
		},
		RateLimit: RateLimitSettings{RequestsPerSecond: 2, Burst: 1},
		Telemetry: TelemetrySettings{SampleRate: 1.0},
		Security:  SecuritySettings{Mode: "standard"},
	}
}

// validate applies the cross-field rules the JSON schema cannot express.
func (s *Settings) validate() error {
	if s.Source.Plugin == "" {
		return fmt.Errorf("config: source.plugin is required")
	}
	if len(s.Sinks) == 0 {
		return fmt.Errorf("config: at least one sink is required")
	}
	if s.DefaultSink == "" {
		return fmt.Errorf("config: default_sink is required")
	}
	if _, ok := s.Sinks[s.DefaultSink]; !ok {
		return fmt.Errorf("config: default_sink %q is not a configured sink", s.DefaultSink)
	}

	// Node names are node ids in the audit trail; collisions would make
	// routing and lineage ambiguous.
	seen := map[string]string{"source": "source"}
	claim := func(name, kind string) error {
		if name == "" {
			return fmt.Errorf("config: every %s needs a name", kind)
		}
		if prior, ok := seen[name]; ok {
			return fmt.Errorf("config: node name %q used by both %s and %s", name, prior, kind)
		}
		seen[name] = kind
		return nil
	}
	coalesceNames := map[string]bool{}
	for _, c := range s.Coalesce {
		if err := claim(c.Name, "coalesce"); err != nil {
			return err
		}
		coalesceNames[c.Name] = true
	}
	for _, tr := range s.Transforms {
		if err := claim(tr.Name, "transform"); err != nil {
			return err
		}
		if len(tr.ForkTo) > 0 && tr.MergeInto == "" {
			return fmt.Errorf("config: gate %q forks but has no merge_into", tr.Name)
		}
		if tr.MergeInto != "" && !coalesceNames[tr.MergeInto] {
			return fmt.Errorf("config: gate %q merge_into %q is not a configured coalesce", tr.Name, tr.MergeInto)
		}
		for label, sink := range tr.Routes {
			if _, ok := s.Sinks[sink]; !ok {
				return fmt.Errorf("config: gate %q route %q targets unknown sink %q", tr.Name, label, sink)
			}
		}
		if tr.OnError == "route" && tr.ErrorSink == "" {
			return fmt.Errorf("config: transform %q has on_error=route but no error_sink", tr.Name)
		}
		if tr.ErrorSink != "" {
			if _, ok := s.Sinks[tr.ErrorSink]; !ok {
				return fmt.Errorf("config: transform %q error_sink %q is not a configured sink", tr.Name, tr.ErrorSink)
			}
		}
	}
	for _, a := range s.Aggregations {
		if err := claim(a.Name, "aggregation"); err != nil {
			return err
		}
	}
	for name := range s.Sinks {
		if err := claim(name, "sink"); err != nil {
			return err
		}
	}

	if s.Source.QuarantineSink != "" {
		if _, ok := s.Sinks[s.Source.QuarantineSink]; !ok {
			return fmt.Errorf("config: quarantine_sink %q is not a configured sink", s.Source.QuarantineSink)
		}
	}
	if s.Landscape.Export.Enabled && s.Landscape.Export.Sink == "" {
		return fmt.Errorf("config: landscape.export.sink is required when export is enabled")
	}
	return nil
}
