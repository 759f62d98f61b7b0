package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Environment overrides for deployment-specific values. They win over the
// settings document.
const (
	EnvLandscapePath = "ELSPETH_LANDSCAPE_PATH"
	EnvPayloadPath   = "ELSPETH_PAYLOAD_PATH"
	EnvSecurityMode  = "ELSPETH_SECURITY_MODE"
	EnvOTLPEndpoint  = "ELSPETH_OTLP_ENDPOINT"
)

const schemaURL = "elspeth://settings.schema.json"

// settingsSchema is the structural contract for a settings document.
// Cross-field rules (name uniqueness, sink references) live in validate.
const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "sinks", "default_sink"],
  "properties": {
    "source": {
      "type": "object",
      "required": ["plugin"],
      "properties": {
        "plugin": {"type": "string", "minLength": 1},
        "options": {"type": "object"},
        "on_validation_failure": {"enum": ["quarantine", "discard", "raise"]},
        "quarantine_sink": {"type": "string"},
        "security_level": {"type": "string"}
      }
    },
    "transforms": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["name", "plugin"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "plugin": {"type": "string", "minLength": 1},
          "options": {"type": "object"},
          "on_error": {"enum": ["route", "discard", "raise"]},
          "error_sink": {"type": "string"},
          "routes": {"type": "object", "additionalProperties": {"type": "string"}},
          "fork_to": {"type": "array", "items": {"type": "string"}},
          "merge_into": {"type": "string"},
          "security_level": {"type": "string"}
        }
      }
    },
    "aggregations": {
      "type": "array",
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["name", "plugin"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "plugin": {"type": "string", "minLength": 1},
          "options": {"type": "object"}
        }
      }
    },
    "coalesce": {
      "type": "array",
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["name", "plugin"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "plugin": {"type": "string", "minLength": 1},
          "options": {"type": "object"}
        }
      }
    },
    "sinks": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 50,
      "additionalProperties": {
        "type": "object",
        "required": ["plugin"],
        "properties": {
          "plugin": {"type": "string", "minLength": 1},
          "options": {"type": "object"},
          "security_level": {"type": "string"}
        }
      }
    },
    "default_sink": {"type": "string", "minLength": 1},
    "landscape": {
      "type": "object",
      "properties": {
        "path": {"type": "string"},
        "export": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "sink": {"type": "string"},
            "path": {"type": "string"}
          }
        }
      }
    },
    "payload_store": {
      "type": "object",
      "properties": {
        "base_path": {"type": "string"},
        "retention_days": {"type": "integer", "minimum": 0}
      }
    },
    "concurrency": {
      "type": "object",
      "properties": {
        "max_workers": {"type": "integer", "minimum": 1},
        "max_pending": {"type": "integer", "minimum": 1}
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_capacity_retry_seconds": {"type": "number", "minimum": 0},
        "initial_backoff_ms": {"type": "integer", "minimum": 0},
        "max_backoff_ms": {"type": "integer", "minimum": 0}
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "requests_per_second": {"type": "number", "minimum": 0},
        "burst": {"type": "integer", "minimum": 0},
        "min_gap_ms": {"type": "integer", "minimum": 0}
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "otlp_endpoint": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "insecure": {"type": "boolean"}
      }
    },
    "security": {
      "type": "object",
      "properties": {
        "mode": {"enum": ["development", "standard", "strict"]},
        "approved_endpoints": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(settingsSchema)); err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return c.MustCompile(schemaURL)
}()

// Load reads a settings document, validates it against the embedded
// schema, applies environment overrides and the cross-field rules, and
// returns both the typed settings and the raw document (the raw form is
// what gets hashed into the run record).
func Load(path string) (*Settings, map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Settings, map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	// Round-trip through JSON so the schema validator sees json-shaped
	// values (float64 numbers, string keys).
	jsonDoc, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("config: normalize document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return nil, nil, fmt.Errorf("config: normalize document: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, nil, fmt.Errorf("config: settings do not match schema: %w", err)
	}

	settings := defaults()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, nil, fmt.Errorf("config: decode settings: %w", err)
	}
	applyEnvOverrides(settings)
	if err := settings.validate(); err != nil {
		return nil, nil, err
	}

	normalized, ok := doc.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("config: settings document is not a mapping")
	}
	return settings, normalized, nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv(EnvLandscapePath); v != "" {
		s.Landscape.Path = v
	}
	if v := os.Getenv(EnvPayloadPath); v != "" {
		s.PayloadStore.BasePath = v
	}
	if v := os.Getenv(EnvSecurityMode); v != "" {
		s.Security.Mode = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
}
