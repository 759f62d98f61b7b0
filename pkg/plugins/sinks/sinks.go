// Package sinks holds the built-in file sinks. Every sink honors the
// durability order the engine fixes: Write appends rows, Flush forces
// the bytes to disk (flush then fsync), and only then does an audit
// state close. Artifact content hashes are SHA-256 of the file bytes at
// registration time.
package sinks

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

const (
	modeWrite  = "write"
	modeAppend = "append"
)

func parseMode(plugin, mode string) (string, error) {
	switch mode {
	case "":
		return modeWrite, nil
	case modeWrite, modeAppend:
		return mode, nil
	}
	return "", &contracts.PluginConfigError{Plugin: plugin, Message: fmt.Sprintf("unknown mode %q", mode)}
}

// fileArtifact hashes the file as it stands and describes it.
func fileArtifact(path, artifactType string) (*contracts.ArtifactDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash artifact %s: %w", path, err)
	}
	return &contracts.ArtifactDescriptor{
		PathOrURI:    path,
		ArtifactType: artifactType,
		ContentHash:  canonicalize.HashBytes(data),
		SizeBytes:    int64(len(data)),
	}, nil
}

// formatValue renders a typed row value as a CSV cell.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
