package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "Usage")
}

func TestResumeRequiresRunID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "resume"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "-run")
}

func TestIntrospectRequiresTarget(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "introspect"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
}

func TestRunExecutesPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(input, []byte("id,name\n1,Alice\n2,Bob\n"), 0o644))
	output := filepath.Join(dir, "output.jsonl")

	settings := filepath.Join(dir, "settings.yaml")
	doc := fmt.Sprintf(`
source:
  plugin: csv
  options: {path: %q}
sinks:
  output: {plugin: jsonl, options: {path: %q}}
default_sink: output
landscape:
  path: %q
payload_store:
  base_path: %q
`, input, output, filepath.Join(dir, "audit.db"), filepath.Join(dir, "payloads"))
	require.NoError(t, os.WriteFile(settings, []byte(doc), 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "run", "-settings", settings}, &stdout, &stderr)
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "COMPLETED")
	assert.Contains(t, stdout.String(), "2 processed")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"name":"Alice"`)
}

func TestRunFailsOnMissingSettings(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "run", "-settings", filepath.Join(t.TempDir(), "nope.yaml")}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
}
