package sinks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSV(map[string]any{"path": path, "fields": []any{"id", "name"}})
	require.NoError(t, err)

	artifact, err := sink.Write(context.Background(), nil, []map[string]any{
		{"id": int64(1), "name": "Alice"},
		{"id": int64(2), "name": "Bob"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Alice\n2,Bob\n", string(data))

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.ContentHash)
	assert.Equal(t, int64(len(data)), artifact.SizeBytes)
	assert.Equal(t, "csv", artifact.ArtifactType)
}

func TestCSVSinkResumeAppendsWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,Alice\n"), 0o644))

	sink, err := NewCSV(map[string]any{"path": path, "fields": []any{"id", "name"}})
	require.NoError(t, err)
	require.NoError(t, sink.ConfigureForResume(context.Background()))

	result, err := sink.ValidateOutputTarget(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid)

	_, err = sink.Write(context.Background(), nil, []map[string]any{{"id": int64(2), "name": "Bob"}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Alice\n2,Bob\n", string(data))
}

func TestCSVSinkValidateRejectsHeaderDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,total\n1,10\n"), 0o644))

	sink, err := NewCSV(map[string]any{"path": path, "fields": []any{"id", "name"}})
	require.NoError(t, err)

	result, err := sink.ValidateOutputTarget(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Message, `"total"`)
}

func TestCSVSinkRestoresOriginalHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSV(map[string]any{
		"path":                     path,
		"fields":                   []any{"customer_name"},
		"restore_original_headers": true,
	})
	require.NoError(t, err)
	sink.SetResumeFieldResolution(map[string]string{"customer_name": "Customer Name"})

	_, err = sink.Write(context.Background(), nil, []map[string]any{{"customer_name": "Alice"}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Customer Name\n"))
}

func TestCSVSinkSanitizesFormulas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSV(map[string]any{
		"path":              path,
		"fields":            []any{"value"},
		"sanitize_formulas": true,
	})
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), nil, []map[string]any{{"value": "=SUM(A1:A9)"}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "'=SUM(A1:A9)")
}

func TestJSONLSinkAppendSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := NewJSONL(map[string]any{"path": path})
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), nil, []map[string]any{
		{"b": int64(2), "a": int64(1)},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background()))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Canonical form: keys sorted, one object per line.
	assert.Equal(t, "{\"a\":1,\"b\":2}\n", string(data))

	resumed, err := NewJSONL(map[string]any{"path": path, "mode": "append"})
	require.NoError(t, err)
	_, err = resumed.Write(context.Background(), nil, []map[string]any{{"a": int64(3)}})
	require.NoError(t, err)
	require.NoError(t, resumed.Close())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestJSONArraySinkRejectsAppend(t *testing.T) {
	var cfgErr *contracts.PluginConfigError
	_, err := NewJSONArray(map[string]any{"path": "out.json", "mode": "append"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "append")
}

func TestJSONArraySinkRefusesResume(t *testing.T) {
	sink, err := NewJSONArray(map[string]any{"path": filepath.Join(t.TempDir(), "out.json")})
	require.NoError(t, err)
	require.Error(t, sink.ConfigureForResume(context.Background()))
}

func TestJSONArraySinkWritesCompleteDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	sink, err := NewJSONArray(map[string]any{"path": path})
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), nil, []map[string]any{{"id": int64(1)}})
	require.NoError(t, err)
	artifact, err := sink.Write(context.Background(), nil, []map[string]any{{"id": int64(2)}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":1},{"id":2}]`, string(data))
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.ContentHash)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "x", formatValue("x"))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "1.5", formatValue(1.5))
}
