package payload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Len(t, hash, 64)

	data, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	h1, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	h2, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestShardedLayout(t *testing.T) {
	s := newStore(t)
	hash, err := s.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	expected := filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash+".blob")
	_, err = os.Stat(expected)
	assert.NoError(t, err)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsInvalidHash(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "not-a-hash")
	require.Error(t, err)
	ok, err := s.Exists(context.Background(), "zz")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestPutCanonicalHashesCanonicalBytes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	h1, size, err := s.PutCanonical(ctx, map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	h2, _, err := s.PutCanonical(ctx, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, int64(len(`{"a":1,"b":2}`)), size)
}

func TestPurgeRemovesOldBlobsOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	oldHash, err := s.Put(ctx, []byte("old"))
	require.NoError(t, err)
	newHash, err := s.Put(ctx, []byte("new"))
	require.NoError(t, err)

	oldPath, err := s.pathFor(oldHash)
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	purged, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	ok, err := s.Exists(ctx, oldHash)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, newHash)
	require.NoError(t, err)
	assert.True(t, ok)
}
