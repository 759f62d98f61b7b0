// Package payload implements the content-addressed side store for full
// request/response and node-state payloads. Audit rows store only the
// payload hash; the bytes live here, sharded by hash prefix, and may be
// purged under a retention policy without touching the audit rows.
package payload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonicalize"
)

// ErrNotFound is returned when a payload is absent (never stored or purged).
var ErrNotFound = errors.New("payload not found")

// Store is the contract for content-addressed payload storage. Writes are
// idempotent: storing the same bytes twice yields the same hash and a
// single copy.
type Store interface {
	// Put persists data and returns its SHA-256 hex hash.
	Put(ctx context.Context, data []byte) (string, error)
	// PutCanonical canonicalizes v and stores the canonical bytes.
	PutCanonical(ctx context.Context, v any) (hash string, size int64, err error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	// Purge removes payloads older than the cutoff, returning how many were
	// deleted. Audit rows referencing purged hashes are untouched.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// FileStore is the filesystem reference implementation. Payloads live at
// <base>/<hash[0:2]>/<hash[2:4]>/<hash>.blob.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("payload: ensure store dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) pathFor(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("payload: invalid hash length %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("payload: invalid hash hex: %w", err)
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash+".blob"), nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil // idempotent: same hash, same bytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload: ensure shard dir: %w", err)
	}

	// Write to temp, then rename, so a crashed write never leaves a partial
	// blob addressable by its hash.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("payload: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payload: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) PutCanonical(ctx context.Context, v any) (string, int64, error) {
	data, err := canonicalize.CanonicalJSON(v)
	if err != nil {
		return "", 0, err
	}
	hash, err := s.Put(ctx, data)
	if err != nil {
		return "", 0, err
	}
	return hash, int64(len(data)), nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("payload: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	} else {
		return false, fmt.Errorf("payload: stat blob: %w", err)
	}
}

func (s *FileStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || filepath.Ext(path) != ".blob" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(path); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return purged, fmt.Errorf("payload: purge walk: %w", err)
	}
	return purged, nil
}
