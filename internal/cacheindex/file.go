package cacheindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/vectorroulette/internal/asset"
)

// FileStore persists the index as a JSON array, replacing the file atomically on every write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is required")
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the index file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the index. A missing file is an empty index.
func (s *FileStore) Load(_ context.Context) ([]asset.CacheEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []asset.CacheEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return []asset.CacheEntry{}, nil
	}
	var entries []asset.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", s.path, err)
	}
	return entries, nil
}

// Append re-reads the file, merges entries and writes the result via temp file and rename.
func (s *FileStore) Append(ctx context.Context, entries []asset.CacheEntry) ([]asset.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	merged, added := MergeEntries(existing, entries)
	if len(added) == 0 {
		return nil, nil
	}
	if err := s.write(merged); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *FileStore) write(entries []asset.CacheEntry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}
