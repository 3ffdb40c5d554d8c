package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalStore keeps blobs on the local filesystem under
// base/{kind}/YYYY/MM/DD/{id}{ext}.
type LocalStore struct {
	mu       sync.RWMutex
	basePath string
	index    map[string]string // blob id -> relative path
}

// NewLocalStore creates the base directory and returns a disk-backed store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{
		basePath: basePath,
		index:    make(map[string]string),
	}, nil
}

// Put writes the blob through a temp file and an atomic rename.
func (s *LocalStore) Put(ctx context.Context, id string, data io.Reader, opts PutOptions) (string, error) {
	kind := "blob"
	if k, ok := opts.Metadata["kind"]; ok && k != "" {
		kind = k
	}

	now := time.Now()
	relDir := filepath.Join(kind,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))
	dir := filepath.Join(s.basePath, relDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	filename := id + extensionForMime(opts.MimeType)
	filePath := filepath.Join(dir, filename)

	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	s.mu.Lock()
	s.index[id] = filepath.Join(relDir, filename)
	s.mu.Unlock()

	return fmt.Sprintf("file://%s", filePath), nil
}

// Get opens a blob by id.
func (s *LocalStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	relPath, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", id)
	}

	f, err := os.Open(filepath.Join(s.basePath, relPath))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Delete removes a blob from disk.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	relPath, ok := s.index[id]
	if ok {
		delete(s.index, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	err := os.Remove(filepath.Join(s.basePath, relPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether a blob is indexed and present on disk.
func (s *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	relPath, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	_, err := os.Stat(filepath.Join(s.basePath, relPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
