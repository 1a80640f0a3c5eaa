// Package artifact stores generated files (outlines, scripts, question sets)
// and hands back a location string that is later recorded on the job.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for unknown locations.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts.
type Store interface {
	// Put writes content under name and returns its location.
	Put(ctx context.Context, name string, content []byte, contentType string) (string, error)
	// Get reads the artifact at a location returned by Put.
	Get(ctx context.Context, location string) ([]byte, error)
}

// FileStore keeps artifacts under a root directory on the local disk.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Put writes the file atomically: readers never see a partial artifact.
func (s *FileStore) Put(_ context.Context, name string, content []byte, _ string) (string, error) {
	dst, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return dst, nil
}

func (s *FileStore) Get(_ context.Context, location string) ([]byte, error) {
	path, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// resolve maps a name or absolute location to a path inside the root.
func (s *FileStore) resolve(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, filepath.FromSlash(name))
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact location %q outside %s", name, s.root)
	}
	return path, nil
}
