package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var errEscapesRoot = errors.New("remote: path escapes store root")

// FileStore implements ObjectStore against a local directory, typically a
// mounted WebDAV or rclone target. Provider-specific transports live outside
// this repository; anything that can be mounted works here.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("remote: store root is required")
	}
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absolute, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: absolute}, nil
}

func (s *FileStore) resolve(remotePath string) (string, error) {
	cleaned := path.Clean("/" + remotePath)
	if cleaned == "/" {
		return s.root, nil
	}
	resolved := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	if !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) && resolved != s.root {
		return "", fmt.Errorf("%w: %s", errEscapesRoot, remotePath)
	}
	return resolved, nil
}

// Get implements ObjectStore.
func (s *FileStore) Get(_ context.Context, remotePath string) ([]byte, error) {
	resolved, err := s.resolve(remotePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put implements ObjectStore.
func (s *FileStore) Put(_ context.Context, remotePath string, data []byte) error {
	resolved, err := s.resolve(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, data, 0o644)
}

// Move implements ObjectStore.
func (s *FileStore) Move(_ context.Context, src, dst string, overwrite bool) error {
	resolvedSrc, err := s.resolve(src)
	if err != nil {
		return err
	}
	resolvedDst, err := s.resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(resolvedSrc); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if !overwrite {
		if _, err := os.Stat(resolvedDst); err == nil {
			return fmt.Errorf("remote: destination exists: %s", dst)
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolvedDst), 0o755); err != nil {
		return err
	}
	return os.Rename(resolvedSrc, resolvedDst)
}

// Delete implements ObjectStore.
func (s *FileStore) Delete(_ context.Context, remotePath string) error {
	resolved, err := s.resolve(remotePath)
	if err != nil {
		return err
	}
	err = os.Remove(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Mkdir implements ObjectStore.
func (s *FileStore) Mkdir(_ context.Context, remotePath string) error {
	resolved, err := s.resolve(remotePath)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, 0o755)
}

// List implements ObjectStore.
func (s *FileStore) List(_ context.Context, remotePath string) ([]string, error) {
	resolved, err := s.resolve(remotePath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
