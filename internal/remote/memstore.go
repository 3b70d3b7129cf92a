package remote

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory ObjectStore used by tests and by callers that
// want to dry-run a sync pass. Per-operation failure hooks make transient
// transport errors reproducible.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	dirs    map[string]bool

	// FailNext, when non-nil, is consulted before every operation; returning
	// a non-nil error aborts the call with that error.
	FailNext func(operation, path string) error
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string][]byte),
		dirs:    make(map[string]bool),
	}
}

func normalize(remotePath string) string {
	return strings.TrimPrefix(path.Clean("/"+remotePath), "/")
}

func (s *MemStore) fail(operation, remotePath string) error {
	if s.FailNext == nil {
		return nil
	}
	return s.FailNext(operation, remotePath)
}

// Get implements ObjectStore.
func (s *MemStore) Get(_ context.Context, remotePath string) ([]byte, error) {
	if err := s.fail("get", remotePath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[normalize(remotePath)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// Put implements ObjectStore.
func (s *MemStore) Put(_ context.Context, remotePath string, data []byte) error {
	if err := s.fail("put", remotePath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[normalize(remotePath)] = copied
	return nil
}

// Move implements ObjectStore.
func (s *MemStore) Move(_ context.Context, src, dst string, overwrite bool) error {
	if err := s.fail("move", src); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	srcKey, dstKey := normalize(src), normalize(dst)
	data, ok := s.objects[srcKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if _, exists := s.objects[dstKey]; exists && !overwrite {
		return fmt.Errorf("remote: destination exists: %s", dst)
	}
	s.objects[dstKey] = data
	delete(s.objects, srcKey)
	return nil
}

// Delete implements ObjectStore.
func (s *MemStore) Delete(_ context.Context, remotePath string) error {
	if err := s.fail("delete", remotePath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, normalize(remotePath))
	return nil
}

// Mkdir implements ObjectStore.
func (s *MemStore) Mkdir(_ context.Context, remotePath string) error {
	if err := s.fail("mkdir", remotePath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[normalize(remotePath)] = true
	return nil
}

// List implements ObjectStore.
func (s *MemStore) List(_ context.Context, remotePath string) ([]string, error) {
	if err := s.fail("list", remotePath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := normalize(remotePath)
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var names []string
	for key := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		if !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	if len(names) == 0 && !s.dirs[normalize(remotePath)] {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether an object is present; test helper.
func (s *MemStore) Exists(remotePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[normalize(remotePath)]
	return ok
}
