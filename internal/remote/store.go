// Package remote abstracts the WebDAV-style object store the sync engine
// publishes to. The substrate offers whole-object get/put/move/delete and
// directory listing only: no transactions, no compare-and-swap, no locks.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that the remote object does not exist. Absence is
	// a first-class outcome the sync engine branches on; it is never retried.
	ErrNotFound = errors.New("remote: object not found")
)

// ObjectStore is the contract every remote backend satisfies. Paths are
// forward-slash separated and relative to an application-private root.
type ObjectStore interface {
	// Get returns the full object bytes, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes the full object, creating parent directories as needed.
	Put(ctx context.Context, path string, data []byte) error

	// Move renames src to dst. With overwrite set, an existing dst is
	// replaced; this is the closest available approximation to an atomic
	// publish.
	Move(ctx context.Context, src, dst string, overwrite bool) error

	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, path string) error

	// Mkdir creates the directory. An already existing directory succeeds.
	Mkdir(ctx context.Context, path string) error

	// List returns the names of entries directly under the directory, or
	// ErrNotFound when the directory does not exist.
	List(ctx context.Context, path string) ([]string, error)
}

// IsNotFound reports whether the error means the remote object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
