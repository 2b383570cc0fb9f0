// Package storage defines the Backend interface the reference server stores
// its tree in. Implementations live in the local and s3 subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Errors returned by backends. Handlers map them onto HTTP statuses.
var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotSupported = errors.New("not supported")
	ErrInvalid      = errors.New("invalid path")
)

// Info describes one stored object.
type Info struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Backend stores a tree of files and directories addressed by canonical
// absolute slash paths.
type Backend interface {
	// List returns the children of dir.
	List(ctx context.Context, dir string) ([]Info, error)

	// Stat describes path.
	Stat(ctx context.Context, path string) (Info, error)

	// Open reads length bytes of a file from offset. A non-positive length
	// reads to the end.
	Open(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Put replaces the content of a file, creating it if needed. The parent
	// directory must exist.
	Put(ctx context.Context, path string, body io.Reader, size int64) error

	// PutRange writes length bytes at offset and sets the file size to
	// total. Backends without in-place writes return ErrNotSupported.
	PutRange(ctx context.Context, path string, body io.Reader, offset, length, total int64) error

	// Mkdir creates one directory. The parent must exist.
	Mkdir(ctx context.Context, path string) error

	// Delete removes path, recursively for directories.
	Delete(ctx context.Context, path string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
