// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fruitsalade/remotefs/internal/storage"
	"github.com/fruitsalade/remotefs/pkg/models"
)

const tempPrefix = ".remotefs-"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// Backend implements storage.Backend on a directory tree.
type Backend struct {
	rootPath string
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(p string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(models.CleanPath(p)))
}

// mapErr converts os errors into storage errors.
func mapErr(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrExists)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrNotDir)
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrIsDir)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func toInfo(fi fs.FileInfo) storage.Info {
	info := storage.Info{Name: fi.Name(), Dir: fi.IsDir(), ModTime: fi.ModTime()}
	if !info.Dir {
		info.Size = fi.Size()
	}
	return info
}

// List reads a directory, sorted by name. In-progress temp files are hidden.
func (b *Backend) List(_ context.Context, dir string) ([]storage.Info, error) {
	full := b.fullPath(dir)
	fi, err := os.Stat(full)
	if err != nil {
		return nil, mapErr("list", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotDir)
	}

	des, err := os.ReadDir(full)
	if err != nil {
		return nil, mapErr("list", dir, err)
	}
	out := make([]storage.Info, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue // removed while listing
		}
		out = append(out, toInfo(fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat describes path.
func (b *Backend) Stat(_ context.Context, p string) (storage.Info, error) {
	fi, err := os.Stat(b.fullPath(p))
	if err != nil {
		return storage.Info{}, mapErr("stat", p, err)
	}
	info := toInfo(fi)
	if models.CleanPath(p) == "/" {
		info.Name = ""
	}
	return info, nil
}

// Open reads a file with range support.
func (b *Backend) Open(_ context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(p))
	if err != nil {
		return nil, mapErr("open", p, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("open", p, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", p, storage.ErrIsDir)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", p, err)
		}
	}
	if length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
	}
	return f, nil
}

// checkParent requires the parent of p to be an existing directory.
func (b *Backend) checkParent(op, p string) error {
	parent := models.ParentPath(p)
	fi, err := os.Stat(b.fullPath(parent))
	if err != nil {
		return mapErr(op, parent, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s %s: %w", op, parent, storage.ErrNotDir)
	}
	return nil
}

// Put writes content atomically via a temp file and rename.
func (b *Backend) Put(_ context.Context, p string, body io.Reader, size int64) error {
	if models.CleanPath(p) == "/" {
		return fmt.Errorf("put /: %w", storage.ErrIsDir)
	}
	if err := b.checkParent("put", p); err != nil {
		return err
	}
	full := b.fullPath(p)
	if fi, err := os.Stat(full); err == nil && fi.IsDir() {
		return fmt.Errorf("put %s: %w", p, storage.ErrIsDir)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: got %d bytes, want %d", p, n, size)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, err)
	}
	return nil
}

// PutRange writes in place. The file is created when missing.
func (b *Backend) PutRange(_ context.Context, p string, body io.Reader, offset, length, total int64) error {
	if offset < 0 || length < 0 || offset+length > total {
		return fmt.Errorf("put range %s: %w", p, storage.ErrInvalid)
	}
	if err := b.checkParent("put", p); err != nil {
		return err
	}
	f, err := os.OpenFile(b.fullPath(p), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return mapErr("put", p, err)
	}
	defer f.Close()

	if length > 0 {
		n, err := io.Copy(io.NewOffsetWriter(f, offset), io.LimitReader(body, length))
		if err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		if n != length {
			return fmt.Errorf("write %s: got %d bytes, want %d", p, n, length)
		}
	}
	if err := f.Truncate(total); err != nil {
		return fmt.Errorf("truncate %s: %w", p, err)
	}
	return f.Close()
}

// Mkdir creates one directory.
func (b *Backend) Mkdir(_ context.Context, p string) error {
	if err := b.checkParent("mkdir", p); err != nil {
		return err
	}
	return mapErr("mkdir", p, os.Mkdir(b.fullPath(p), 0755))
}

// Delete removes a file or a directory tree.
func (b *Backend) Delete(_ context.Context, p string) error {
	if models.CleanPath(p) == "/" {
		return fmt.Errorf("delete /: %w", storage.ErrInvalid)
	}
	full := b.fullPath(p)
	if _, err := os.Lstat(full); err != nil {
		return mapErr("delete", p, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
