// Package dispatch turns filesystem calls into registry, cache, open-file
// and remote operations. It knows nothing about the kernel transport; the
// fuse package is a thin shim over the Dispatcher interface.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/remotefs/pkg/cache"
	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/openfile"
	"github.com/fruitsalade/remotefs/pkg/pathlock"
	"github.com/fruitsalade/remotefs/pkg/registry"
)

// Rename flags, as passed by the kernel.
const (
	RenameNoReplace uint32 = 1 << 0
	RenameExchange  uint32 = 1 << 1
)

var errUnmounted = errors.New("filesystem is unmounting")

// Attr is an entry together with the handle it is bound to.
type Attr struct {
	Handle uint64
	models.Entry
}

// StatfsInfo holds synthetic capacity figures.
type StatfsInfo struct {
	BlockSize uint32
	Blocks    uint64
	Free      uint64
	Files     uint64
	FreeFiles uint64
	NameLen   uint32
}

// Dispatcher is the set of filesystem calls served by a mount.
type Dispatcher interface {
	Lookup(ctx context.Context, parent uint64, name string) (Attr, error)
	Getattr(ctx context.Context, h uint64) (Attr, error)
	Readdir(ctx context.Context, h uint64) ([]Attr, error)
	Open(ctx context.Context, h uint64, mode models.OpenMode, truncate bool) (uint64, error)
	Read(ctx context.Context, fh uint64, off int64, n int) ([]byte, error)
	Write(ctx context.Context, fh uint64, off int64, data []byte) (int, error)
	Create(ctx context.Context, parent uint64, name string, mode models.OpenMode) (Attr, uint64, error)
	Mkdir(ctx context.Context, parent uint64, name string) (Attr, error)
	Unlink(ctx context.Context, parent uint64, name string) error
	Rmdir(ctx context.Context, parent uint64, name string) error
	Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) error
	Flush(ctx context.Context, fh uint64) error
	Fsync(ctx context.Context, fh uint64) error
	Release(ctx context.Context, fh uint64) error
	Setattr(ctx context.Context, h, fh uint64, size *int64) (Attr, error)
	Statfs(ctx context.Context) (StatfsInfo, error)
	Unmount(ctx context.Context) error
}

// Remote is the part of the REST adapter the dispatcher needs.
type Remote interface {
	openfile.Remote
	List(ctx context.Context, dir string) ([]models.Entry, error)
	Mkdir(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}

// Config holds dispatcher settings.
type Config struct {
	FileMode          uint32 // default permission bits for files
	DirMode           uint32 // default permission bits for directories
	ChunkSize         int
	SpoolDir          string
	RenameConcurrency int    // parallel copies per directory during rename
	Capacity          uint64 // bytes reported by statfs
	Now               func() time.Time
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		FileMode:          models.DefaultFileMode,
		DirMode:           models.DefaultDirMode,
		RenameConcurrency: 8,
		Capacity:          1 << 40,
	}
}

// FS implements Dispatcher.
type FS struct {
	remote Remote
	cache  *cache.Cache
	reg    *registry.Registry
	files  *openfile.Manager
	cfg    Config
	log    *zap.Logger

	root     models.Entry
	locks    pathlock.Locker
	listings singleflight.Group
	closed   atomic.Bool
}

var _ Dispatcher = (*FS)(nil)

// New creates a dispatcher over r, caching in c and binding handles in reg.
func New(r Remote, c *cache.Cache, reg *registry.Registry, cfg Config) *FS {
	def := DefaultConfig()
	if cfg.FileMode == 0 {
		cfg.FileMode = def.FileMode
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = def.DirMode
	}
	if cfg.RenameConcurrency <= 0 {
		cfg.RenameConcurrency = def.RenameConcurrency
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := models.RootEntry(cfg.Now())
	root.Mode = cfg.DirMode
	return &FS{
		remote: r,
		cache:  c,
		reg:    reg,
		files:  openfile.NewManager(r, c, openfile.Config{ChunkSize: cfg.ChunkSize, SpoolDir: cfg.SpoolDir}),
		cfg:    cfg,
		log:    logging.Named("dispatch"),
		root:   root,
	}
}

// DropCache forgets all cached metadata and content, e.g. after the backend
// was unreachable for a while.
func (d *FS) DropCache() {
	d.cache.Clear()
	d.log.Info("cache dropped")
}

// observe records the outcome of op. Expected misses are not logged.
func (d *FS) observe(op, path string, err error) {
	if err == nil {
		metrics.RecordOp(op, "ok")
		return
	}
	kind := fserr.KindOf(err)
	metrics.RecordOp(op, kind.String())
	if kind == fserr.KindNotFound || kind == fserr.KindAlreadyExists {
		return
	}
	d.log.Debug("operation failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
}

// live fails once unmount has begun, so late network results are dropped.
func (d *FS) live(op, path string) error {
	if d.closed.Load() {
		return fserr.New(fserr.KindUnreachable, op, path, errUnmounted)
	}
	return nil
}

// resolve maps h to its path. A handle retired by delete or rename reports
// NotFound; one never handed out reports UnknownHandle.
func (d *FS) resolve(op string, h uint64) (string, error) {
	p, err := d.reg.Resolve(h)
	if err == nil {
		return p, nil
	}
	if d.reg.Retired(h) {
		return "", fserr.New(fserr.KindNotFound, op, "", fmt.Errorf("handle %d was retired", h))
	}
	return "", fserr.WithOp(err, op, "")
}

func (d *FS) childPath(op string, parent uint64, name string) (string, string, error) {
	dir, err := d.resolve(op, parent)
	if err != nil {
		return "", "", err
	}
	if !models.ValidName(name) {
		return "", "", fserr.New(fserr.KindNotFound, op, models.JoinPath(dir, name), fmt.Errorf("invalid name %q", name))
	}
	return dir, models.JoinPath(dir, name), nil
}

// listing returns the listing of dir, fetching it when the cached copy is
// missing or stale. Concurrent fetches of one directory share a request.
func (d *FS) listing(ctx context.Context, dir string, now time.Time) (*models.DirectoryListing, error) {
	if l, st := d.cache.Listing(dir, now); st == models.StateFresh {
		return l, nil
	}
	if _, st := d.cache.Attrs(dir, now); st == models.StateAbsent {
		return nil, fserr.New(fserr.KindNotFound, "list", dir, nil)
	}

	v, err, _ := d.listings.Do(dir, func() (any, error) {
		if l, st := d.cache.Listing(dir, now); st == models.StateFresh {
			return l, nil
		}
		entries, err := d.remote.List(context.WithoutCancel(ctx), dir)
		if err := d.live("list", dir); err != nil {
			return nil, err
		}
		if err != nil {
			if errors.Is(err, fserr.NotFound) {
				d.cache.PutAbsent(dir, now)
			}
			return nil, err
		}
		for i := range entries {
			entries[i] = entries[i].WithDefaults(d.cfg.FileMode, d.cfg.DirMode)
		}
		l := &models.DirectoryListing{Path: dir, Entries: entries, FetchedAt: now}
		d.cache.PutListing(dir, l, now)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.DirectoryListing), nil
}

// stat returns the entry at p from the cache or from its parent's listing.
// A fresh parent listing without the name is a confirmed absence.
func (d *FS) stat(ctx context.Context, p string, now time.Time) (models.Entry, error) {
	if p == "/" {
		return d.root, nil
	}
	switch e, st := d.cache.Attrs(p, now); st {
	case models.StateFresh:
		return e, nil
	case models.StateAbsent:
		return models.Entry{}, fserr.New(fserr.KindNotFound, "stat", p, nil)
	}

	l, err := d.listing(ctx, models.ParentPath(p), now)
	if err != nil {
		if errors.Is(err, fserr.NotFound) {
			return models.Entry{}, fserr.New(fserr.KindNotFound, "stat", p, err)
		}
		return models.Entry{}, err
	}
	e, ok := l.Find(models.BaseName(p))
	if !ok {
		d.cache.PutAbsent(p, now)
		return models.Entry{}, fserr.New(fserr.KindNotFound, "stat", p, nil)
	}
	return e, nil
}

// withPending reports the size a writer on the path currently sees.
func (d *FS) withPending(e models.Entry) models.Entry {
	if e.IsDir() {
		return e
	}
	if size, ok := d.files.DirtySize(e.Path); ok {
		e.Size = size
	}
	return e
}

// invalidate drops cached state of p and of its parent listing.
func (d *FS) invalidate(p string) {
	d.cache.Invalidate(p)
	d.cache.Invalidate(models.ParentPath(p))
}

func (d *FS) invalidateTree(p string) {
	d.cache.InvalidateSubtree(p)
	d.cache.Invalidate(models.ParentPath(p))
}
