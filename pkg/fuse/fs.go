// Package fuse mounts a dispatch.Dispatcher through go-fuse. Nodes carry only
// their registry handle; every call is forwarded to the dispatcher.
package fuse

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/pkg/dispatch"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/registry"
)

// Config holds mount settings.
type Config struct {
	AllowOther bool
	Debug      bool
	UID        uint32
	GID        uint32

	// Kernel-side caching. Kept short; the entry cache owns freshness.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	HealthCheckPeriod time.Duration
}

// DefaultConfig returns mount defaults for the current user.
func DefaultConfig() Config {
	return Config{
		UID:               uint32(os.Getuid()),
		GID:               uint32(os.Getgid()),
		EntryTimeout:      time.Second,
		AttrTimeout:       time.Second,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// Backend is what the health loop needs from the remote adapter.
type Backend interface {
	Ping(ctx context.Context) error
	IsOnline() bool
}

// cacheDropper is implemented by dispatchers that can forget cached state.
type cacheDropper interface {
	DropCache()
}

// FS is a mountable filesystem over a Dispatcher.
type FS struct {
	d       dispatch.Dispatcher
	backend Backend
	cfg     Config
	log     *zap.Logger

	healthCancel context.CancelFunc
}

// New creates a filesystem. backend may be nil, which disables health checks.
func New(d dispatch.Dispatcher, backend Backend, cfg Config) *FS {
	return &FS{
		d:       d,
		backend: backend,
		cfg:     cfg,
		log:     logging.Named("fuse"),
	}
}

// Root returns the root node, bound to the registry's root handle.
func (f *FS) Root() *Node {
	return &Node{fsys: f, h: registry.RootHandle}
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	entry, attr := f.cfg.EntryTimeout, f.cfg.AttrTimeout
	negative := time.Duration(0)
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     "remotefs",
			Name:       "remotefs",
		},
		EntryTimeout:    &entry,
		AttrTimeout:     &attr,
		NegativeTimeout: &negative,
		UID:             f.cfg.UID,
		GID:             f.cfg.GID,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	f.log.Info("mounted", zap.String("mount_point", mountPoint))
	return server, nil
}

// StartHealthCheck pings the backend periodically. When it comes back after
// being offline, cached state is dropped so stale listings are refetched.
func (f *FS) StartHealthCheck(ctx context.Context) {
	if f.backend == nil || f.cfg.HealthCheckPeriod <= 0 {
		return
	}

	healthCtx, cancel := context.WithCancel(ctx)
	f.healthCancel = cancel

	go func() {
		ticker := time.NewTicker(f.cfg.HealthCheckPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f.checkHealth(healthCtx)
			case <-healthCtx.Done():
				return
			}
		}
	}()

	f.log.Info("health check enabled", zap.Duration("period", f.cfg.HealthCheckPeriod))
}

func (f *FS) checkHealth(ctx context.Context) {
	wasOnline := f.backend.IsOnline()
	err := f.backend.Ping(ctx)
	if err == nil && !wasOnline {
		if d, ok := f.d.(cacheDropper); ok {
			d.DropCache()
		}
	}
}

// StopHealthCheck stops the health check loop.
func (f *FS) StopHealthCheck() {
	if f.healthCancel != nil {
		f.healthCancel()
		f.healthCancel = nil
	}
}

// Unmount flushes and drops dispatcher state. Call after the kernel mount
// is gone.
func (f *FS) Unmount(ctx context.Context) error {
	f.StopHealthCheck()
	return f.d.Unmount(ctx)
}
