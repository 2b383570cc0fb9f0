package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// Lookup resolves name under parent and binds a handle to it.
func (d *FS) Lookup(ctx context.Context, parent uint64, name string) (a Attr, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("lookup", p, err) }()

	if err = d.live("lookup", ""); err != nil {
		return Attr{}, err
	}
	if _, p, err = d.childPath("lookup", parent, name); err != nil {
		return Attr{}, err
	}
	e, err := d.stat(ctx, p, now)
	if err != nil {
		return Attr{}, fserr.WithOp(err, "lookup", p)
	}
	return Attr{Handle: d.reg.Bind(p), Entry: d.withPending(e)}, nil
}

// Getattr returns the attributes of h. While a handle holds unflushed
// writes, the size is the size that writer sees.
func (d *FS) Getattr(ctx context.Context, h uint64) (a Attr, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("getattr", p, err) }()

	if err = d.live("getattr", ""); err != nil {
		return Attr{}, err
	}
	if p, err = d.resolve("getattr", h); err != nil {
		return Attr{}, err
	}
	e, err := d.stat(ctx, p, now)
	if err != nil {
		return Attr{}, fserr.WithOp(err, "getattr", p)
	}
	return Attr{Handle: h, Entry: d.withPending(e)}, nil
}

// Readdir lists h and binds every child.
func (d *FS) Readdir(ctx context.Context, h uint64) (out []Attr, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("readdir", p, err) }()

	if err = d.live("readdir", ""); err != nil {
		return nil, err
	}
	if p, err = d.resolve("readdir", h); err != nil {
		return nil, err
	}
	if e, st := d.cache.Attrs(p, now); st == models.StateFresh && !e.IsDir() {
		return nil, fserr.New(fserr.KindNotADirectory, "readdir", p, nil)
	}
	l, err := d.listing(ctx, p, now)
	if err != nil {
		return nil, fserr.WithOp(err, "readdir", p)
	}
	out = make([]Attr, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, Attr{Handle: d.reg.Bind(e.Path), Entry: d.withPending(e)})
	}
	return out, nil
}

// Open validates h and opens a file handle on it.
func (d *FS) Open(ctx context.Context, h uint64, mode models.OpenMode, truncate bool) (fh uint64, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("open", p, err) }()

	if err = d.live("open", ""); err != nil {
		return 0, err
	}
	if p, err = d.resolve("open", h); err != nil {
		return 0, err
	}
	e, err := d.stat(ctx, p, now)
	if err != nil {
		return 0, fserr.WithOp(err, "open", p)
	}
	f, err := d.files.Open(h, e, mode, truncate)
	if err != nil {
		return 0, err
	}
	return f.ID(), nil
}

// Read reads from an open file handle.
func (d *FS) Read(ctx context.Context, fh uint64, off int64, n int) (data []byte, err error) {
	defer func() { d.observe("read", "", err) }()
	if err = d.live("read", ""); err != nil {
		return nil, err
	}
	data, err = d.files.Read(ctx, fh, off, n)
	if err == nil {
		err = d.live("read", "")
	}
	return data, err
}

// Write buffers data in an open file handle.
func (d *FS) Write(ctx context.Context, fh uint64, off int64, data []byte) (n int, err error) {
	defer func() { d.observe("write", "", err) }()
	if err = d.live("write", ""); err != nil {
		return 0, err
	}
	return d.files.Write(ctx, fh, off, data)
}

// Create makes an empty file under parent and opens it.
func (d *FS) Create(ctx context.Context, parent uint64, name string, mode models.OpenMode) (a Attr, fh uint64, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("create", p, err) }()

	if err = d.live("create", ""); err != nil {
		return Attr{}, 0, err
	}
	if _, p, err = d.childPath("create", parent, name); err != nil {
		return Attr{}, 0, err
	}
	unlock := d.locks.Lock(p)
	defer unlock()

	if _, err = d.stat(ctx, p, now); err == nil {
		return Attr{}, 0, fserr.New(fserr.KindAlreadyExists, "create", p, nil)
	} else if !errors.Is(err, fserr.NotFound) {
		return Attr{}, 0, fserr.WithOp(err, "create", p)
	}

	if err = d.remote.Put(ctx, p, bytes.NewReader(nil), 0); err != nil {
		return Attr{}, 0, err
	}
	if err = d.live("create", p); err != nil {
		return Attr{}, 0, err
	}
	d.invalidate(p)

	e := models.Entry{Path: p, Name: name, Kind: models.KindFile, ModTime: now, Mode: d.cfg.FileMode}
	h := d.reg.Bind(p)
	f, err := d.files.Open(h, e, mode, false)
	if err != nil {
		return Attr{}, 0, err
	}
	d.log.Debug("created", zap.String("path", p), zap.Uint64("handle", h))
	return Attr{Handle: h, Entry: e}, f.ID(), nil
}

// Mkdir creates a directory under parent.
func (d *FS) Mkdir(ctx context.Context, parent uint64, name string) (a Attr, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("mkdir", p, err) }()

	if err = d.live("mkdir", ""); err != nil {
		return Attr{}, err
	}
	if _, p, err = d.childPath("mkdir", parent, name); err != nil {
		return Attr{}, err
	}
	unlock := d.locks.Lock(p)
	defer unlock()

	if err = d.remote.Mkdir(ctx, p); err != nil {
		return Attr{}, err
	}
	if err = d.live("mkdir", p); err != nil {
		return Attr{}, err
	}
	d.invalidate(p)

	e := models.Entry{Path: p, Name: name, Kind: models.KindDirectory, ModTime: now, Mode: d.cfg.DirMode}
	return Attr{Handle: d.reg.Bind(p), Entry: e}, nil
}

// Unlink deletes the file name under parent.
func (d *FS) Unlink(ctx context.Context, parent uint64, name string) (err error) {
	var p string
	defer func() { d.observe("unlink", p, err) }()
	if _, p, err = d.childPath("unlink", parent, name); err != nil {
		return err
	}
	return d.remove(ctx, "unlink", p, false)
}

// Rmdir deletes the empty directory name under parent.
func (d *FS) Rmdir(ctx context.Context, parent uint64, name string) (err error) {
	var p string
	defer func() { d.observe("rmdir", p, err) }()
	if _, p, err = d.childPath("rmdir", parent, name); err != nil {
		return err
	}
	return d.remove(ctx, "rmdir", p, true)
}

func (d *FS) remove(ctx context.Context, op, p string, dir bool) error {
	now := d.cfg.Now()
	if err := d.live(op, p); err != nil {
		return err
	}
	unlock := d.locks.Lock(p)
	defer unlock()

	e, err := d.stat(ctx, p, now)
	if err != nil {
		return fserr.WithOp(err, op, p)
	}
	switch {
	case dir && !e.IsDir():
		return fserr.New(fserr.KindNotADirectory, op, p, nil)
	case !dir && e.IsDir():
		return fserr.New(fserr.KindIsADirectory, op, p, nil)
	}
	if dir {
		l, err := d.listing(ctx, p, now)
		if err != nil {
			return fserr.WithOp(err, op, p)
		}
		if len(l.Entries) > 0 {
			return fserr.New(fserr.KindNotEmpty, op, p, fmt.Errorf("%d entries", len(l.Entries)))
		}
	}

	if err := d.remote.Delete(ctx, p); err != nil {
		return err
	}
	if err := d.live(op, p); err != nil {
		return err
	}
	d.files.Orphan(p)
	d.reg.RetirePath(p)
	d.invalidateTree(p)
	d.cache.PutAbsent(p, now)
	d.log.Debug("removed", zap.String("path", p), zap.Bool("dir", dir))
	return nil
}

// Flush uploads pending writes of an open handle.
func (d *FS) Flush(ctx context.Context, fh uint64) (err error) {
	defer func() { d.observe("flush", "", err) }()
	if err = d.live("flush", ""); err != nil {
		return err
	}
	return d.files.Flush(ctx, fh)
}

// Fsync is Flush; there is no other durable state.
func (d *FS) Fsync(ctx context.Context, fh uint64) (err error) {
	defer func() { d.observe("fsync", "", err) }()
	if err = d.live("fsync", ""); err != nil {
		return err
	}
	return d.files.Flush(ctx, fh)
}

// Release flushes and discards an open handle.
func (d *FS) Release(ctx context.Context, fh uint64) (err error) {
	defer func() { d.observe("release", "", err) }()
	return d.files.Release(ctx, fh)
}

// Setattr applies a size change to h. With fh == 0 a temporary write handle
// is opened and released. Other attributes are not stored remotely and are
// ignored.
func (d *FS) Setattr(ctx context.Context, h, fh uint64, size *int64) (a Attr, err error) {
	now := d.cfg.Now()
	var p string
	defer func() { d.observe("setattr", p, err) }()

	if err = d.live("setattr", ""); err != nil {
		return Attr{}, err
	}
	if p, err = d.resolve("setattr", h); err != nil {
		return Attr{}, err
	}
	if size != nil {
		if err = d.truncate(ctx, h, fh, p, *size, now); err != nil {
			return Attr{}, err
		}
		now = d.cfg.Now()
	}
	e, err := d.stat(ctx, p, now)
	if err != nil {
		return Attr{}, fserr.WithOp(err, "setattr", p)
	}
	return Attr{Handle: h, Entry: d.withPending(e)}, nil
}

func (d *FS) truncate(ctx context.Context, h, fh uint64, p string, size int64, now time.Time) error {
	if size < 0 {
		return fserr.New(fserr.KindUnknown, "truncate", p, syscall.EINVAL)
	}
	if fh != 0 {
		return d.files.Truncate(ctx, fh, size)
	}
	e, err := d.stat(ctx, p, now)
	if err != nil {
		return fserr.WithOp(err, "truncate", p)
	}
	f, err := d.files.Open(h, e, models.WriteOnly, size == 0)
	if err != nil {
		return err
	}
	if size != 0 {
		if err := d.files.Truncate(ctx, f.ID(), size); err != nil {
			d.files.Release(ctx, f.ID())
			return err
		}
	}
	return d.files.Release(ctx, f.ID())
}

// Statfs reports synthetic capacity figures; the backend has no quota call.
func (d *FS) Statfs(ctx context.Context) (StatfsInfo, error) {
	const blockSize = 4096
	blocks := d.cfg.Capacity / blockSize
	files := uint64(d.reg.Len())
	return StatfsInfo{
		BlockSize: blockSize,
		Blocks:    blocks,
		Free:      blocks,
		Files:     files,
		FreeFiles: 1<<32 - files,
		NameLen:   255,
	}, nil
}

// Unmount flushes open handles best-effort and drops all session state.
// Network calls still in flight complete but their results are discarded.
func (d *FS) Unmount(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.files.CloseAll(ctx)
	if err != nil {
		d.log.Warn("unflushed writes lost on unmount", zap.Error(err))
	}
	d.reg.Reset()
	d.cache.Clear()
	d.log.Info("unmounted")
	return err
}
