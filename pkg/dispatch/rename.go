package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// Rename moves name under parent to newName under newParent. The backend
// has no move call, so the source is copied and then deleted; a failure
// part way can leave both copies behind.
func (d *FS) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) (err error) {
	now := d.cfg.Now()
	var src string
	defer func() { d.observe("rename", src, err) }()

	if err = d.live("rename", ""); err != nil {
		return err
	}
	if flags&RenameExchange != 0 {
		return fserr.New(fserr.KindUnsupported, "rename", "", fmt.Errorf("exchange"))
	}
	if _, src, err = d.childPath("rename", parent, name); err != nil {
		return err
	}
	_, dst, err := d.childPath("rename", newParent, newName)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if models.IsUnder(dst, src) {
		return fserr.New(fserr.KindUnsupported, "rename", src, syscall.EINVAL)
	}

	unlock := d.locks.LockMany(src, dst)
	defer unlock()

	se, err := d.stat(ctx, src, now)
	if err != nil {
		return fserr.WithOp(err, "rename", src)
	}
	de, err := d.stat(ctx, dst, now)
	exists := err == nil
	if err != nil && !errors.Is(err, fserr.NotFound) {
		return fserr.WithOp(err, "rename", dst)
	}
	if exists {
		if err := d.checkReplace(ctx, se, de, flags, now); err != nil {
			return err
		}
	}

	if err := d.files.FlushPath(ctx, src); err != nil {
		return fserr.WithOp(err, "rename", src)
	}

	// Whatever happens from here on, both sides may have changed remotely.
	defer func() {
		d.invalidateTree(src)
		d.invalidateTree(dst)
	}()

	if exists && de.IsDir() {
		if err := d.remote.Delete(ctx, dst); err != nil {
			return err
		}
	}
	if err := d.copyTree(ctx, se, dst, now); err != nil {
		if se.IsDir() {
			return fserr.New(fserr.KindConflict, "rename", dst, fmt.Errorf("partial copy: %w", err))
		}
		return err
	}
	if err := d.remote.Delete(ctx, src); err != nil && !errors.Is(err, fserr.NotFound) {
		d.log.Warn("rename left source behind", zap.String("src", src), zap.String("dst", dst), zap.Error(err))
		return fserr.New(fserr.KindConflict, "rename", src, fmt.Errorf("source not removed: %w", err))
	}
	if err := d.live("rename", src); err != nil {
		return err
	}

	d.files.Orphan(dst)
	d.files.Rename(src, dst)
	if h, ok := d.reg.Lookup(src); ok {
		if err := d.reg.Rebind(h, dst); err != nil {
			return err
		}
	} else {
		d.reg.RetirePath(dst)
		d.reg.RetirePath(src)
	}
	d.log.Debug("renamed", zap.String("src", src), zap.String("dst", dst))
	return nil
}

func (d *FS) checkReplace(ctx context.Context, se, de models.Entry, flags uint32, now time.Time) error {
	switch {
	case flags&RenameNoReplace != 0:
		return fserr.New(fserr.KindAlreadyExists, "rename", de.Path, nil)
	case se.IsDir() && !de.IsDir():
		return fserr.New(fserr.KindNotADirectory, "rename", de.Path, nil)
	case !se.IsDir() && de.IsDir():
		return fserr.New(fserr.KindIsADirectory, "rename", de.Path, nil)
	case de.IsDir():
		l, err := d.listing(ctx, de.Path, now)
		if err != nil {
			return fserr.WithOp(err, "rename", de.Path)
		}
		if len(l.Entries) > 0 {
			return fserr.New(fserr.KindNotEmpty, "rename", de.Path, nil)
		}
	}
	return nil
}

// copyTree copies e to dst. Directory children are copied concurrently,
// at most RenameConcurrency at a time per directory.
func (d *FS) copyTree(ctx context.Context, e models.Entry, dst string, now time.Time) error {
	if !e.IsDir() {
		return d.copyFile(ctx, e.Path, dst)
	}
	if err := d.remote.Mkdir(ctx, dst); err != nil && !errors.Is(err, fserr.AlreadyExists) {
		return err
	}
	l, err := d.listing(ctx, e.Path, now)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.RenameConcurrency)
	for _, child := range l.Entries {
		g.Go(func() error {
			return d.copyTree(gctx, child, models.JoinPath(dst, child.Name), now)
		})
	}
	return g.Wait()
}

// copyFile streams src into a temp file and uploads it as dst.
func (d *FS) copyFile(ctx context.Context, src, dst string) error {
	tmp, err := os.CreateTemp(d.cfg.SpoolDir, "remotefs-copy-*")
	if err != nil {
		return fmt.Errorf("create copy buffer: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	chunk := d.cfg.ChunkSize
	s, err := d.remote.OpenStream(ctx, src, 0, chunk)
	if err != nil {
		return err
	}
	defer s.Close()

	var size int64
	for {
		ch, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, err := tmp.WriteAt(ch.Data, ch.Offset); err != nil {
			return fmt.Errorf("buffer %s: %w", src, err)
		}
		size = ch.End()
	}
	return d.remote.Put(ctx, dst, tmp, size)
}
