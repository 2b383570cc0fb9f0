package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// File is an open file handle.
type File struct {
	fsys *FS
	fh   uint64
}

var _ fs.FileHandle = (*File)(nil)
var _ fs.FileReader = (*File)(nil)
var _ fs.FileWriter = (*File)(nil)
var _ fs.FileFlusher = (*File)(nil)
var _ fs.FileFsyncer = (*File)(nil)
var _ fs.FileReleaser = (*File)(nil)

// Read reads up to len(dest) bytes at off.
func (f *File) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := f.fsys.d.Read(ctx, f.fh, off, len(dest))
	if err != nil {
		return nil, errno(err)
	}
	return gofuse.ReadResultData(data), 0
}

// Write buffers data at off.
func (f *File) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.fsys.d.Write(ctx, f.fh, off, data)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(n), 0
}

// Flush is called on every close of a descriptor and uploads pending writes.
func (f *File) Flush(ctx context.Context) syscall.Errno {
	return errno(f.fsys.d.Flush(ctx, f.fh))
}

// Fsync uploads pending writes.
func (f *File) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(f.fsys.d.Fsync(ctx, f.fh))
}

// Release drops the handle after the last descriptor is closed.
func (f *File) Release(ctx context.Context) syscall.Errno {
	return errno(f.fsys.d.Release(ctx, f.fh))
}
