package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/remotefs/pkg/dispatch"
	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// Extended attributes served on every node.
const (
	xattrPath   = "user.remotefs.path"
	xattrOnline = "user.remotefs.online"
)

// Node is a file or directory. Its identity is the registry handle, which
// also serves as the inode number.
type Node struct {
	fs.Inode

	fsys *FS
	h    uint64
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)

func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return fserr.ToErrno(err)
}

func typeBits(e models.Entry) uint32 {
	if e.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

func openMode(flags uint32) models.OpenMode {
	switch int(flags) & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return models.WriteOnly
	case syscall.O_RDWR:
		return models.ReadWrite
	}
	return models.ReadOnly
}

func (f *FS) fillAttr(out *gofuse.Attr, a dispatch.Attr) {
	out.Ino = a.Handle
	out.Mode = typeBits(a.Entry) | a.Mode&0o7777
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Nlink = 1
	if a.IsDir() {
		out.Nlink = 2
	}
	out.Uid = f.cfg.UID
	out.Gid = f.cfg.GID
	mtime := a.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}
	out.SetTimes(&mtime, &mtime, &mtime)
}

func (n *Node) child(ctx context.Context, a dispatch.Attr) *fs.Inode {
	node := &Node{fsys: n.fsys, h: a.Handle}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: typeBits(a.Entry), Ino: a.Handle})
}

// Getattr returns the node's attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	a, err := n.fsys.d.Getattr(ctx, n.h)
	if err != nil {
		return errno(err)
	}
	n.fsys.fillAttr(&out.Attr, a)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.fsys.d.Lookup(ctx, n.h, name)
	if err != nil {
		return nil, errno(err)
	}
	n.fsys.fillAttr(&out.Attr, a)
	return n.child(ctx, a), 0
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, err := n.fsys.d.Readdir(ctx, n.h)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]gofuse.DirEntry, 0, len(list))
	for _, a := range list {
		entries = append(entries, gofuse.DirEntry{
			Name: a.Name,
			Mode: typeBits(a.Entry),
			Ino:  a.Handle,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a file handle.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, err := n.fsys.d.Open(ctx, n.h, openMode(flags), flags&syscall.O_TRUNC != 0)
	if err != nil {
		return nil, 0, errno(err)
	}
	return &File{fsys: n.fsys, fh: fh}, 0, 0
}

// Create creates and opens a new file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	a, fh, err := n.fsys.d.Create(ctx, n.h, name, openMode(flags))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	n.fsys.fillAttr(&out.Attr, a)
	return n.child(ctx, a), &File{fsys: n.fsys, fh: fh}, 0, 0
}

// Mkdir creates a directory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.fsys.d.Mkdir(ctx, n.h, name)
	if err != nil {
		return nil, errno(err)
	}
	n.fsys.fillAttr(&out.Attr, a)
	return n.child(ctx, a), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.d.Unlink(ctx, n.h, name))
}

// Rmdir removes an empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.d.Rmdir(ctx, n.h, name))
}

// Rename moves a file or directory.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.fsys.d.Rename(ctx, n.h, name, np.h, newName, flags))
}

// Setattr applies size changes. Mode, owner and time changes are accepted
// and ignored; the backend does not store them.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	var fh uint64
	if file, ok := f.(*File); ok {
		fh = file.fh
	}
	var size *int64
	if sz, ok := in.GetSize(); ok {
		s := int64(sz)
		size = &s
	}
	a, err := n.fsys.d.Setattr(ctx, n.h, fh, size)
	if err != nil {
		return errno(err)
	}
	n.fsys.fillAttr(&out.Attr, a)
	return 0
}

// Statfs reports filesystem capacity.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.d.Statfs(ctx)
	if err != nil {
		return errno(err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.Free
	out.Bavail = st.Free
	out.Files = st.Files
	out.Ffree = st.FreeFiles
	out.NameLen = st.NameLen
	return 0
}

// Getxattr returns the remote path or the backend's online state.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string
	switch attr {
	case xattrPath:
		a, err := n.fsys.d.Getattr(ctx, n.h)
		if err != nil {
			return 0, errno(err)
		}
		value = a.Path
	case xattrOnline:
		value = "true"
		if n.fsys.backend != nil && !n.fsys.backend.IsOnline() {
			value = "false"
		}
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists the served extended attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs := []string{xattrPath, xattrOnline}

	var total int
	for _, attr := range attrs {
		total += len(attr) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, attr := range attrs {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}
