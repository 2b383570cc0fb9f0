// Package openfile manages per-open-handle state: access mode, the dirty
// write buffer and the read stream cursor.
//
// Writes never touch the network; they are spooled to a temp file and sent
// on Flush or Release as one full-content PUT, or as ranged PUTs when the
// backend supports them.
package openfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/pkg/cache"
	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/pathlock"
	"github.com/fruitsalade/remotefs/pkg/remote"
)

// Remote is the part of the REST adapter the manager needs.
type Remote interface {
	OpenStream(ctx context.Context, path string, offset int64, chunkSize int) (*remote.Stream, error)
	Put(ctx context.Context, path string, content io.ReaderAt, size int64) error
	PutRange(ctx context.Context, path string, content io.ReaderAt, offset, length, total int64) error
	SupportsPartialPut() bool
}

// ContentCache is the part of the entry cache the manager needs.
type ContentCache interface {
	Chunk(path string, index int64, v cache.Version) ([]byte, bool)
	PutChunk(path string, index int64, v cache.Version, data []byte)
	Invalidate(path string)
}

// Config holds manager settings.
type Config struct {
	ChunkSize int    // streaming window and content cache granularity
	SpoolDir  string // temp dir for dirty buffers; empty = os.TempDir
}

// Manager owns every open file handle. It is safe for concurrent use.
type Manager struct {
	remote    Remote
	cache     ContentCache
	chunkSize int64
	spoolDir  string
	log       *zap.Logger

	// streams outlive the kernel request that opened them
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	files  map[uint64]*File
	nextID uint64

	flushLocks pathlock.Locker
}

// File is one open file handle.
type File struct {
	id   uint64
	mode models.OpenMode

	path    atomic.Pointer[string] // written under mu
	pending atomic.Int64           // dirty size, -1 when clean

	mu       sync.Mutex
	baseSize int64         // remote size at open or last flush
	version  cache.Version // content version cached chunks must match
	spool    *spool
	stream   *remote.Stream
	orphaned bool
	closed   bool
}

// ID returns the file handle number.
func (f *File) ID() uint64 { return f.id }

// Path returns the current remote path of the file.
func (f *File) Path() string { return *f.path.Load() }

func (f *File) setPath(p string) { f.path.Store(&p) }

// NewManager creates a manager.
func NewManager(r Remote, c ContentCache, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = remote.DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		remote:    r,
		cache:     c,
		chunkSize: int64(cfg.ChunkSize),
		spoolDir:  cfg.SpoolDir,
		log:       logging.Named("openfile"),
		ctx:       ctx,
		cancel:    cancel,
		files:     make(map[uint64]*File),
	}
}

func badHandle(op, path string) error {
	return fserr.New(fserr.KindUnknown, op, path, syscall.EBADF)
}

func (m *Manager) get(op string, id uint64) (*File, error) {
	m.mu.Lock()
	f, ok := m.files[id]
	m.mu.Unlock()
	if !ok {
		return nil, fserr.New(fserr.KindUnknownHandle, op, "", fmt.Errorf("file handle %d", id))
	}
	return f, nil
}

// Open creates a handle for entry, bound to registry handle h. truncate
// starts the handle with an empty dirty buffer (O_TRUNC).
func (m *Manager) Open(h uint64, entry models.Entry, mode models.OpenMode, truncate bool) (*File, error) {
	if entry.IsDir() {
		return nil, fserr.New(fserr.KindIsADirectory, "open", entry.Path, nil)
	}
	f := &File{mode: mode, baseSize: entry.Size, version: cache.VersionOf(entry)}
	f.setPath(entry.Path)
	f.pending.Store(-1)

	if truncate && mode.CanWrite() {
		sp, err := newSpool(m.spoolDir, entry.Size)
		if err != nil {
			return nil, err
		}
		if err := sp.truncate(0); err != nil {
			sp.close()
			return nil, err
		}
		f.spool = sp
		f.pending.Store(0)
	}

	m.mu.Lock()
	m.nextID++
	f.id = m.nextID
	m.files[f.id] = f
	n := len(m.files)
	m.mu.Unlock()

	metrics.SetOpenHandles(n)
	m.log.Debug("opened",
		zap.Uint64("fh", f.id),
		zap.Uint64("handle", h),
		zap.String("path", entry.Path),
		zap.Stringer("mode", mode),
		zap.Bool("truncate", truncate),
	)
	return f, nil
}

// Read returns up to n bytes at off. Reads at or past EOF return an empty
// slice. On a handle with pending writes, written bytes are overlaid on the
// remote content and unwritten gaps read as zeros.
func (m *Manager) Read(ctx context.Context, id uint64, off int64, n int) ([]byte, error) {
	f, err := m.get("read", id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mode.CanRead() {
		return nil, badHandle("read", f.Path())
	}

	size := f.baseSize
	if f.spool != nil {
		size = f.spool.size
	}
	if off >= size || n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, min(int64(n), size-off))

	cleanEnd := off + int64(len(buf))
	if f.spool != nil {
		cleanEnd = min(cleanEnd, f.spool.cleanLimit)
	}
	got := 0
	if cleanEnd > off && (f.spool == nil || len(f.spool.extents.holes(off, cleanEnd)) > 0) {
		got, err = m.readClean(f, buf[:cleanEnd-off], off)
		if err != nil {
			return nil, err
		}
	}

	if f.spool == nil {
		return buf[:got], nil
	}
	if err := f.spool.overlay(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// readClean fills dest with remote content at off, chunk by chunk, from the
// content cache or the handle's stream. It returns the bytes filled, which
// is short only at remote EOF.
func (m *Manager) readClean(f *File, dest []byte, off int64) (int, error) {
	path := f.Path()
	filled := 0
	for filled < len(dest) {
		pos := off + int64(filled)
		idx := pos / m.chunkSize

		data, ok := m.cache.Chunk(path, idx, f.version)
		if !ok {
			var err error
			if data, err = m.fetchChunk(f, path, idx); err != nil {
				return filled, err
			}
		}

		within := pos - idx*m.chunkSize
		if within >= int64(len(data)) {
			break
		}
		filled += copy(dest[filled:], data[within:])
		if int64(len(data)) < m.chunkSize {
			break
		}
	}
	return filled, nil
}

// fetchChunk reads chunk idx from the handle's stream, opening a new stream
// when the current one is not positioned at the chunk.
func (m *Manager) fetchChunk(f *File, path string, idx int64) ([]byte, error) {
	start := idx * m.chunkSize
	if f.stream == nil || f.stream.Offset() != start {
		if f.stream != nil {
			f.stream.Close()
			f.stream = nil
		}
		s, err := m.remote.OpenStream(m.ctx, path, start, int(m.chunkSize))
		if err != nil {
			return nil, err
		}
		f.stream = s
	}

	ch, err := f.stream.Next()
	if err != nil {
		f.stream.Close()
		f.stream = nil
		if errors.Is(err, io.EOF) {
			return []byte{}, nil
		}
		return nil, err
	}
	m.cache.PutChunk(path, idx, f.version, ch.Data)
	return ch.Data, nil
}

// Write merges data into the handle's dirty buffer at off.
func (m *Manager) Write(ctx context.Context, id uint64, off int64, data []byte) (int, error) {
	f, err := m.get("write", id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mode.CanWrite() {
		return 0, badHandle("write", f.Path())
	}
	if err := m.ensureSpool(f); err != nil {
		return 0, err
	}
	n, err := f.spool.writeAt(data, off)
	f.pending.Store(f.spool.size)
	return n, err
}

// Truncate sets the pending size of the handle's file.
func (m *Manager) Truncate(ctx context.Context, id uint64, size int64) error {
	f, err := m.get("truncate", id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mode.CanWrite() {
		return badHandle("truncate", f.Path())
	}
	if f.spool == nil && size == f.baseSize {
		return nil
	}
	if err := m.ensureSpool(f); err != nil {
		return err
	}
	if err := f.spool.truncate(size); err != nil {
		return err
	}
	f.pending.Store(size)
	return nil
}

func (m *Manager) ensureSpool(f *File) error {
	if f.spool != nil {
		return nil
	}
	sp, err := newSpool(m.spoolDir, f.baseSize)
	if err != nil {
		return err
	}
	f.spool = sp
	return nil
}

// Flush uploads pending writes. On failure the dirty buffer is kept so a
// later flush can retry.
func (m *Manager) Flush(ctx context.Context, id uint64) error {
	f, err := m.get("flush", id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return m.flushLocked(ctx, f)
}

func (m *Manager) flushLocked(ctx context.Context, f *File) error {
	if f.spool == nil {
		return nil
	}
	if f.orphaned {
		m.dropSpool(f)
		return nil
	}

	path := f.Path()
	unlock := m.flushLocks.Lock(path)
	defer unlock()

	mode := "full"
	var err error
	if m.remote.SupportsPartialPut() && !f.spool.shrunk(f.baseSize) {
		mode = "ranged"
		err = m.putRanges(ctx, f, path)
		if errors.Is(err, fserr.Unsupported) {
			mode = "full"
			err = m.putFull(ctx, f, path)
		}
	} else {
		err = m.putFull(ctx, f, path)
	}
	metrics.RecordFlush(mode, err == nil)
	if err != nil {
		m.log.Warn("flush failed", zap.String("path", path), zap.String("mode", mode), zap.Error(err))
		return err
	}

	size := f.spool.size
	m.log.Debug("flushed", zap.String("path", path), zap.String("mode", mode), zap.Int64("size", size))
	m.dropSpool(f)
	f.baseSize = size
	m.cache.Invalidate(path)
	m.cache.Invalidate(models.ParentPath(path))
	return nil
}

func (m *Manager) putRanges(ctx context.Context, f *File, path string) error {
	sp := f.spool
	if len(sp.extents) == 0 {
		return m.remote.PutRange(ctx, path, nil, 0, 0, sp.size)
	}
	for _, e := range sp.extents {
		if err := m.remote.PutRange(ctx, path, sp.readerAt(), e.start, e.len(), sp.size); err != nil {
			return err
		}
	}
	return nil
}

// putFull fills every unwritten range that still has remote content into
// the spool, then uploads the spool as the whole file.
func (m *Manager) putFull(ctx context.Context, f *File, path string) error {
	sp := f.spool
	limit := min(sp.cleanLimit, sp.size)
	for _, hole := range sp.extents.holes(0, limit) {
		for pos := hole.start; pos < hole.end; {
			piece := make([]byte, min(m.chunkSize, hole.end-pos))
			if _, err := m.readClean(f, piece, pos); err != nil {
				return fmt.Errorf("materialize %s: %w", path, err)
			}
			if _, err := sp.f.WriteAt(piece, pos); err != nil {
				return fmt.Errorf("materialize %s: %w", path, err)
			}
			sp.extents.add(pos, pos+int64(len(piece)))
			pos += int64(len(piece))
		}
	}
	if err := sp.f.Truncate(sp.size); err != nil {
		return fmt.Errorf("size spool: %w", err)
	}
	return m.remote.Put(ctx, path, sp.readerAt(), sp.size)
}

func (m *Manager) dropSpool(f *File) {
	if err := f.spool.close(); err != nil {
		m.log.Warn("remove spool file", zap.Error(err))
	}
	f.spool = nil
	f.pending.Store(-1)
}

// Release flushes pending writes and discards the handle. The handle is
// discarded even when the flush fails; the flush error is returned.
func (m *Manager) Release(ctx context.Context, id uint64) error {
	f, err := m.get("release", id)
	if err != nil {
		return err
	}

	f.mu.Lock()
	err = m.closeLocked(ctx, f)
	f.mu.Unlock()

	m.mu.Lock()
	delete(m.files, id)
	n := len(m.files)
	m.mu.Unlock()
	metrics.SetOpenHandles(n)
	return err
}

func (m *Manager) closeLocked(ctx context.Context, f *File) error {
	if f.closed {
		return nil
	}
	err := m.flushLocked(ctx, f)
	if f.spool != nil {
		m.log.Warn("discarding unflushed writes", zap.String("path", f.Path()), zap.Int64("size", f.spool.size))
		m.dropSpool(f)
	}
	if f.stream != nil {
		f.stream.Close()
		f.stream = nil
	}
	f.closed = true
	return err
}

// DirtySize returns the largest pending size of any handle with unflushed
// writes on path.
func (m *Manager) DirtySize(path string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, found := int64(-1), false
	for _, f := range m.files {
		if f.Path() != path {
			continue
		}
		if p := f.pending.Load(); p >= 0 && p > size {
			size, found = p, true
		}
	}
	return size, found
}

func (m *Manager) under(root string) []*File {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*File
	for _, f := range m.files {
		if models.IsUnder(f.Path(), root) {
			out = append(out, f)
		}
	}
	return out
}

// FlushPath flushes every handle open on root or below it.
func (m *Manager) FlushPath(ctx context.Context, root string) error {
	var errs []error
	for _, f := range m.under(root) {
		f.mu.Lock()
		errs = append(errs, m.flushLocked(ctx, f))
		f.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Rename re-points handles open on oldRoot or below it at newRoot.
func (m *Manager) Rename(oldRoot, newRoot string) {
	for _, f := range m.under(oldRoot) {
		f.mu.Lock()
		f.setPath(models.Reparent(f.Path(), oldRoot, newRoot))
		if f.stream != nil {
			f.stream.Close()
			f.stream = nil
		}
		f.mu.Unlock()
	}
}

// Orphan discards pending writes of handles open on root or below it; the
// files were deleted, so later flushes must not recreate them.
func (m *Manager) Orphan(root string) {
	for _, f := range m.under(root) {
		f.mu.Lock()
		f.orphaned = true
		if f.spool != nil {
			m.dropSpool(f)
		}
		f.mu.Unlock()
	}
}

// Len returns the number of open handles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// CloseAll flushes and releases every handle, then stops open streams.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	files := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	m.files = make(map[uint64]*File)
	m.mu.Unlock()

	var errs []error
	for _, f := range files {
		f.mu.Lock()
		if err := m.closeLocked(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Path(), err))
		}
		f.mu.Unlock()
	}
	m.cancel()
	metrics.SetOpenHandles(0)
	return errors.Join(errs...)
}
