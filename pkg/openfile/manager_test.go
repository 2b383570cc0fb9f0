package openfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/remotefs/pkg/cache"
	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/protocol"
	"github.com/fruitsalade/remotefs/pkg/remote"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// memServer is a minimal /files backend.
type memServer struct {
	mu        sync.Mutex
	files     map[string][]byte
	partial   bool
	failPuts  int
	ranges    []string
	gets      atomic.Int32
	puts      atomic.Int32
	fullPuts  atomic.Int32
	rangePuts atomic.Int32
}

func newMemServer(files map[string]string) *memServer {
	s := &memServer{files: make(map[string][]byte)}
	for p, c := range files {
		s.files[p] = []byte(c)
	}
	return s
}

func (s *memServer) content(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.files[path])
}

func (s *memServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files")
	switch r.Method {
	case http.MethodGet:
		s.gets.Add(1)
		s.mu.Lock()
		data, ok := s.files[path]
		data = append([]byte(nil), data...)
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	case http.MethodPut:
		s.puts.Add(1)
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failPuts > 0 {
			s.failPuts--
			http.Error(w, "disk full", http.StatusInternalServerError)
			return
		}
		cr := r.Header.Get("Content-Range")
		if cr == "" {
			s.fullPuts.Add(1)
			s.files[path] = body
			w.WriteHeader(http.StatusOK)
			return
		}
		if !s.partial {
			http.Error(w, "ranged put unsupported", http.StatusNotImplemented)
			return
		}
		rng, err := protocol.ParseContentRange(cr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.rangePuts.Add(1)
		s.ranges = append(s.ranges, cr)
		data := s.files[path]
		if int64(len(data)) < rng.Total {
			data = append(data, make([]byte, rng.Total-int64(len(data)))...)
		}
		data = data[:rng.Total]
		copy(data[rng.Offset:], body)
		s.files[path] = data
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// recordingCache wraps the entry cache and records invalidations.
type recordingCache struct {
	*cache.Cache
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Invalidate(path string) {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, path)
	c.mu.Unlock()
	c.Cache.Invalidate(path)
}

type harness struct {
	srv    *memServer
	ts     *httptest.Server
	client *remote.Client
	cache  *recordingCache
	mgr    *Manager
}

func newHarness(t *testing.T, files map[string]string, chunkSize int, partial bool) *harness {
	t.Helper()
	srv := newMemServer(files)
	srv.partial = partial
	ts := httptest.NewServer(srv)
	client := remote.New(remote.Config{
		BaseURL:    ts.URL,
		Timeout:    5 * time.Second,
		PartialPut: partial,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	rc := &recordingCache{Cache: cache.New(cache.Config{TTL: time.Minute})}
	mgr := NewManager(client, rc, Config{ChunkSize: chunkSize, SpoolDir: t.TempDir()})
	t.Cleanup(func() {
		mgr.CloseAll(context.Background())
		ts.Close()
	})
	return &harness{srv: srv, ts: ts, client: client, cache: rc, mgr: mgr}
}

func fileEntry(path string, size int64) models.Entry {
	return models.Entry{Path: path, Name: models.BaseName(path), Kind: models.KindFile, Size: size}
}

func readAll(t *testing.T, m *Manager, id uint64, step int) []byte {
	t.Helper()
	var out []byte
	for off := int64(0); ; {
		b, err := m.Read(context.Background(), id, off, step)
		if err != nil {
			t.Fatalf("Read at %d: %v", off, err)
		}
		if len(b) == 0 {
			return out
		}
		out = append(out, b...)
		off += int64(len(b))
	}
}

func TestSequentialReadsShareOneStream(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "0123456789"}, 4, false)
	f, err := h.mgr.Open(2, fileEntry("/f", 10), models.ReadOnly, false)
	if err != nil {
		t.Fatal(err)
	}

	if got := readAll(t, h.mgr, f.ID(), 3); string(got) != "0123456789" {
		t.Fatalf("got %q", got)
	}
	if h.srv.gets.Load() != 1 {
		t.Errorf("GETs = %d, want 1 for a sequential read", h.srv.gets.Load())
	}

	// Chunks are now cached; a second pass costs nothing.
	readAll(t, h.mgr, f.ID(), 5)
	if h.srv.gets.Load() != 1 {
		t.Errorf("GETs = %d after cached re-read", h.srv.gets.Load())
	}
}

func TestNewVersionBypassesCachedChunks(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "hello"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 5), models.ReadOnly, false)
	if got := readAll(t, h.mgr, f.ID(), 8); string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	h.mgr.Release(context.Background(), f.ID())

	// Another writer replaced the file behind our back.
	h.srv.mu.Lock()
	h.srv.files["/f"] = []byte("HELLO")
	h.srv.mu.Unlock()

	changed := fileEntry("/f", 5)
	changed.ModTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	g, _ := h.mgr.Open(2, changed, models.ReadOnly, false)
	if got := readAll(t, h.mgr, g.ID(), 8); string(got) != "HELLO" {
		t.Errorf("read after change = %q, want the new content", got)
	}
}

func TestSeekOpensNewStream(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "abcdefghijkl"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 12), models.ReadOnly, false)

	b, err := h.mgr.Read(context.Background(), f.ID(), 8, 4)
	if err != nil || string(b) != "ijkl" {
		t.Fatalf("read at 8 = %q, %v", b, err)
	}
	b, err = h.mgr.Read(context.Background(), f.ID(), 1, 2)
	if err != nil || string(b) != "bc" {
		t.Fatalf("read at 1 = %q, %v", b, err)
	}
	if h.srv.gets.Load() != 2 {
		t.Errorf("GETs = %d, want 2", h.srv.gets.Load())
	}
}

func TestReadPastEOF(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "abc"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 3), models.ReadOnly, false)

	b, err := h.mgr.Read(context.Background(), f.ID(), 3, 10)
	if err != nil || len(b) != 0 {
		t.Fatalf("got %q, %v", b, err)
	}
	if h.srv.gets.Load() != 0 {
		t.Error("read past known size should not hit the network")
	}
}

func TestWriteThenReleaseSendsOnePut(t *testing.T) {
	h := newHarness(t, map[string]string{"/docs/a.txt": "hello world"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/docs/a.txt", 11), models.ReadWrite, false)
	ctx := context.Background()

	if _, err := h.mgr.Write(ctx, f.ID(), 0, []byte("HE")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Write(ctx, f.ID(), 6, []byte("W")); err != nil {
		t.Fatal(err)
	}
	if h.srv.puts.Load() != 0 {
		t.Fatal("writes must not reach the network before flush")
	}

	// Reads overlay dirty bytes on remote content.
	b, err := h.mgr.Read(ctx, f.ID(), 0, 100)
	if err != nil || string(b) != "HEllo World" {
		t.Fatalf("overlay read = %q, %v", b, err)
	}

	if err := h.mgr.Release(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if h.srv.puts.Load() != 1 {
		t.Errorf("PUTs = %d, want 1", h.srv.puts.Load())
	}
	if got := h.srv.content("/docs/a.txt"); got != "HEllo World" {
		t.Errorf("remote content = %q", got)
	}

	h.cache.mu.Lock()
	inv := strings.Join(h.cache.invalidated, ",")
	h.cache.mu.Unlock()
	if inv != "/docs/a.txt,/docs" {
		t.Errorf("invalidated %q, want path and parent", inv)
	}
	if h.mgr.Len() != 0 {
		t.Error("handle not discarded")
	}
}

func TestWriteGapReadsZeros(t *testing.T) {
	h := newHarness(t, map[string]string{"/n": ""}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/n", 0), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 3, []byte("x"))
	b, _ := h.mgr.Read(ctx, f.ID(), 0, 10)
	if !bytes.Equal(b, []byte{0, 0, 0, 'x'}) {
		t.Fatalf("got %v", b)
	}
	if err := h.mgr.Flush(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.content("/n"); got != "\x00\x00\x00x" {
		t.Errorf("remote = %q", got)
	}
}

func TestOpenTruncate(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "old content"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 11), models.WriteOnly, true)
	ctx := context.Background()

	if size, ok := h.mgr.DirtySize("/f"); !ok || size != 0 {
		t.Errorf("DirtySize = %d, %v; want 0 after O_TRUNC", size, ok)
	}
	h.mgr.Write(ctx, f.ID(), 0, []byte("new"))
	if err := h.mgr.Release(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.content("/f"); got != "new" {
		t.Errorf("remote = %q", got)
	}
	if h.srv.gets.Load() != 0 {
		t.Error("truncated file should not be fetched")
	}
}

func TestTruncateShrinkThenExtendZeroes(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "abcdefgh"}, 4, true)
	f, _ := h.mgr.Open(2, fileEntry("/f", 8), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Truncate(ctx, f.ID(), 2)
	h.mgr.Truncate(ctx, f.ID(), 5)
	b, _ := h.mgr.Read(ctx, f.ID(), 0, 10)
	if !bytes.Equal(b, []byte{'a', 'b', 0, 0, 0}) {
		t.Fatalf("read = %q", b)
	}
	if err := h.mgr.Flush(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.content("/f"); got != "ab\x00\x00\x00" {
		t.Errorf("remote = %q", got)
	}
	if h.srv.rangePuts.Load() != 0 || h.srv.fullPuts.Load() != 1 {
		t.Errorf("shrunk file must be sent whole: ranged=%d full=%d", h.srv.rangePuts.Load(), h.srv.fullPuts.Load())
	}
}

func TestFlushFailureKeepsDirtyBuffer(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "aaaa"}, 4, false)
	h.srv.failPuts = 1
	f, _ := h.mgr.Open(2, fileEntry("/f", 4), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 1, []byte("bb"))
	err := h.mgr.Flush(ctx, f.ID())
	if !errors.Is(err, fserr.Conflict) {
		t.Fatalf("flush err = %v, want Conflict", err)
	}
	if size, ok := h.mgr.DirtySize("/f"); !ok || size != 4 {
		t.Errorf("dirty state lost after failed flush: %d %v", size, ok)
	}

	if err := h.mgr.Flush(ctx, f.ID()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if got := h.srv.content("/f"); got != "abba" {
		t.Errorf("remote = %q", got)
	}
	if _, ok := h.mgr.DirtySize("/f"); ok {
		t.Error("still dirty after successful flush")
	}
}

func TestReleaseDiscardsHandleOnFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "x"}, 4, false)
	h.srv.failPuts = 10
	f, _ := h.mgr.Open(2, fileEntry("/f", 1), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 0, []byte("y"))
	if err := h.mgr.Release(ctx, f.ID()); err == nil {
		t.Fatal("expected release to report the flush error")
	}
	if h.mgr.Len() != 0 {
		t.Error("handle kept after failed release")
	}
	if _, err := h.mgr.Read(ctx, f.ID(), 0, 1); !errors.Is(err, fserr.UnknownHandle) {
		t.Errorf("read after release: %v", err)
	}
}

func TestRangedFlush(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "0123456789"}, 4, true)
	f, _ := h.mgr.Open(2, fileEntry("/f", 10), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 1, []byte("AB"))
	h.mgr.Write(ctx, f.ID(), 10, []byte("XY"))
	if err := h.mgr.Flush(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.content("/f"); got != "0AB3456789XY" {
		t.Errorf("remote = %q", got)
	}
	want := []string{"bytes 1-2/12", "bytes 10-11/12"}
	if strings.Join(h.srv.ranges, ";") != strings.Join(want, ";") {
		t.Errorf("ranges = %v, want %v", h.srv.ranges, want)
	}
	if h.srv.gets.Load() != 0 {
		t.Error("ranged flush should not read the clean content")
	}
}

func TestRangedFlushFallsBackOnNotImplemented(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "0123456789"}, 4, true)
	h.srv.partial = false
	f, _ := h.mgr.Open(2, fileEntry("/f", 10), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 5, []byte("!"))
	if err := h.mgr.Flush(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if got := h.srv.content("/f"); got != "01234!6789" {
		t.Errorf("remote = %q", got)
	}
	if h.client.SupportsPartialPut() {
		t.Error("ranged PUT should be disabled for the session")
	}
	if h.srv.fullPuts.Load() != 1 {
		t.Errorf("full PUTs = %d, want 1", h.srv.fullPuts.Load())
	}
}

func TestDirtySizeTracksLargestWriter(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "abc"}, 4, false)
	ctx := context.Background()
	a, _ := h.mgr.Open(2, fileEntry("/f", 3), models.ReadWrite, false)
	b, _ := h.mgr.Open(2, fileEntry("/f", 3), models.ReadWrite, false)

	if _, ok := h.mgr.DirtySize("/f"); ok {
		t.Fatal("clean handles report a dirty size")
	}
	h.mgr.Write(ctx, a.ID(), 0, []byte("12345"))
	h.mgr.Write(ctx, b.ID(), 0, []byte("1234567"))
	if size, ok := h.mgr.DirtySize("/f"); !ok || size != 7 {
		t.Errorf("DirtySize = %d, %v; want 7", size, ok)
	}
}

func TestConcurrentWritesEqualSomeSerialOrder(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": ""}, 64, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 0), models.ReadWrite, false)
	ctx := context.Background()

	const writers = 8
	const blockSize = 4096
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			h.mgr.Write(ctx, f.ID(), 0, bytes.Repeat([]byte{b}, blockSize))
		}(byte('a' + i))
	}
	wg.Wait()

	got, err := h.mgr.Read(ctx, f.ID(), 0, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != blockSize {
		t.Fatalf("len = %d", len(got))
	}
	if !bytes.Equal(got, bytes.Repeat(got[:1], blockSize)) {
		t.Error("overlapping writes interleaved")
	}
}

func TestOrphanedHandleDoesNotRecreateFile(t *testing.T) {
	h := newHarness(t, map[string]string{"/d/f": "x"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/d/f", 1), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 0, []byte("y"))
	h.mgr.Orphan("/d")
	if err := h.mgr.Release(ctx, f.ID()); err != nil {
		t.Fatal(err)
	}
	if h.srv.puts.Load() != 0 {
		t.Error("orphaned handle uploaded its buffer")
	}
}

func TestRenameRedirectsFlush(t *testing.T) {
	h := newHarness(t, map[string]string{"/a/f": "1"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/a/f", 1), models.ReadWrite, false)
	ctx := context.Background()

	h.mgr.Write(ctx, f.ID(), 0, []byte("2"))
	h.mgr.Rename("/a", "/b")
	if f.Path() != "/b/f" {
		t.Fatalf("path = %q", f.Path())
	}
	h.mgr.Release(ctx, f.ID())
	if got := h.srv.content("/b/f"); got != "2" {
		t.Errorf("content at new path = %q", got)
	}
}

func TestOpenDirectoryFails(t *testing.T) {
	h := newHarness(t, nil, 4, false)
	_, err := h.mgr.Open(2, models.Entry{Path: "/d", Kind: models.KindDirectory}, models.ReadOnly, false)
	if !errors.Is(err, fserr.IsADirectory) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteOnReadOnlyHandle(t *testing.T) {
	h := newHarness(t, map[string]string{"/f": "x"}, 4, false)
	f, _ := h.mgr.Open(2, fileEntry("/f", 1), models.ReadOnly, false)
	if _, err := h.mgr.Write(context.Background(), f.ID(), 0, []byte("y")); fserr.ToErrno(err) == 0 {
		t.Fatal("write on read-only handle succeeded")
	}
}

// Streaming a large file in fixed chunks must match a whole-file read. The
// file is scaled down from 150MB/4MB to keep the same chunk arithmetic
// (37.5 chunks).
func TestStreamingMatchesWholeFileRead(t *testing.T) {
	const chunk = 4 << 10
	size := 150 << 10
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i*7 + i/251)
	}
	h := newHarness(t, map[string]string{"/big": string(content)}, chunk, false)

	whole, err := h.client.ReadRange(context.Background(), "/big", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := h.mgr.Open(2, fileEntry("/big", int64(size)), models.ReadOnly, false)
	streamed := readAll(t, h.mgr, f.ID(), 128<<10/4)

	if !bytes.Equal(streamed, whole) || !bytes.Equal(streamed, content) {
		t.Fatalf("streamed %d bytes differ from whole read of %d", len(streamed), len(whole))
	}
	// One GET for the streamed pass plus one for the whole-file read.
	if h.srv.gets.Load() != 2 {
		t.Errorf("GETs = %d, want 2", h.srv.gets.Load())
	}
}
