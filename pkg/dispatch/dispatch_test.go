package dispatch

import (
	"context"
	"errors"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fruitsalade/remotefs/internal/server"
	"github.com/fruitsalade/remotefs/internal/storage/local"
	"github.com/fruitsalade/remotefs/pkg/cache"
	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/registry"
	"github.com/fruitsalade/remotefs/pkg/remote"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// recorder counts requests by "METHOD /path", can hold list requests until
// released, and can fail chosen requests with a status code.
type recorder struct {
	next http.Handler

	mu       sync.Mutex
	requests []string
	fail     map[string]int

	hold    chan struct{}
	entered chan struct{}
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	req := r.Method + " " + r.URL.Path
	rec.requests = append(rec.requests, req)
	hold := rec.hold
	status := rec.fail[req]
	rec.mu.Unlock()

	if status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	if hold != nil && strings.HasPrefix(r.URL.Path, "/list/") {
		rec.entered <- struct{}{}
		<-hold
	}
	rec.next.ServeHTTP(w, r)
}

func (rec *recorder) count(req string) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, r := range rec.requests {
		if r == req {
			n++
		}
	}
	return n
}

func (rec *recorder) failRequest(req string, status int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.fail == nil {
		rec.fail = make(map[string]int)
	}
	rec.fail[req] = status
}

func (rec *recorder) holdLists() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.hold = make(chan struct{})
	rec.entered = make(chan struct{}, 64)
}

func (rec *recorder) release() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	close(rec.hold)
	rec.hold = nil
}

type harness struct {
	fs    *FS
	store *local.Backend
	rec   *recorder
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	store, err := local.New(local.Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	// Sorted so parents are created before their children.
	for _, p := range slices.Sorted(maps.Keys(files)) {
		content := files[p]
		if strings.HasSuffix(p, "/") {
			if err := store.Mkdir(ctx, p); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := store.Put(ctx, p, strings.NewReader(content), int64(len(content))); err != nil {
			t.Fatal(err)
		}
	}

	rec := &recorder{next: server.New(store, server.Config{PartialPut: true}).Handler()}
	ts := httptest.NewServer(rec)
	t.Cleanup(ts.Close)

	client := remote.New(remote.Config{
		BaseURL:     ts.URL,
		Timeout:     5 * time.Second,
		RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
		PartialPut:  true,
	})
	fs := New(client, cache.New(cache.Config{TTL: time.Minute}), registry.New(0), Config{
		ChunkSize: 4096,
		SpoolDir:  t.TempDir(),
	})
	t.Cleanup(func() { fs.Unmount(context.Background()) })
	return &harness{fs: fs, store: store, rec: rec}
}

func (h *harness) content(t *testing.T, p string) string {
	t.Helper()
	info, err := h.store.Stat(context.Background(), p)
	if err != nil {
		t.Fatalf("stat %s: %v", p, err)
	}
	rc, err := h.store.Open(context.Background(), p, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	buf := make([]byte, info.Size)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func wantKind(t *testing.T, err error, kind fserr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("err = nil, want %v", kind)
	}
	if got := fserr.KindOf(err); got != kind {
		t.Fatalf("kind = %v (%v), want %v", got, err, kind)
	}
}

func TestReaddirThenGetattrServedFromCache(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "hello"})
	ctx := context.Background()

	entries, err := h.fs.Readdir(ctx, registry.RootHandle)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].Size != 5 {
		t.Fatalf("entries = %+v", entries)
	}

	a, err := h.fs.Getattr(ctx, entries[0].Handle)
	if err != nil {
		t.Fatal(err)
	}
	if a.Size != 5 || a.Path != "/a.txt" || a.Mode != models.DefaultFileMode {
		t.Errorf("attr = %+v", a)
	}
	if n := h.rec.count("GET /list/"); n != 1 {
		t.Errorf("list requests = %d, want 1", n)
	}

	// Repeated getattr within the TTL stays off the network.
	for range 5 {
		if _, err := h.fs.Getattr(ctx, a.Handle); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.rec.count("GET /list/"); n != 1 {
		t.Errorf("list requests after repeats = %d, want 1", n)
	}
}

func TestWriteReleaseUploadsOnce(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "hello"})
	ctx := context.Background()

	a, err := h.fs.Lookup(ctx, registry.RootHandle, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	fh, err := h.fs.Open(ctx, a.Handle, models.WriteOnly, true)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := h.fs.Write(ctx, fh, 0, []byte("0123456789")); err != nil || n != 10 {
		t.Fatalf("write = %d, %v", n, err)
	}

	// A writer sees its own pending size.
	if got, _ := h.fs.Getattr(ctx, a.Handle); got.Size != 10 {
		t.Errorf("pending size = %d, want 10", got.Size)
	}
	if n := h.rec.count("PUT /files/a.txt"); n != 0 {
		t.Fatalf("PUT before release: %d", n)
	}

	if err := h.fs.Release(ctx, fh); err != nil {
		t.Fatal(err)
	}
	if n := h.rec.count("PUT /files/a.txt"); n != 1 {
		t.Errorf("PUT requests = %d, want 1", n)
	}
	if got := h.content(t, "/a.txt"); got != "0123456789" {
		t.Errorf("remote content = %q", got)
	}

	got, err := h.fs.Getattr(ctx, a.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 10 {
		t.Errorf("size after release = %d, want 10", got.Size)
	}
}

func TestGetattrOnDeletedHandle(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "hello"})
	ctx := context.Background()

	a, err := h.fs.Lookup(ctx, registry.RootHandle, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.fs.Unlink(ctx, registry.RootHandle, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if n := h.rec.count("DELETE /files/a.txt"); n != 1 {
		t.Errorf("DELETE requests = %d", n)
	}
	_, err = h.fs.Getattr(ctx, a.Handle)
	wantKind(t, err, fserr.KindNotFound)

	_, err = h.fs.Lookup(ctx, registry.RootHandle, "a.txt")
	wantKind(t, err, fserr.KindNotFound)

	_, err = h.fs.Getattr(ctx, 9999)
	wantKind(t, err, fserr.KindUnknownHandle)
}

func TestLookupMissingIsCachedAsAbsent(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "x"})
	ctx := context.Background()

	for range 3 {
		_, err := h.fs.Lookup(ctx, registry.RootHandle, "nope")
		wantKind(t, err, fserr.KindNotFound)
	}
	if n := h.rec.count("GET /list/"); n != 1 {
		t.Errorf("list requests = %d, want 1", n)
	}
}

func TestCreateAndMkdirInvalidateParent(t *testing.T) {
	h := newHarness(t, map[string]string{"/docs/": ""})
	ctx := context.Background()

	docs, err := h.fs.Lookup(ctx, registry.RootHandle, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if l, err := h.fs.Readdir(ctx, docs.Handle); err != nil || len(l) != 0 {
		t.Fatalf("readdir = %v, %v", l, err)
	}

	a, fh, err := h.fs.Create(ctx, docs.Handle, "new.txt", models.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != "/docs/new.txt" || a.IsDir() {
		t.Errorf("created = %+v", a)
	}
	h.fs.Write(ctx, fh, 0, []byte("abc"))
	if err := h.fs.Release(ctx, fh); err != nil {
		t.Fatal(err)
	}

	if _, err := h.fs.Mkdir(ctx, docs.Handle, "sub"); err != nil {
		t.Fatal(err)
	}

	l, err := h.fs.Readdir(ctx, docs.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if len(l) != 2 || l[0].Name != "new.txt" || l[0].Size != 3 || l[1].Name != "sub" || !l[1].IsDir() {
		t.Errorf("listing after create = %+v", l)
	}

	_, _, err = h.fs.Create(ctx, docs.Handle, "new.txt", models.ReadWrite)
	wantKind(t, err, fserr.KindAlreadyExists)
	_, err = h.fs.Mkdir(ctx, docs.Handle, "sub")
	wantKind(t, err, fserr.KindAlreadyExists)
}

func TestRemoveTypeChecks(t *testing.T) {
	h := newHarness(t, map[string]string{
		"/d/":      "",
		"/d/f.txt": "x",
		"/e/":      "",
	})
	ctx := context.Background()

	wantKind(t, h.fs.Rmdir(ctx, registry.RootHandle, "d"), fserr.KindNotEmpty)
	d, _ := h.fs.Lookup(ctx, registry.RootHandle, "d")
	wantKind(t, h.fs.Rmdir(ctx, d.Handle, "f.txt"), fserr.KindNotADirectory)
	wantKind(t, h.fs.Unlink(ctx, registry.RootHandle, "e"), fserr.KindIsADirectory)
	wantKind(t, h.fs.Unlink(ctx, registry.RootHandle, "missing"), fserr.KindNotFound)

	if err := h.fs.Rmdir(ctx, registry.RootHandle, "e"); err != nil {
		t.Fatal(err)
	}
	if h.rec.count("DELETE /files/d") != 0 {
		t.Error("non-empty directory was deleted")
	}
}

func TestReadThroughDispatcher(t *testing.T) {
	h := newHarness(t, map[string]string{"/big.bin": strings.Repeat("0123456789", 1000)})
	ctx := context.Background()

	a, err := h.fs.Lookup(ctx, registry.RootHandle, "big.bin")
	if err != nil {
		t.Fatal(err)
	}
	fh, err := h.fs.Open(ctx, a.Handle, models.ReadOnly, false)
	if err != nil {
		t.Fatal(err)
	}
	defer h.fs.Release(ctx, fh)

	data, err := h.fs.Read(ctx, fh, 4095, 12)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "567890123456" {
		t.Errorf("read = %q", data)
	}
	data, _ = h.fs.Read(ctx, fh, 9995, 100)
	if string(data) != "56789" {
		t.Errorf("tail = %q", data)
	}

	_, err = h.fs.Open(ctx, registry.RootHandle, models.ReadOnly, false)
	wantKind(t, err, fserr.KindIsADirectory)
}

func TestRenameFile(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "alpha", "/b.txt": "bravo"})
	ctx := context.Background()

	a, _ := h.fs.Lookup(ctx, registry.RootHandle, "a.txt")
	b, _ := h.fs.Lookup(ctx, registry.RootHandle, "b.txt")

	err := h.fs.Rename(ctx, registry.RootHandle, "a.txt", registry.RootHandle, "b.txt", RenameNoReplace)
	wantKind(t, err, fserr.KindAlreadyExists)

	if err := h.fs.Rename(ctx, registry.RootHandle, "a.txt", registry.RootHandle, "b.txt", 0); err != nil {
		t.Fatal(err)
	}
	if got := h.content(t, "/b.txt"); got != "alpha" {
		t.Errorf("b.txt = %q", got)
	}
	if _, err := h.store.Stat(ctx, "/a.txt"); err == nil {
		t.Error("source still exists")
	}

	got, err := h.fs.Getattr(ctx, a.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/b.txt" || got.Size != 5 {
		t.Errorf("renamed attr = %+v", got)
	}
	_, err = h.fs.Getattr(ctx, b.Handle)
	wantKind(t, err, fserr.KindNotFound)

	err = h.fs.Rename(ctx, registry.RootHandle, "b.txt", registry.RootHandle, "c.txt", RenameExchange)
	wantKind(t, err, fserr.KindUnsupported)
}

func TestRenameDirectoryTree(t *testing.T) {
	h := newHarness(t, map[string]string{
		"/src/":           "",
		"/src/one.txt":    "1",
		"/src/sub/":       "",
		"/src/sub/two.md": "22",
	})
	ctx := context.Background()

	src, _ := h.fs.Lookup(ctx, registry.RootHandle, "src")
	sub, _ := h.fs.Lookup(ctx, src.Handle, "sub")
	two, err := h.fs.Lookup(ctx, sub.Handle, "two.md")
	if err != nil {
		t.Fatal(err)
	}

	err = h.fs.Rename(ctx, registry.RootHandle, "src", sub.Handle, "inside", 0)
	wantKind(t, err, fserr.KindUnsupported)

	if err := h.fs.Rename(ctx, registry.RootHandle, "src", registry.RootHandle, "dst", 0); err != nil {
		t.Fatal(err)
	}
	if got := h.content(t, "/dst/sub/two.md"); got != "22" {
		t.Errorf("copied file = %q", got)
	}
	if got := h.content(t, "/dst/one.txt"); got != "1" {
		t.Errorf("copied file = %q", got)
	}
	if _, err := h.store.Stat(ctx, "/src"); err == nil {
		t.Error("source tree still exists")
	}

	got, err := h.fs.Getattr(ctx, two.Handle)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/dst/sub/two.md" || got.Size != 2 {
		t.Errorf("child attr after rename = %+v", got)
	}
	if _, err := h.fs.Lookup(ctx, registry.RootHandle, "src"); fserr.KindOf(err) != fserr.KindNotFound {
		t.Errorf("lookup old name: %v", err)
	}
}

func TestRenameSourceLeftBehindIsConflict(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "alpha"})
	ctx := context.Background()
	h.rec.failRequest("DELETE /files/a.txt", http.StatusInternalServerError)

	err := h.fs.Rename(ctx, registry.RootHandle, "a.txt", registry.RootHandle, "b.txt", 0)
	wantKind(t, err, fserr.KindConflict)
	if fserr.ToErrno(err) != syscall.EBUSY {
		t.Errorf("errno = %v", fserr.ToErrno(err))
	}

	// Both copies exist and the cache does not pretend otherwise.
	if got := h.content(t, "/b.txt"); got != "alpha" {
		t.Errorf("b.txt = %q", got)
	}
	if _, err := h.fs.Lookup(ctx, registry.RootHandle, "a.txt"); err != nil {
		t.Errorf("lookup source: %v", err)
	}
	if _, err := h.fs.Lookup(ctx, registry.RootHandle, "b.txt"); err != nil {
		t.Errorf("lookup destination: %v", err)
	}
}

func TestSetattrTruncate(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "0123456789"})
	ctx := context.Background()

	a, _ := h.fs.Lookup(ctx, registry.RootHandle, "a.txt")
	size := int64(4)
	got, err := h.fs.Setattr(ctx, a.Handle, 0, &size)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 4 {
		t.Errorf("size = %d", got.Size)
	}
	if c := h.content(t, "/a.txt"); c != "0123" {
		t.Errorf("content = %q", c)
	}

	neg := int64(-1)
	_, err = h.fs.Setattr(ctx, a.Handle, 0, &neg)
	if fserr.ToErrno(err) != syscall.EINVAL {
		t.Errorf("negative size: %v", err)
	}

	fh, _ := h.fs.Open(ctx, a.Handle, models.ReadWrite, false)
	size = 0
	if got, err = h.fs.Setattr(ctx, a.Handle, fh, &size); err != nil || got.Size != 0 {
		t.Fatalf("truncate via handle = %+v, %v", got, err)
	}
	if err := h.fs.Release(ctx, fh); err != nil {
		t.Fatal(err)
	}
	if c := h.content(t, "/a.txt"); c != "" {
		t.Errorf("content after truncate = %q", c)
	}
}

func TestStatfs(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.fs.Statfs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.BlockSize != 4096 || st.Blocks == 0 || st.Free != st.Blocks || st.NameLen != 255 {
		t.Errorf("statfs = %+v", st)
	}
	if st.Files != 1 {
		t.Errorf("files = %d, want the root only", st.Files)
	}
}

func TestConcurrentReaddirSharesOneRequest(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "x", "/b.txt": "y"})
	ctx := context.Background()
	h.rec.holdLists()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := h.fs.Readdir(ctx, registry.RootHandle)
			if err == nil && len(l) != 2 {
				err = errors.New("wrong listing")
			}
			errs <- err
		}()
	}
	<-h.rec.entered
	time.Sleep(50 * time.Millisecond)
	h.rec.release()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if n := h.rec.count("GET /list/"); n != 1 {
		t.Errorf("list requests = %d, want 1", n)
	}
}

func TestUnmountDiscardsInFlightResults(t *testing.T) {
	h := newHarness(t, map[string]string{"/a.txt": "x"})
	ctx := context.Background()
	h.rec.holdLists()

	done := make(chan error, 1)
	go func() {
		_, err := h.fs.Readdir(ctx, registry.RootHandle)
		done <- err
	}()
	<-h.rec.entered

	if err := h.fs.Unmount(ctx); err != nil {
		t.Fatal(err)
	}
	h.rec.release()

	wantKind(t, <-done, fserr.KindUnreachable)
	_, err := h.fs.Getattr(ctx, registry.RootHandle)
	wantKind(t, err, fserr.KindUnreachable)
	if st := h.fs.cache.Stats(); st.Items != 0 {
		t.Errorf("cache holds %d items after unmount", st.Items)
	}
}
