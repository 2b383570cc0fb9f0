package main

import (
	"errors"
	"go/parser"
	"go/token"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestUnmountRetriesWhileBusy(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	var calls int
	unmount := func() error {
		calls++
		if calls == 1 {
			return syscall.EBUSY
		}
		return nil
	}

	sigs <- syscall.SIGTERM
	done := make(chan struct{})
	go func() {
		unmountOnSignal(sigs, unmount)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("returned although the mount is still busy")
	case <-time.After(50 * time.Millisecond):
	}

	sigs <- syscall.SIGINT
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not unmount")
	}
	if calls != 2 {
		t.Errorf("unmount calls = %d, want 2", calls)
	}
}

func TestUnmountStopsWhenSignalsEnd(t *testing.T) {
	sigs := make(chan os.Signal)
	close(sigs)
	unmountOnSignal(sigs, func() error { return errors.New("not called") })
}

func TestClientDoesNotLinkReferenceServer(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "main.go", nil, parser.ImportsOnly)
	if err != nil {
		t.Fatal(err)
	}
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if strings.HasSuffix(path, "/internal/server") || strings.Contains(path, "/internal/storage") {
			t.Errorf("mount client imports %s", path)
		}
	}
}
