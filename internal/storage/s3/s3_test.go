package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/remotefs/internal/storage"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		path, key, prefix string
	}{
		{"/", "", ""},
		{"/a.txt", "a.txt", "a.txt/"},
		{"/docs/b", "docs/b", "docs/b/"},
		{"docs//c/", "docs/c", "docs/c/"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.path); got != tt.key {
			t.Errorf("objectKey(%q) = %q, want %q", tt.path, got, tt.key)
		}
		if got := dirPrefix(tt.path); got != tt.prefix {
			t.Errorf("dirPrefix(%q) = %q, want %q", tt.path, got, tt.prefix)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("get: %w", &types.NoSuchKey{})) {
		t.Error("NoSuchKey not detected")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("NotFound not detected")
	}
	if isNotFound(errors.New("boom")) {
		t.Error("plain error reported as not found")
	}
}

// TestBackendAgainstServer needs an S3-compatible endpoint, e.g.
//
//	REMOTEFS_TEST_S3_ENDPOINT=http://localhost:9000 go test ./internal/storage/s3/
func TestBackendAgainstServer(t *testing.T) {
	endpoint := os.Getenv("REMOTEFS_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("REMOTEFS_TEST_S3_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := New(ctx, Config{
		Endpoint:  endpoint,
		Bucket:    fmt.Sprintf("remotefs-test-%d", time.Now().UnixNano()),
		AccessKey: envOr("REMOTEFS_TEST_S3_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("REMOTEFS_TEST_S3_SECRET_KEY", "minioadmin"),
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Mkdir(ctx, "/docs"); err != nil {
		t.Fatal(err)
	}
	if err := b.Mkdir(ctx, "/docs"); !errors.Is(err, storage.ErrExists) {
		t.Errorf("second mkdir: %v", err)
	}
	if err := b.Put(ctx, "/docs/a.txt", strings.NewReader("hello"), 5); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "/missing/a.txt", strings.NewReader(""), 0); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("put without parent: %v", err)
	}

	list, err := b.List(ctx, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "a.txt" || list[0].Size != 5 {
		t.Fatalf("list = %+v", list)
	}
	if _, err := b.List(ctx, "/docs/a.txt"); !errors.Is(err, storage.ErrNotDir) {
		t.Errorf("list file: %v", err)
	}

	rc, err := b.Open(ctx, "/docs/a.txt", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "ell" {
		t.Errorf("range read = %q", data)
	}

	if err := b.PutRange(ctx, "/docs/a.txt", nil, 0, 0, 1); !errors.Is(err, storage.ErrNotSupported) {
		t.Errorf("PutRange: %v", err)
	}
	if err := b.Delete(ctx, "/docs"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Stat(ctx, "/docs/a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stat after delete: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
