// Package protocol defines the REST wire types shared by the client adapter
// and the reference server.
package protocol

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fruitsalade/remotefs/pkg/models"
)

// Entry types as they appear on the wire.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Endpoint prefixes.
const (
	ListPrefix  = "/list/"
	FilesPrefix = "/files/"
	MkdirPrefix = "/mkdir/"
	HealthPath  = "/health"
)

// ListEntry is one element of the GET /list/{path} response array.
type ListEntry struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
	Mode       uint32 `json:"mode,omitempty"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// ToEntry converts a wire entry under dir into a models.Entry.
// Unparseable timestamps fall back to fallbackTime.
func (le ListEntry) ToEntry(dir string, fallbackTime time.Time) models.Entry {
	kind := models.KindFile
	if le.Type == TypeDirectory {
		kind = models.KindDirectory
	}
	mtime, err := time.Parse(time.RFC3339Nano, le.ModifiedAt)
	if err != nil {
		mtime = fallbackTime
	}
	return models.Entry{
		Path:    models.JoinPath(dir, le.Name),
		Name:    le.Name,
		Kind:    kind,
		Size:    le.Size,
		ModTime: mtime,
		Mode:    le.Mode,
	}
}

// FromEntry converts a models.Entry into its wire form.
func FromEntry(e models.Entry) ListEntry {
	typ := TypeFile
	if e.IsDir() {
		typ = TypeDirectory
	}
	return ListEntry{
		Name:       e.Name,
		Type:       typ,
		Size:       e.Size,
		ModifiedAt: e.ModTime.UTC().Format(time.RFC3339Nano),
		Mode:       e.Mode,
	}
}

// EncodePath URL-encodes each segment of an absolute remote path and strips
// the leading slash, ready to be appended to an endpoint prefix.
func EncodePath(p string) string {
	p = strings.TrimPrefix(models.CleanPath(p), "/")
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// DecodePath turns the wildcard part of a request path back into a canonical
// remote path.
func DecodePath(raw string) (string, error) {
	p, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode path %q: %w", raw, err)
	}
	return models.CleanPath(p), nil
}
