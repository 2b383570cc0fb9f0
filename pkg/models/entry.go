// Package models contains the data types shared by the cache, the dispatcher
// and the remote adapter.
package models

import "time"

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Default permission bits used when the server does not report any.
const (
	DefaultFileMode uint32 = 0644
	DefaultDirMode  uint32 = 0755
)

// Entry is the cached view of one remote file or directory.
// An Entry is never re-pointed at another path; a rename produces a new one.
type Entry struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
	Mode    uint32    `json:"mode"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// WithDefaults fills in permission bits and normalizes directory sizes.
func (e Entry) WithDefaults(fileMode, dirMode uint32) Entry {
	if e.Mode == 0 {
		if e.IsDir() {
			e.Mode = dirMode
		} else {
			e.Mode = fileMode
		}
	}
	if e.IsDir() {
		e.Size = 0
	}
	return e
}

// RootEntry returns the synthetic entry for the mount root.
func RootEntry(modTime time.Time) Entry {
	return Entry{
		Path:    "/",
		Name:    "",
		Kind:    KindDirectory,
		ModTime: modTime,
		Mode:    DefaultDirMode,
	}
}

// DirectoryListing is an immutable snapshot of a directory's children.
// It is replaced wholesale on refresh.
type DirectoryListing struct {
	Path      string
	Entries   []Entry
	FetchedAt time.Time
}

// Find returns the child with the given name.
func (l *DirectoryListing) Find(name string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	for _, e := range l.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// CacheState describes what the cache knows about a path.
type CacheState int

const (
	// StateMiss means nothing usable is cached.
	StateMiss CacheState = iota
	// StateFresh means the cached value is within its TTL.
	StateFresh
	// StateStale means a value is resident but its TTL has passed.
	StateStale
	// StateAbsent is a fresh negative entry: the path is known not to exist.
	StateAbsent
)

func (s CacheState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateAbsent:
		return "absent"
	default:
		return "miss"
	}
}

// OpenMode is the access mode of an open file.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	WriteOnly
	ReadWrite
)

// CanRead reports whether the mode permits reads.
func (m OpenMode) CanRead() bool { return m == ReadOnly || m == ReadWrite }

// CanWrite reports whether the mode permits writes.
func (m OpenMode) CanWrite() bool { return m == WriteOnly || m == ReadWrite }

func (m OpenMode) String() string {
	switch m {
	case WriteOnly:
		return "wronly"
	case ReadWrite:
		return "rdwr"
	default:
		return "rdonly"
	}
}
