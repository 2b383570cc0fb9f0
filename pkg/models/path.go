package models

import (
	"path"
	"strings"
)

// CleanPath returns the canonical absolute form of p: leading slash, no
// trailing slash, no dot segments.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// JoinPath builds the path of a child named name under parent.
func JoinPath(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of p. The parent of the root is the root.
func ParentPath(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// BaseName returns the last element of p.
func BaseName(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

// IsUnder reports whether p equals root or lies below it.
func IsUnder(p, root string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// Reparent rewrites p, which must lie under oldRoot, to the same relative
// location under newRoot.
func Reparent(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	rel := strings.TrimPrefix(p, oldRoot)
	if oldRoot == "/" {
		rel = p
	}
	if newRoot == "/" {
		return CleanPath(rel)
	}
	return newRoot + rel
}

// ValidName reports whether name can be used as a single path element.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}
