// Package registry maps kernel-visible handles to remote paths.
//
// Handles are allocated from a monotonic counter and never reused within a
// session. The root path is always handle 1. The two maps are sharded; locks
// are always taken path shards first, then handle shards, each in ascending
// index order.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/fruitsalade/remotefs/pkg/fserr"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// RootHandle is the handle of "/".
const RootHandle uint64 = 1

const defaultShards = 16

type pathShard struct {
	mu sync.RWMutex
	m  map[string]uint64
}

type handleShard struct {
	mu sync.RWMutex
	m  map[uint64]string
}

// Registry is safe for concurrent use.
type Registry struct {
	next    atomic.Uint64
	paths   []*pathShard
	handles []*handleShard
}

// New creates a registry with the root bound. shards <= 0 selects the
// default.
func New(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{
		paths:   make([]*pathShard, shards),
		handles: make([]*handleShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.paths[i] = &pathShard{m: make(map[string]uint64)}
		r.handles[i] = &handleShard{m: make(map[uint64]string)}
	}
	r.next.Store(RootHandle)
	r.bindRootLocked()
	return r
}

func (r *Registry) pathShard(p string) *pathShard {
	return r.paths[xxhash.Sum64String(p)%uint64(len(r.paths))]
}

func (r *Registry) handleShard(h uint64) *handleShard {
	return r.handles[h%uint64(len(r.handles))]
}

func (r *Registry) bindRootLocked() {
	r.pathShard("/").m["/"] = RootHandle
	r.handleShard(RootHandle).m[RootHandle] = "/"
}

// Resolve returns the path bound to h.
func (r *Registry) Resolve(h uint64) (string, error) {
	hs := r.handleShard(h)
	hs.mu.RLock()
	p, ok := hs.m[h]
	hs.mu.RUnlock()
	if !ok {
		return "", fserr.New(fserr.KindUnknownHandle, "resolve", "", fmt.Errorf("handle %d", h))
	}
	return p, nil
}

// Retired reports whether h was handed out earlier in the session but is no
// longer bound.
func (r *Registry) Retired(h uint64) bool {
	if h == 0 || h > r.next.Load() {
		return false
	}
	_, err := r.Resolve(h)
	return err != nil
}

// Lookup returns the handle bound to p without allocating one.
func (r *Registry) Lookup(p string) (uint64, bool) {
	ps := r.pathShard(p)
	ps.mu.RLock()
	h, ok := ps.m[p]
	ps.mu.RUnlock()
	return h, ok
}

// Bind returns the handle of p, allocating a new one on first use.
func (r *Registry) Bind(p string) uint64 {
	p = models.CleanPath(p)
	if h, ok := r.Lookup(p); ok {
		return h
	}

	ps := r.pathShard(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if h, ok := ps.m[p]; ok {
		return h
	}
	h := r.next.Add(1)
	hs := r.handleShard(h)
	hs.mu.Lock()
	hs.m[h] = p
	hs.mu.Unlock()
	ps.m[p] = h
	return h
}

// Len returns the number of live bindings, root included.
func (r *Registry) Len() int {
	n := 0
	for _, ps := range r.paths {
		ps.mu.RLock()
		n += len(ps.m)
		ps.mu.RUnlock()
	}
	return n
}

func (r *Registry) lockAll() {
	for _, ps := range r.paths {
		ps.mu.Lock()
	}
	for _, hs := range r.handles {
		hs.mu.Lock()
	}
}

func (r *Registry) unlockAll() {
	for i := len(r.handles) - 1; i >= 0; i-- {
		r.handles[i].mu.Unlock()
	}
	for i := len(r.paths) - 1; i >= 0; i-- {
		r.paths[i].mu.Unlock()
	}
}

// subtreeLocked returns every bound path equal to or under root.
func (r *Registry) subtreeLocked(root string) []string {
	var out []string
	for _, ps := range r.paths {
		for p := range ps.m {
			if models.IsUnder(p, root) {
				out = append(out, p)
			}
		}
	}
	return out
}

func (r *Registry) unbindLocked(p string) {
	ps := r.pathShard(p)
	h, ok := ps.m[p]
	if !ok {
		return
	}
	delete(ps.m, p)
	delete(r.handleShard(h).m, h)
}

// Rebind re-points h, and every handle bound under it, at newPath. Handles
// previously bound at or under newPath are retired.
func (r *Registry) Rebind(h uint64, newPath string) error {
	newPath = models.CleanPath(newPath)
	if h == RootHandle {
		return fserr.New(fserr.KindUnsupported, "rebind", "/", fmt.Errorf("cannot rename the root"))
	}

	r.lockAll()
	defer r.unlockAll()

	oldPath, ok := r.handleShard(h).m[h]
	if !ok {
		return fserr.New(fserr.KindUnknownHandle, "rebind", newPath, fmt.Errorf("handle %d", h))
	}
	if oldPath == newPath {
		return nil
	}
	if models.IsUnder(newPath, oldPath) {
		return fserr.New(fserr.KindUnsupported, "rebind", newPath, fmt.Errorf("cannot move %s under itself", oldPath))
	}

	for _, p := range r.subtreeLocked(newPath) {
		r.unbindLocked(p)
	}

	moved := r.subtreeLocked(oldPath)
	bound := make(map[string]uint64, len(moved))
	for _, p := range moved {
		bound[p] = r.pathShard(p).m[p]
		delete(r.pathShard(p).m, p)
	}
	for p, mh := range bound {
		np := models.Reparent(p, oldPath, newPath)
		r.pathShard(np).m[np] = mh
		r.handleShard(mh).m[mh] = np
	}
	return nil
}

// Retire unbinds h and every handle bound under its path. It returns the
// retired path.
func (r *Registry) Retire(h uint64) (string, error) {
	if h == RootHandle {
		return "", fserr.New(fserr.KindUnsupported, "retire", "/", fmt.Errorf("cannot retire the root"))
	}

	r.lockAll()
	defer r.unlockAll()

	p, ok := r.handleShard(h).m[h]
	if !ok {
		return "", fserr.New(fserr.KindUnknownHandle, "retire", "", fmt.Errorf("handle %d", h))
	}
	for _, sub := range r.subtreeLocked(p) {
		r.unbindLocked(sub)
	}
	return p, nil
}

// RetirePath unbinds p and everything under it, if bound.
func (r *Registry) RetirePath(p string) {
	p = models.CleanPath(p)
	if p == "/" {
		return
	}
	r.lockAll()
	defer r.unlockAll()
	for _, sub := range r.subtreeLocked(p) {
		r.unbindLocked(sub)
	}
}

// Reset drops every binding except the root. The handle counter keeps
// counting so handles from before the reset are never handed out again.
func (r *Registry) Reset() {
	r.lockAll()
	defer r.unlockAll()
	for _, ps := range r.paths {
		ps.m = make(map[string]uint64)
	}
	for _, hs := range r.handles {
		hs.m = make(map[uint64]string)
	}
	r.bindRootLocked()
}
