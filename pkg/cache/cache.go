// Package cache provides the client-side entry cache: attributes, directory
// listings, negative entries and content chunks keyed by remote path.
//
// Attributes and listings carry a TTL. Expiry and eviction are independent:
// an expired value stays resident (and is reported Stale) until it is
// replaced, invalidated or evicted by the LRU budget. Content chunks carry
// the Version of the file they were read from and only hit for that version.
// The cache is sharded by path hash; every value of one path lives in the
// same shard.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
)

// Config holds cache bounds.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
	Shards     int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        time.Second,
		MaxEntries: 10000,
		MaxBytes:   256 << 20,
		Shards:     16,
	}
}

type itemKind uint8

const (
	kindAttrs itemKind = iota
	kindListing
	kindChunk
)

func (k itemKind) String() string {
	switch k {
	case kindListing:
		return "listing"
	case kindChunk:
		return "chunk"
	default:
		return "attrs"
	}
}

// Version identifies the remote content of a file.
type Version struct {
	Size    int64
	ModTime time.Time
}

// VersionOf returns the content version described by e.
func VersionOf(e models.Entry) Version {
	return Version{Size: e.Size, ModTime: e.ModTime}
}

func (v Version) equal(o Version) bool {
	return v.Size == o.Size && v.ModTime.Equal(o.ModTime)
}

type key struct {
	kind  itemKind
	path  string
	index int64
}

type item struct {
	key     key
	entry   models.Entry
	absent  bool
	listing *models.DirectoryListing
	data    []byte
	version Version
	expires time.Time
	cost    int64
}

// Fixed per-item overhead used for byte accounting.
const itemOverhead = 128

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Items     int
	Bytes     int64
}

// Cache is safe for concurrent use.
type Cache struct {
	ttl    time.Duration
	shards []*shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard struct {
	mu       sync.Mutex
	items    map[key]*list.Element
	chunks   map[string]map[int64]struct{}
	lru      *list.List // front = most recently used
	bytes    int64
	maxItems int
	maxBytes int64
}

// New creates a cache. Zero fields of cfg take their defaults, except TTL,
// where zero means every value is stale as soon as it is stored.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}

	c := &Cache{ttl: cfg.TTL, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[key]*list.Element),
			chunks:   make(map[string]map[int64]struct{}),
			lru:      list.New(),
			maxItems: max(1, cfg.MaxEntries/cfg.Shards),
			maxBytes: max(1, cfg.MaxBytes/int64(cfg.Shards)),
		}
	}
	return c
}

func (c *Cache) shardFor(path string) *shard {
	return c.shards[xxhash.Sum64String(path)%uint64(len(c.shards))]
}

func (c *Cache) record(kind itemKind, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	metrics.RecordCacheLookup(kind.String(), hit)
}

// Attrs returns the cached attributes of path. StateAbsent means a fresh
// negative entry; an expired negative entry is reported as a miss.
func (c *Cache) Attrs(path string, now time.Time) (models.Entry, models.CacheState) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.get(key{kind: kindAttrs, path: path})
	if it == nil {
		c.record(kindAttrs, false)
		return models.Entry{}, models.StateMiss
	}
	fresh := now.Before(it.expires)
	c.record(kindAttrs, fresh)
	switch {
	case it.absent && fresh:
		return models.Entry{}, models.StateAbsent
	case it.absent:
		return models.Entry{}, models.StateMiss
	case fresh:
		return it.entry, models.StateFresh
	default:
		return it.entry, models.StateStale
	}
}

// Listing returns the cached listing of directory path.
func (c *Cache) Listing(path string, now time.Time) (*models.DirectoryListing, models.CacheState) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.get(key{kind: kindListing, path: path})
	if it == nil {
		c.record(kindListing, false)
		return nil, models.StateMiss
	}
	fresh := now.Before(it.expires)
	c.record(kindListing, fresh)
	if fresh {
		return it.listing, models.StateFresh
	}
	return it.listing, models.StateStale
}

// PutAttrs stores the attributes of path. Cached content of path read from
// another version is dropped.
func (c *Cache) PutAttrs(path string, e models.Entry, now time.Time) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.putAttrsLocked(s, path, e, now)
}

func (c *Cache) putAttrsLocked(s *shard, path string, e models.Entry, now time.Time) {
	k := key{kind: kindAttrs, path: path}
	c.dropStaleChunksLocked(s, path, VersionOf(e))
	c.insert(s, &item{
		key:     k,
		entry:   e,
		expires: now.Add(c.ttl),
		cost:    itemOverhead + int64(len(path)+len(e.Name)),
	})
}

// PutAbsent stores a negative entry for path and drops its content.
func (c *Cache) PutAbsent(path string, now time.Time) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.putAbsentLocked(s, path, now)
}

func (c *Cache) putAbsentLocked(s *shard, path string, now time.Time) {
	c.dropChunksLocked(s, path)
	s.remove(key{kind: kindListing, path: path})
	c.insert(s, &item{
		key:     key{kind: kindAttrs, path: path},
		absent:  true,
		expires: now.Add(c.ttl),
		cost:    itemOverhead + int64(len(path)),
	})
}

// PutListing stores the listing of directory path and the attributes of
// every child. Children of the previous listing that are no longer present
// get negative entries.
func (c *Cache) PutListing(path string, l *models.DirectoryListing, now time.Time) {
	s := c.shardFor(path)
	s.mu.Lock()
	var gone []string
	if old := s.peek(key{kind: kindListing, path: path}); old != nil && old.listing != nil {
		present := make(map[string]struct{}, len(l.Entries))
		for _, e := range l.Entries {
			present[e.Name] = struct{}{}
		}
		for _, e := range old.listing.Entries {
			if _, ok := present[e.Name]; !ok {
				gone = append(gone, e.Path)
			}
		}
	}
	cost := int64(itemOverhead + len(path))
	for _, e := range l.Entries {
		cost += itemOverhead/2 + int64(len(e.Name)+len(e.Path))
	}
	c.insert(s, &item{
		key:     key{kind: kindListing, path: path},
		listing: l,
		expires: now.Add(c.ttl),
		cost:    cost,
	})
	s.mu.Unlock()

	for _, e := range l.Entries {
		c.PutAttrs(e.Path, e, now)
	}
	for _, p := range gone {
		c.PutAbsent(p, now)
	}
}

// Chunk returns content chunk index of path as read from version v. A chunk
// of any other version is dropped and reported as a miss.
func (c *Cache) Chunk(path string, index int64, v Version) ([]byte, bool) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{kind: kindChunk, path: path, index: index}
	it := s.get(k)
	if it != nil && !it.version.equal(v) {
		c.removeChunkLocked(s, k)
		it = nil
	}
	c.record(kindChunk, it != nil)
	if it == nil {
		return nil, false
	}
	return it.data, true
}

// PutChunk stores content chunk index of path, read from version v. data
// must not be modified afterwards. Chunks have no TTL; they live until a
// different version of the path is seen, the path is invalidated, or the
// LRU evicts them.
func (c *Cache) PutChunk(path string, index int64, v Version, data []byte) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := itemOverhead + int64(len(data))
	if cost > s.maxBytes {
		return
	}
	c.insert(s, &item{
		key:     key{kind: kindChunk, path: path, index: index},
		data:    data,
		version: v,
		cost:    cost,
	})
	idx := s.chunks[path]
	if idx == nil {
		idx = make(map[int64]struct{})
		s.chunks[path] = idx
	}
	idx[index] = struct{}{}
}

// Invalidate removes the attributes, listing and content of path.
func (c *Cache) Invalidate(path string) {
	s := c.shardFor(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key{kind: kindAttrs, path: path})
	s.remove(key{kind: kindListing, path: path})
	c.dropChunksLocked(s, path)
}

// InvalidateSubtree removes path and everything under it.
func (c *Cache) InvalidateSubtree(path string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if models.IsUnder(k.path, path) {
				s.remove(k)
			}
		}
		for p := range s.chunks {
			if models.IsUnder(p, path) {
				delete(s.chunks, p)
			}
		}
		s.mu.Unlock()
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[key]*list.Element)
		s.chunks = make(map[string]map[int64]struct{})
		s.lru.Init()
		s.bytes = 0
		s.mu.Unlock()
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Items += len(s.items)
		st.Bytes += s.bytes
		s.mu.Unlock()
	}
	return st
}

func (c *Cache) dropChunksLocked(s *shard, path string) {
	for idx := range s.chunks[path] {
		s.remove(key{kind: kindChunk, path: path, index: idx})
	}
	delete(s.chunks, path)
}

func (c *Cache) dropStaleChunksLocked(s *shard, path string, v Version) {
	for idx := range s.chunks[path] {
		k := key{kind: kindChunk, path: path, index: idx}
		if it := s.peek(k); it == nil || !it.version.equal(v) {
			c.removeChunkLocked(s, k)
		}
	}
}

// removeChunkLocked removes one chunk and its index entry.
func (c *Cache) removeChunkLocked(s *shard, k key) {
	s.remove(k)
	if idx := s.chunks[k.path]; idx != nil {
		delete(idx, k.index)
		if len(idx) == 0 {
			delete(s.chunks, k.path)
		}
	}
}

// insert adds or replaces an item and evicts from the back of the LRU until
// the shard is within budget. The inserted item itself is never evicted.
func (c *Cache) insert(s *shard, it *item) {
	s.remove(it.key)
	s.items[it.key] = s.lru.PushFront(it)
	s.bytes += it.cost

	for (len(s.items) > s.maxItems || s.bytes > s.maxBytes) && s.lru.Len() > 1 {
		victim := s.lru.Back().Value.(*item)
		if victim.key.kind == kindChunk {
			c.removeChunkLocked(s, victim.key)
		} else {
			s.remove(victim.key)
		}
		c.evictions.Add(1)
		metrics.RecordCacheEviction(victim.key.kind.String())
	}
}

// get returns the item for k and marks it recently used.
func (s *shard) get(k key) *item {
	el, ok := s.items[k]
	if !ok {
		return nil
	}
	s.lru.MoveToFront(el)
	return el.Value.(*item)
}

// peek returns the item for k without touching recency.
func (s *shard) peek(k key) *item {
	if el, ok := s.items[k]; ok {
		return el.Value.(*item)
	}
	return nil
}

func (s *shard) remove(k key) {
	el, ok := s.items[k]
	if !ok {
		return
	}
	s.bytes -= el.Value.(*item).cost
	s.lru.Remove(el)
	delete(s.items, k)
}
