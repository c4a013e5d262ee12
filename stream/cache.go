package stream

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// mappingIdleTimeout is how long a cached VirtualStream may sit unused
// before Get rebuilds it and Sweep evicts it. initIdleTimeout is not
// consulted by Cache: an InitSection is cached only as part of its
// VirtualStream, so it expires together with the Mapping.
const (
	initIdleTimeout    = 30 * time.Second
	mappingIdleTimeout = 120 * time.Second
)

// cacheKey identifies a virtual stream by source path and the sorted,
// deduplicated set of tracks it selects — order-independent, so
// requesting tracks [1,2] and [2,1] hit the same cache entry.
func cacheKey(path string, trackIDs []uint32) string {
	ids := append([]uint32(nil), trackIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('|')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}

type cacheEntry[T any] struct {
	value      T
	modTime    time.Time
	size       int64
	lastAccess time.Time
}

// Cache is a process-wide, mtime/size-validated LRU in front of Build,
// holding whole VirtualStream values (each with its InitSection and
// Mapping) under the single mappingIdleTimeout; there is no separate
// InitSection cache. A cache hit whose source file has since changed
// mtime/size is treated as a miss and rebuilt.
type Cache struct {
	log zerolog.Logger

	mu       sync.Mutex
	streams  *lru.Cache[string, *cacheEntry[*VirtualStream]]
}

// NewCache builds a Cache of the given capacity (number of distinct
// (path, trackList) virtual streams to keep warm).
func NewCache(capacity int, log zerolog.Logger) (*Cache, error) {
	c := &Cache{log: log}
	streams, err := lru.NewWithEvict(capacity, func(key string, entry *cacheEntry[*VirtualStream]) {
		c.log.Debug().Str("key", key).Msg("stream cache evicted")
		entry.value.Close()
	})
	if err != nil {
		return nil, err
	}
	c.streams = streams
	return c, nil
}

// Get returns the cached VirtualStream for (path, trackIDs), validating
// it against the source file's current mtime and size, rebuilding via
// Build on a miss or stale hit.
func (c *Cache) Get(path string, trackIDs []uint32) (*VirtualStream, error) {
	key := cacheKey(path, trackIDs)

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry, ok := c.streams.Get(key); ok {
		if entry.modTime.Equal(fi.ModTime()) && entry.size == fi.Size() {
			if idleFor := time.Since(entry.lastAccess); idleFor < mappingIdleTimeout {
				entry.lastAccess = time.Now()
				c.mu.Unlock()
				return entry.value, nil
			}
		}
		c.streams.Remove(key)
		entry.value.Close()
	}
	c.mu.Unlock()

	vs, err := Build(path, trackIDs)
	if err != nil {
		return nil, fmt.Errorf("building virtual stream for %s: %w", path, err)
	}

	c.mu.Lock()
	c.streams.Add(key, &cacheEntry[*VirtualStream]{
		value:      vs,
		modTime:    fi.ModTime(),
		size:       fi.Size(),
		lastAccess: time.Now(),
	})
	c.mu.Unlock()
	return vs, nil
}

// Sweep evicts every entry idle past the configured timeout, beyond what
// LRU capacity eviction removes. Nothing in this module calls it
// (cmd/mp4serve does not); Get checks idleness only for the entry it
// looks up.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.streams.Keys() {
		entry, ok := c.streams.Peek(key)
		if !ok {
			continue
		}
		if time.Since(entry.lastAccess) >= mappingIdleTimeout {
			c.streams.Remove(key)
		}
	}
}

// Len reports the current number of cached virtual streams.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams.Len()
}
