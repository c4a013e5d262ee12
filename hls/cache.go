package hls

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/fragment"
)

// fragmentIdleTimeout bounds how long a generated fragment's bytes stay
// cached after their last access. Fragments are cheap to regenerate (one
// sample-range read) compared to a Mapping, so the timeout is short —
// this cache exists purely to absorb repeated byte-range requests for
// the same fragment during a single playback session.
const fragmentIdleTimeout = 15 * time.Second

// fragmentKey identifies one generated moof+mdat pair.
type fragmentKey struct {
	path string
	src  fragment.FragmentSource
	seq  uint32
}

type fragmentBytes struct {
	moof, mdat []byte
}

type fragmentEntry struct {
	bytes      fragmentBytes
	lastAccess time.Time
}

// FragmentCache is a short LRU of generated fragment bytes keyed by
// (path, FragmentSource, sequence number), per spec.md §4.11's "Byte-range requests MAY
// hit a short LRU of generated fragment bytes".
type FragmentCache struct {
	log zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[fragmentKey, *fragmentEntry]
}

// NewFragmentCache builds a FragmentCache with room for capacity
// distinct fragments.
func NewFragmentCache(capacity int, log zerolog.Logger) (*FragmentCache, error) {
	fc := &FragmentCache{log: log}
	c, err := lru.NewWithEvict(capacity, func(key fragmentKey, _ *fragmentEntry) {
		fc.log.Debug().Str("path", key.path).Uint32("track", key.src.SrcTrackID).Msg("fragment cache evicted")
	})
	if err != nil {
		return nil, err
	}
	fc.cache = c
	return fc, nil
}

// Get returns the cached moof/mdat bytes for one fragment, building them
// via fragment.BuildFragment on a miss. Cache poisoning is impossible:
// a build error is never stored, only successful results are (spec.md
// §7's "the HLS cache wrapper retries nothing ... cache poisoning is
// impossible because errors are not cached").
func (fc *FragmentCache) Get(path string, movie *bmff.Movie, src fragment.FragmentSource, seq uint32) (moof, mdat []byte, err error) {
	key := fragmentKey{path: path, src: src, seq: seq}

	fc.mu.Lock()
	if entry, ok := fc.cache.Get(key); ok {
		entry.lastAccess = time.Now()
		fc.mu.Unlock()
		return entry.bytes.moof, entry.bytes.mdat, nil
	}
	fc.mu.Unlock()

	moof, mdat, err = fragment.BuildFragment(movie, seq, []fragment.FragmentSource{src})
	if err != nil {
		return nil, nil, fmt.Errorf("building fragment for %s track %d [%d,%d]: %w",
			path, src.SrcTrackID, src.From, src.To, err)
	}

	fc.mu.Lock()
	fc.cache.Add(key, &fragmentEntry{bytes: fragmentBytes{moof: moof, mdat: mdat}, lastAccess: time.Now()})
	fc.mu.Unlock()
	return moof, mdat, nil
}

// Sweep evicts every fragment idle past fragmentIdleTimeout.
func (fc *FragmentCache) Sweep() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, key := range fc.cache.Keys() {
		entry, ok := fc.cache.Peek(key)
		if !ok {
			continue
		}
		if time.Since(entry.lastAccess) >= fragmentIdleTimeout {
			fc.cache.Remove(key)
		}
	}
}
