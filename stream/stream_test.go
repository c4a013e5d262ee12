package stream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodpack/bmff"
)

func TestCompressStsc(t *testing.T) {
	t.Run("run-length encodes equal runs", func(t *testing.T) {
		entries := compressStsc([]uint32{3, 3, 3, 5, 5, 2})
		require.Equal(t, []bmff.StscEntry{
			{FirstChunk: 1, SamplesPerChunk: 3, SampleDescriptionId: 1},
			{FirstChunk: 4, SamplesPerChunk: 5, SampleDescriptionId: 1},
			{FirstChunk: 6, SamplesPerChunk: 2, SampleDescriptionId: 1},
		}, entries)
	})

	t.Run("single chunk", func(t *testing.T) {
		entries := compressStsc([]uint32{7})
		assert.Equal(t, []bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 7, SampleDescriptionId: 1}}, entries)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, compressStsc(nil))
	})

	t.Run("every chunk distinct never merges", func(t *testing.T) {
		entries := compressStsc([]uint32{1, 2, 3})
		assert.Len(t, entries, 3)
	})
}

func TestComputeETagStableForSameInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.mp4")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	a := computeETag(fi, 1234)
	b := computeETag(fi, 1234)
	assert.Equal(t, a, b)

	c := computeETag(fi, 5678)
	assert.NotEqual(t, a, c)
}

func TestPutUint64BE(t *testing.T) {
	buf := make([]byte, 8)
	putUint64BE(buf, 0x0102030405060708)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}

func TestCacheKeyOrderIndependent(t *testing.T) {
	a := cacheKey("/a.mp4", []uint32{2, 1})
	b := cacheKey("/a.mp4", []uint32{1, 2})
	assert.Equal(t, a, b)

	c := cacheKey("/b.mp4", []uint32{1, 2})
	assert.NotEqual(t, a, c)
}

func TestCacheEntryIdleExpiry(t *testing.T) {
	entry := &cacheEntry[int]{value: 1, lastAccess: time.Now().Add(-mappingIdleTimeout * 2)}
	assert.True(t, time.Since(entry.lastAccess) >= mappingIdleTimeout)
}
