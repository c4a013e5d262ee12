package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodpack/bmff"
)

func TestSampleFlags(t *testing.T) {
	assert.Equal(t, uint32(2<<24), sampleFlags(true))
	assert.Equal(t, uint32((1<<24)|(1<<16)), sampleFlags(false))
}

func TestUniformDuration(t *testing.T) {
	uniform, v := uniformDuration([]bmff.SampleInfo{{Duration: 10}, {Duration: 10}, {Duration: 10}})
	assert.True(t, uniform)
	assert.Equal(t, uint32(10), v)

	uniform, _ = uniformDuration([]bmff.SampleInfo{{Duration: 10}, {Duration: 20}})
	assert.False(t, uniform)
}

func TestUniformSize(t *testing.T) {
	uniform, v := uniformSize([]bmff.SampleInfo{{Size: 5}, {Size: 5}})
	assert.True(t, uniform)
	assert.Equal(t, uint32(5), v)

	uniform, _ = uniformSize([]bmff.SampleInfo{{Size: 5}, {Size: 6}})
	assert.False(t, uniform)
}

func TestUniformSampleFlags(t *testing.T) {
	uniform, v := uniformSampleFlags([]bmff.SampleInfo{{Sync: false}, {Sync: false}})
	assert.True(t, uniform)
	assert.Equal(t, sampleFlags(false), v)

	uniform, _ = uniformSampleFlags([]bmff.SampleInfo{{Sync: true}, {Sync: false}})
	assert.False(t, uniform)
}

func TestAnyNonZeroComposition(t *testing.T) {
	assert.False(t, anyNonZeroComposition([]bmff.SampleInfo{{CompositionOffset: 0}, {CompositionOffset: 0}}))
	assert.True(t, anyNonZeroComposition([]bmff.SampleInfo{{CompositionOffset: 0}, {CompositionOffset: 5}}))
}

func buildTrackWithSbgp(entries []bmff.SbgpEntry) *bmff.Track {
	sbgpBox := &bmff.Box{Type: bmff.TypeSbgp, Sbgp: &bmff.Sbgp{GroupingType: bmff.BoxType{'r', 'o', 'l', 'l'}, Entries: entries}}
	stbl := &bmff.Box{Type: bmff.TypeStbl, Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeSbgp: {sbgpBox}}}
	minf := &bmff.Box{Type: bmff.TypeMinf, Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeStbl: {stbl}}}
	mdia := &bmff.Box{Type: bmff.TypeMdia, Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeMinf: {minf}}}
	box := &bmff.Box{Type: bmff.TypeTrak, Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeMdia: {mdia}}}
	return &bmff.Track{Box: box}
}

func TestFilteredSbgpKeepsOnlyFullyContainedRuns(t *testing.T) {
	// Run 1: samples 1-3, run 2: samples 4-4, run 3: samples 5-8.
	track := buildTrackWithSbgp([]bmff.SbgpEntry{
		{SampleCount: 3, GroupDescriptionIndex: 1},
		{SampleCount: 1, GroupDescriptionIndex: 2},
		{SampleCount: 4, GroupDescriptionIndex: 3},
	})

	// [2,6] overlaps run 1 and run 3 partially; only run 2 (samples 4-4) is fully contained.
	out := filteredSbgp(track, 2, 6)
	require.NotNil(t, out)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, uint32(2), out.Entries[0].GroupDescriptionIndex)
}

func TestFilteredSbgpReturnsNilWhenNothingContained(t *testing.T) {
	track := buildTrackWithSbgp([]bmff.SbgpEntry{{SampleCount: 10, GroupDescriptionIndex: 1}})
	out := filteredSbgp(track, 2, 5)
	assert.Nil(t, out)
}

func TestFilteredSbgpReturnsNilWithoutSbgp(t *testing.T) {
	box := &bmff.Box{Type: bmff.TypeTrak}
	track := &bmff.Track{Box: box}
	assert.Nil(t, filteredSbgp(track, 1, 1))
}
