package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/segment"
)

func TestFragmentURLGrammar(t *testing.T) {
	assert.Equal(t, "v/c.1.2.10-20.mp4", fragmentURL("v", 1, 2, 10, 20, "mp4"))
	assert.Equal(t, "a/c.3.1.1-5.m4a", fragmentURL("a", 3, 1, 1, 5, "m4a"))
	assert.Equal(t, "s/c.4.1500.1-1.vtt", fragmentURL("s", 4, 1500, 1, 1, "vtt"))
}

func TestInitURL(t *testing.T) {
	assert.Equal(t, "init.7.mp4", initURL(7, false))
	assert.Equal(t, "init.7.vtt", initURL(7, true))
}

func TestExtensionAndDirFor(t *testing.T) {
	video := &bmff.Track{IsVideo: true}
	audio := &bmff.Track{IsAudio: true}
	sub := &bmff.Track{IsSubtitle: true}

	assert.Equal(t, "mp4", extensionFor(video))
	assert.Equal(t, "v", dirFor(video))
	assert.Equal(t, "m4a", extensionFor(audio))
	assert.Equal(t, "a", dirFor(audio))
	assert.Equal(t, "vtt", extensionFor(sub))
	assert.Equal(t, "s", dirFor(sub))
}

func TestGroupAudioByCodec(t *testing.T) {
	a1 := &bmff.Track{ID: 1, Codec: "mp4a.40.2"}
	a2 := &bmff.Track{ID: 2, Codec: "mp4a.40.2"}
	a3 := &bmff.Track{ID: 3, Codec: "ac-3"}

	groups := groupAudioByCodec([]*bmff.Track{a1, a2, a3})
	require.Len(t, groups, 2)
	assert.Equal(t, "mp4a.40.2", groups[0].codec)
	assert.Len(t, groups[0].tracks, 2)
	assert.Equal(t, "ac-3", groups[1].codec)
	assert.Len(t, groups[1].tracks, 1)
}

func TestBuildSubtitlePlaylistUsesStartTimeAsSequence(t *testing.T) {
	track := &bmff.Track{ID: 9, IsSubtitle: true}
	segs := []segment.Segment{
		{StartSample: 0, EndSample: 0, StartTime: 0, Duration: 2}, // elided empty-cue segment
		{StartSample: 1, EndSample: 3, StartTime: 2.5, Duration: 4},
	}

	body, err := BuildSubtitlePlaylist(track, segs)
	require.NoError(t, err)
	assert.Contains(t, body, "s/c.9.2500.1-3.vtt")
	assert.NotContains(t, body, "c.9.0.0-0.vtt")
	assert.Contains(t, body, "#EXT-X-ENDLIST")
}

func TestBuildSubtitlePlaylistRejectsNonSubtitleTrack(t *testing.T) {
	track := &bmff.Track{ID: 1, IsVideo: true}
	_, err := BuildSubtitlePlaylist(track, nil)
	assert.Error(t, err)
}

func TestMediaPlaylistRejectsSubtitleTrack(t *testing.T) {
	track := &bmff.Track{ID: 1, IsSubtitle: true}
	_, err := MediaPlaylist(track, nil, 0)
	assert.Error(t, err)
}

func TestVideoResolutionHandlesMissingSampleEntry(t *testing.T) {
	track := &bmff.Track{ID: 1, IsVideo: true}
	w, h, err := videoResolution(track)
	require.NoError(t, err)
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, h)
}
