package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodpack/bmff"
)

func sample(dts int64, dur uint32, sync bool, size uint32) bmff.SampleInfo {
	return bmff.SampleInfo{DTS: dts, Duration: dur, Sync: sync, Size: size}
}

func videoTrack(samples []bmff.SampleInfo) *bmff.Track {
	return &bmff.Track{
		ID:          1,
		Timescale:   1000,
		IsVideo:     true,
		HasStss:     true,
		SampleTable: bmff.NewSampleTable(samples),
	}
}

func TestTargetDuration(t *testing.T) {
	assert.Equal(t, initialTargetSecs, targetDuration(0))
	assert.Equal(t, initialTargetSecs, targetDuration(initialBandSeconds-0.01))
	assert.Equal(t, steadyTargetSecs, targetDuration(initialBandSeconds))
	assert.Equal(t, steadyTargetSecs, targetDuration(100))
}

func TestVideoSegmentsHonorsBanding(t *testing.T) {
	// 20 one-second GOPs: expect ~2s segments up to 6s, then ~6s segments.
	var samples []bmff.SampleInfo
	for i := 0; i < 20; i++ {
		samples = append(samples, sample(int64(i*1000), 1000, true, 1000))
	}
	track := videoTrack(samples)

	segs := VideoSegments(track, 0)
	require.NotEmpty(t, segs)
	assert.Equal(t, 1, segs[0].StartSample)
	assert.InDelta(t, 0, segs[0].StartTime, 1e-9)

	last := segs[len(segs)-1]
	assert.Equal(t, len(samples), last.EndSample)

	// Early segments should track the 2s band, later ones the 6s band.
	assert.LessOrEqual(t, segs[0].Duration, maxExtensionSeconds)
	foundSteady := false
	for _, s := range segs {
		if s.StartTime >= initialBandSeconds && s.Duration > initialTargetSecs+0.5 {
			foundSteady = true
		}
	}
	assert.True(t, foundSteady, "expected at least one steady-band (~6s) segment")
}

func TestVideoSegmentsRespectsMaxBytes(t *testing.T) {
	var samples []bmff.SampleInfo
	for i := 0; i < 10; i++ {
		samples = append(samples, sample(int64(i*1000), 1000, true, 1_000_000))
	}
	track := videoTrack(samples)

	segs := VideoSegments(track, 1_500_000)
	for _, s := range segs {
		bytes := int64(s.EndSample-s.StartSample+1) * 1_000_000
		assert.LessOrEqual(t, bytes, int64(2_500_000), "segment should have flushed near the byte budget")
	}
}

func TestVideoSegmentsAbsorbsNonSyncTrailer(t *testing.T) {
	samples := []bmff.SampleInfo{
		sample(0, 1000, true, 100),
		sample(1000, 1000, true, 100),
		sample(2000, 1000, false, 100), // trailing non-sync sample, must merge into prior segment
	}
	track := videoTrack(samples)

	segs := VideoSegments(track, 0)
	require.NotEmpty(t, segs)
	assert.Equal(t, len(samples), segs[len(segs)-1].EndSample)
}

func TestFixedDurationSegments(t *testing.T) {
	var samples []bmff.SampleInfo
	for i := 0; i < 10; i++ {
		samples = append(samples, sample(int64(i*500), 500, i%2 == 0, 10))
	}
	track := videoTrack(samples)

	segs := FixedDurationSegments(track, 2000)
	require.NotEmpty(t, segs)
	assert.Equal(t, 1, segs[0].StartSample)
	assert.Equal(t, len(samples), segs[len(segs)-1].EndSample)
	for _, s := range segs[:len(segs)-1] {
		assert.InDelta(t, 2.0, s.Duration, 0.5)
	}
}

func TestAudioSegmentsTimedAlignsToVideo(t *testing.T) {
	var audioSamples []bmff.SampleInfo
	for i := 0; i < 40; i++ {
		audioSamples = append(audioSamples, sample(int64(i*250), 250, true, 5))
	}
	audioTrack := &bmff.Track{ID: 2, Timescale: 1000, IsAudio: true, SampleTable: bmff.NewSampleTable(audioSamples)}

	videoSegs := []Segment{
		{StartSample: 1, EndSample: 1, StartTime: 0, Duration: 2},
		{StartSample: 2, EndSample: 2, StartTime: 2, Duration: 2},
		{StartSample: 3, EndSample: 3, StartTime: 4, Duration: 6},
	}

	segs := AudioSegmentsTimed(audioTrack, videoSegs)
	require.NotEmpty(t, segs)
	assert.Equal(t, 1, segs[0].StartSample)
	assert.Equal(t, len(audioSamples), segs[len(segs)-1].EndSample)
	assert.Len(t, segs, len(videoSegs))
}

func TestCompTimeShiftOnlyAppliesToShiftKind(t *testing.T) {
	shifted := &bmff.Track{EditList: bmff.EditListDecision{Kind: bmff.EditListShift, ShiftOffset: 512}}
	assert.Equal(t, int64(512), compTimeShift(shifted))

	none := &bmff.Track{EditList: bmff.EditListDecision{Kind: bmff.EditListNone}}
	assert.Equal(t, int64(0), compTimeShift(none))

	dwell := &bmff.Track{EditList: bmff.EditListDecision{Kind: bmff.EditListDwell, DwellDuration: 99}}
	assert.Equal(t, int64(0), compTimeShift(dwell))
}
