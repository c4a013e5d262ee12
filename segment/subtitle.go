package segment

import (
	"encoding/binary"

	"github.com/vodpack/bmff"
)

// SubtitleSampleIsEmpty reports whether a subtitle sample carries no
// visible cue text, per the tx3g/stpp sample encodings documented in
// _examples/original_source/mp4lib/src/subtitle.rs and
// _examples/original_source/src/subtitle.rs. tx3g samples are prefixed
// by a 2-byte big-endian text length; stpp samples are raw XML (TTML)
// text, empty only when the sample itself carries no bytes. Callers
// read the sample bytes themselves (via the movie's source DataRef) and
// pass them here rather than SubtitleSegments doing the I/O, since the
// emptiness test is the only part of segmentation that needs payload
// bytes at all.
func SubtitleSampleIsEmpty(codec string, data []byte) bool {
	switch codec {
	case "tx3g":
		if len(data) < 2 {
			return true
		}
		return binary.BigEndian.Uint16(data[0:2]) == 0
	default: // stpp and anything else carrying raw cue text
		return len(data) == 0
	}
}

// SubtitleSegments segments a subtitle track (no STSS) per spec.md
// §4.8: every sample starts as its own fragment, leading empty
// fragments are merged forward, and content fragments are merged with
// the fragments that follow up to ~10s (~20s if the trailing run is
// itself empty). Empty segments are reported with
// StartSample=EndSample=0 so callers can elide them from a playlist.
func SubtitleSegments(track *bmff.Track, sampleIsEmpty func(bmff.SampleInfo) bool) []Segment {
	total := track.SampleTable.Len()
	if total == 0 {
		return nil
	}
	shift := compTimeShift(track)
	ts := track.Timescale
	it := track.SampleTable.Iter()

	first, ok := it.Peek()
	if !ok {
		return nil
	}

	var segs []Segment
	consumed := 0

	// Merge any leading run of empty cues into a single empty segment,
	// reported as elidable per spec.md.
	if sampleIsEmpty(first) {
		leadTime := ptsSeconds(first, shift, ts)
		it.Next()
		consumed++
		for consumed < total {
			s, _ := it.Peek()
			if !sampleIsEmpty(s) {
				break
			}
			it.Next()
			consumed++
		}
		segs = append(segs, Segment{StartSample: 0, EndSample: 0, StartTime: leadTime})
	}

	for consumed < total {
		startIdx := consumed
		s, _ := it.Next()
		consumed++
		var acc fragAccum
		acc.add(startIdx, s)
		startEmpty := sampleIsEmpty(s)
		startTime := ptsSeconds(s, shift, ts)
		limit := maxExtensionSeconds

		for consumed < total {
			next, _ := it.Peek()
			nextTime := ptsSeconds(next, shift, ts)
			if nextTime-startTime > limit {
				break
			}
			if sampleIsEmpty(next) {
				limit = 2 * maxExtensionSeconds
			}
			it.Next()
			acc.add(consumed, next)
			consumed++
		}

		f := acc.finish(consumed-1, shift, ts)
		if startEmpty {
			segs = append(segs, Segment{StartSample: 0, EndSample: 0, StartTime: f.startTime, Duration: f.duration})
		} else {
			segs = append(segs, Segment{StartSample: f.startIdx + 1, EndSample: f.endIdx + 1, StartTime: f.startTime, Duration: f.duration})
		}
	}
	return segs
}
