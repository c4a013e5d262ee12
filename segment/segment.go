// Package segment cuts a track's sample table into playable Segments —
// either on sync-sample (GOP) boundaries with the 2s/6s/10s banding
// policy, a caller-supplied fixed duration, or timed against another
// track's already-computed segments (used to align audio to video).
//
// Grounded in the teacher's (removed, see ../DESIGN.md) remux package's
// sync-boundary/elapsed-time fragment-cut shape, generalized to the
// spec's three-band policy, and in
// _examples/original_source/mp4lib/src/segment.rs for the exact
// 2s/6s/10s constants and the subtitle merge-short-fragments rule (see
// subtitle.go).
package segment

import "github.com/vodpack/bmff"

// Segment is a contiguous, playable run of samples: sample numbers are
// 1-based and inclusive: spec.md §3.
type Segment struct {
	StartSample int
	EndSample   int
	StartTime   float64
	Duration    float64
}

const (
	initialBandSeconds  = 6.0
	initialTargetSecs   = 2.0
	steadyTargetSecs    = 6.0
	maxExtensionSeconds = 10.0
)

// fragment is one sync-to-sync (or fixed-duration) run, the unmerged
// unit segments are built from.
type fragment struct {
	startIdx, endIdx int // 0-based, inclusive sample indices
	startTime        float64
	duration         float64
	size             int64
	sync             bool
}

// fragAccum folds a run of consecutive SampleInfo values, read one at a
// time off a bmff.SampleIter, into a fragment without ever holding the
// run as a slice.
type fragAccum struct {
	first, last bmff.SampleInfo
	size        int64
	startIdx    int
	have        bool
}

func (a *fragAccum) add(idx int, s bmff.SampleInfo) {
	if !a.have {
		a.first = s
		a.startIdx = idx
		a.have = true
	}
	a.last = s
	a.size += int64(s.Size)
}

func (a *fragAccum) finish(endIdx int, shift int64, ts uint32) fragment {
	return fragment{
		startIdx:  a.startIdx,
		endIdx:    endIdx,
		startTime: ptsSeconds(a.first, shift, ts),
		duration:  dtsSeconds(a.last, ts) + float64(a.last.Duration)/float64(ts) - dtsSeconds(a.first, ts),
		size:      a.size,
		sync:      a.first.Sync,
	}
}

func compTimeShift(t *bmff.Track) int64 {
	if t.EditList.Kind == bmff.EditListShift {
		return t.EditList.ShiftOffset
	}
	return 0
}

func ptsSeconds(s bmff.SampleInfo, shift int64, timescale uint32) float64 {
	if timescale == 0 {
		return 0
	}
	return float64(s.PTS()-shift) / float64(timescale)
}

func dtsSeconds(s bmff.SampleInfo, timescale uint32) float64 {
	if timescale == 0 {
		return 0
	}
	return float64(s.DTS) / float64(timescale)
}

// buildFragmentsBySync splits samples at every sync sample. The first
// fragment always starts at sample 0 regardless of its sync flag. Walks
// the track's SampleIter once, forward only, holding just the
// in-progress fragAccum.
func buildFragmentsBySync(track *bmff.Track) []fragment {
	total := track.SampleTable.Len()
	if total == 0 {
		return nil
	}
	shift := compTimeShift(track)
	ts := track.Timescale
	it := track.SampleTable.Iter()

	var frags []fragment
	var acc fragAccum
	for i := 1; i <= total; i++ {
		idx := i - 1
		s, _ := it.Next()
		acc.add(idx, s)
		next, ok := it.Peek()
		if i == total || (ok && next.Sync) {
			frags = append(frags, acc.finish(idx, shift, ts))
			acc = fragAccum{}
		}
	}
	return frags
}

// buildFragmentsByDuration starts a new fragment whenever the elapsed
// decode duration since the last boundary reaches durationMs,
// regardless of sync flag (spec.md §4.8 "Fixed-duration mode").
func buildFragmentsByDuration(track *bmff.Track, durationMs int) []fragment {
	total := track.SampleTable.Len()
	if total == 0 {
		return nil
	}
	shift := compTimeShift(track)
	ts := track.Timescale
	thresholdTicks := int64(durationMs) * int64(ts) / 1000
	it := track.SampleTable.Iter()

	var frags []fragment
	var acc fragAccum
	freshStart := true
	var startDTS int64
	for i := 1; i <= total; i++ {
		idx := i - 1
		s, _ := it.Next()
		if freshStart {
			startDTS = s.DTS
			freshStart = false
		}
		acc.add(idx, s)
		next, ok := it.Peek()
		if i == total || (ok && next.DTS-startDTS >= thresholdTicks) {
			frags = append(frags, acc.finish(idx, shift, ts))
			acc = fragAccum{}
			freshStart = true
			if ok {
				startDTS = next.DTS
				freshStart = false
			}
		}
	}
	return frags
}

func targetDuration(elapsedFromTrackStart float64) float64 {
	if elapsedFromTrackStart < initialBandSeconds {
		return initialTargetSecs
	}
	return steadyTargetSecs
}

// mergeFragments folds fragments into Segments per the 2s/6s/10s bands:
// an initial ~6s window targets ~2s segments, steady state targets ~6s,
// and any segment may extend to ~10s to absorb either a very short
// leading fragment or the final, non-sync-starting trailing fragment
// that a GOP-boundary split can leave dangling.
func mergeFragments(frags []fragment, maxSegmentBytes int64) []Segment {
	if len(frags) == 0 {
		return nil
	}
	var segs []Segment
	var cur *Segment
	var curBytes int64

	flush := func() {
		if cur != nil {
			segs = append(segs, *cur)
			cur = nil
		}
	}

	for i, f := range frags {
		if cur == nil {
			cur = &Segment{StartSample: f.startIdx + 1, StartTime: f.startTime}
			curBytes = 0
		} else {
			proposedDuration := f.startTime + f.duration - cur.StartTime
			proposedBytes := curBytes + f.size
			last := i == len(frags)-1
			mustAbsorbTrailing := last && !f.sync
			tooSmallToStandAlone := cur.Duration < initialTargetSecs

			overBudget := proposedBytes > maxSegmentBytes && maxSegmentBytes > 0
			overBand := proposedDuration > targetDuration(cur.StartTime) && !tooSmallToStandAlone && !mustAbsorbTrailing
			overHardCap := proposedDuration > maxExtensionSeconds

			if (overBudget || overBand || overHardCap) && !(mustAbsorbTrailing && proposedDuration <= maxExtensionSeconds) {
				flush()
				cur = &Segment{StartSample: f.startIdx + 1, StartTime: f.startTime}
				curBytes = 0
			}
		}
		cur.EndSample = f.endIdx + 1
		cur.Duration = f.startTime + f.duration - cur.StartTime
		curBytes += f.size
	}
	flush()
	return segs
}

// VideoSegments segments a video track on sync-sample boundaries using
// the 2s/6s/10s banding policy (spec.md §4.8). maxSegmentBytes <= 0
// means uncapped.
func VideoSegments(track *bmff.Track, maxSegmentBytes int64) []Segment {
	return mergeFragments(buildFragmentsBySync(track), maxSegmentBytes)
}

// FixedDurationSegments cuts track into segments of approximately
// durationMs each, ignoring sync flags (spec.md §4.8 "Fixed-duration
// mode").
func FixedDurationSegments(track *bmff.Track, durationMs int) []Segment {
	frags := buildFragmentsByDuration(track, durationMs)
	segs := make([]Segment, len(frags))
	for i, f := range frags {
		segs[i] = Segment{StartSample: f.startIdx + 1, EndSample: f.endIdx + 1, StartTime: f.startTime, Duration: f.duration}
	}
	return segs
}

// AudioSegmentsTimed emits audio segments aligned to videoSegments: each
// ends on the first sample whose composition time is >= the
// corresponding video segment's end time. Once every caller-supplied
// target is consumed, segmentation continues using the longest segment
// duration emitted so far until audio samples run out (spec.md §4.8 "Audio
// re-segmentation").
func AudioSegmentsTimed(track *bmff.Track, videoSegments []Segment) []Segment {
	total := track.SampleTable.Len()
	if total == 0 {
		return nil
	}
	shift := compTimeShift(track)
	ts := track.Timescale
	it := track.SampleTable.Iter()

	var segs []Segment
	consumed := 0
	maxSegDuration := 0.0

	// advanceTo consumes samples off it starting at the current cursor,
	// growing the fragment while the last-consumed sample's own PTS is
	// still short of targetEndTime, mirroring the original per-sample
	// endIdx walk without indexing a materialized slice.
	advanceTo := func(targetEndTime float64) {
		if consumed >= total {
			return
		}
		var acc fragAccum
		s, _ := it.Next()
		acc.add(consumed, s)
		consumed++
		for consumed < total && ptsSeconds(s, shift, ts) < targetEndTime {
			s, _ = it.Next()
			acc.add(consumed, s)
			consumed++
		}
		f := acc.finish(consumed-1, shift, ts)
		seg := Segment{StartSample: f.startIdx + 1, EndSample: f.endIdx + 1, StartTime: f.startTime, Duration: f.duration}
		segs = append(segs, seg)
		maxSegDuration = max(maxSegDuration, seg.Duration)
	}

	for _, vs := range videoSegments {
		if consumed >= total {
			break
		}
		advanceTo(vs.StartTime + vs.Duration)
	}

	for consumed < total {
		if maxSegDuration <= 0 {
			maxSegDuration = steadyTargetSecs
		}
		next, _ := it.Peek()
		advanceTo(ptsSeconds(next, shift, ts) + maxSegDuration)
	}

	return segs
}
