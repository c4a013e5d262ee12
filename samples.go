package bmff

import (
	"github.com/vodpack/bmff/bmfferr"
)

// SampleInfo is one decoded sample's metadata, joined from the stsz,
// stts, stsc, stco/co64, ctts, and stss run-length tables of a stbl box
// (grounded in remux/remuxer.go's buildSampleTable, generalized to the
// Box tree and to signed composition offsets / 64-bit chunk offsets).
type SampleInfo struct {
	Offset                 int64
	Size                   uint32
	Duration               uint32
	DTS                    int64
	CompositionOffset      int32
	Sync                   bool
	SampleDescriptionIndex uint32
}

// PTS returns the presentation timestamp (DTS + composition offset).
func (s SampleInfo) PTS() int64 { return s.DTS + int64(s.CompositionOffset) }

// SampleTable is a track's sample index: the compact run-length tables
// joined by SampleIter, never the flat per-sample array those tables
// expand to. It holds no more in memory than the stbl box tree itself
// already does; producing SampleInfo values is the iterator's job.
type SampleTable struct {
	stts    []SttsEntry
	ctts    []CttsEntry
	stsc    []StscEntry
	chunks  chunkOffsets
	stsz    Stsz
	syncSet map[uint32]bool
	hasStss bool
	count   int
}

// Len returns the total number of samples in the table.
func (t *SampleTable) Len() int { return t.count }

// Iter returns a fresh iterator positioned at sample 0.
func (t *SampleTable) Iter() *SampleIter {
	it := &SampleIter{
		stts:    t.stts,
		ctts:    t.ctts,
		stsc:    t.stsc,
		chunks:  t.chunks,
		stsz:    t.stsz,
		syncSet: t.syncSet,
		total:   t.count,
	}
	it.Seek(0)
	return it
}

// NewSampleTable builds a SampleTable by run-length-encoding already
// resolved samples into the same compact stts/ctts/stsc/stsz/stss shape
// buildSampleTableFromStbl derives from a decoded stbl, for callers that
// synthesize a track's samples programmatically instead of parsing them
// (the segment package's tests build tracks this way; a demuxer-less
// packager assembling a Track from scratch would too). One chunk per
// sample keeps every input sample's Offset intact without needing to
// decide a real chunking policy.
func NewSampleTable(samples []SampleInfo) *SampleTable {
	n := len(samples)
	if n == 0 {
		return &SampleTable{}
	}

	stts := make([]SttsEntry, 0, n)
	for _, s := range samples {
		if l := len(stts); l > 0 && stts[l-1].Duration == s.Duration {
			stts[l-1].Count++
			continue
		}
		stts = append(stts, SttsEntry{Count: 1, Duration: s.Duration})
	}

	var ctts []CttsEntry
	for _, s := range samples {
		if s.CompositionOffset != 0 {
			ctts = make([]CttsEntry, 0, n)
			break
		}
	}
	for _, s := range samples {
		if ctts == nil {
			break
		}
		if l := len(ctts); l > 0 && ctts[l-1].Offset == s.CompositionOffset {
			ctts[l-1].Count++
			continue
		}
		ctts = append(ctts, CttsEntry{Count: 1, Offset: s.CompositionOffset})
	}

	uniformSize := true
	for _, s := range samples {
		if s.Size != samples[0].Size {
			uniformSize = false
			break
		}
	}
	var stsz Stsz
	if uniformSize {
		stsz.SampleSize = samples[0].Size
	} else {
		stsz.Entries = make([]uint32, n)
		for i, s := range samples {
			stsz.Entries[i] = s.Size
		}
	}

	offsets := make(rawChunkOffsets, n)
	stsc := make([]StscEntry, n)
	syncSet := make(map[uint32]bool, n)
	for i, s := range samples {
		offsets[i] = s.Offset
		sdi := s.SampleDescriptionIndex
		if sdi == 0 {
			sdi = 1
		}
		stsc[i] = StscEntry{FirstChunk: uint32(i + 1), SamplesPerChunk: 1, SampleDescriptionId: sdi}
		if s.Sync {
			syncSet[uint32(i+1)] = true
		}
	}

	return &SampleTable{
		stts:    stts,
		ctts:    ctts,
		stsc:    stsc,
		chunks:  offsets,
		stsz:    stsz,
		syncSet: syncSet,
		hasStss: true,
		count:   n,
	}
}

// At returns sample index i (0-based), seeking a throwaway iterator to
// it. Prefer Iter for sequential consumption; At is for the occasional
// random lookup (SeekPTSBefore/SeekPTSAfter's binary search).
func (t *SampleTable) At(i int) SampleInfo {
	it := t.Iter()
	it.Seek(i)
	s, _ := it.Next()
	return s
}

// Range materializes samples [from,to) (0-based, half-open). Callers
// use this for a bounded window — a movie fragment's sample range, for
// instance — never for the whole track.
func (t *SampleTable) Range(from, to int) []SampleInfo {
	if from < 0 {
		from = 0
	}
	if to > t.count {
		to = t.count
	}
	if to <= from {
		return nil
	}
	it := t.Iter()
	it.Seek(from)
	out := make([]SampleInfo, 0, to-from)
	for i := from; i < to; i++ {
		s, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// buildSampleTableFromStbl reads the child boxes of stbl into the
// compact run-length tables SampleIter joins on demand. stbl must have
// been decoded by DecodeAll/Decode. hasStss reports whether the track
// carries an explicit stss (sync samples are the exception, e.g.
// video); its absence means every sample is implicitly sync (e.g.
// audio) — needed by the fragment builder's default_sample_flags
// derivation (spec.md §4.9).
func buildSampleTableFromStbl(stbl *Box) (table *SampleTable, defaultSdi uint32, hasStss bool, err error) {
	stszBox := stbl.Child(TypeStsz)
	if stszBox == nil || stszBox.Stsz == nil {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stbl missing stsz")
	}
	sttsBox := stbl.Child(TypeStts)
	if sttsBox == nil || sttsBox.Stts == nil {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stbl missing stts")
	}
	stscBox := stbl.Child(TypeStsc)
	if stscBox == nil || stscBox.Stsc == nil {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stbl missing stsc")
	}

	var chunks chunkOffsets
	if co64Box := stbl.Child(TypeCo64); co64Box != nil && co64Box.Co64 != nil {
		chunks = co64Offsets(co64Box.Co64.Entries)
	} else if stcoBox := stbl.Child(TypeStco); stcoBox != nil && stcoBox.Stco != nil {
		chunks = stcoOffsets(stcoBox.Stco.Entries)
	} else {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stbl missing stco/co64")
	}

	numSamples := len(stszBox.Stsz.Entries)
	if stszBox.Stsz.SampleSize != 0 {
		// All samples share one size; stsz carries only a sample count in
		// this form. Every other box's run-length totals must agree.
		numSamples = int(sttsTotalSamples(sttsBox.Stts.Entries))
	}

	stscEntries := stscBox.Stsc.Entries
	if len(stscEntries) == 0 {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stsc has no entries")
	}
	if sttsTotalSamples(sttsBox.Stts.Entries) < uint64(numSamples) {
		return nil, 0, false, bmfferr.New(bmfferr.KindMalformed, "stts run-length total short of sample count")
	}

	var cttsEntries []CttsEntry
	if cttsBox := stbl.Child(TypeCtts); cttsBox != nil && cttsBox.Ctts != nil {
		cttsEntries = cttsBox.Ctts.Entries
	}

	var syncSet map[uint32]bool
	if stssBox := stbl.Child(TypeStss); stssBox != nil && stssBox.Stss != nil {
		syncSet = make(map[uint32]bool, len(stssBox.Stss.Entries))
		for _, v := range stssBox.Stss.Entries {
			syncSet[v] = true
		}
		hasStss = true
	}

	// The stsc run-length table lists entries ordered by increasing
	// FirstChunk, so the entry in force for the final sample is always
	// the last one — matching the per-sample walk this table replaces,
	// which kept overwriting defaultSdi with whichever entry was active.
	defaultSdi = stscEntries[len(stscEntries)-1].SampleDescriptionId

	table = &SampleTable{
		stts:    sttsBox.Stts.Entries,
		ctts:    cttsEntries,
		stsc:    stscEntries,
		chunks:  chunks,
		stsz:    *stszBox.Stsz,
		syncSet: syncSet,
		hasStss: hasStss,
		count:   numSamples,
	}
	return table, defaultSdi, hasStss, nil
}

func sttsTotalSamples(entries []SttsEntry) uint64 {
	var n uint64
	for _, e := range entries {
		n += uint64(e.Count)
	}
	return n
}

// SeekPTSBefore returns the index of the sync sample at or before pts
// (track timescale units), via binary search over presentation time
// followed by a backward walk to the nearest preceding sync sample.
// O(log n) seeks plus O(runs-between-syncs) walk, each seek O(runs).
func (t *SampleTable) SeekPTSBefore(pts int64) int {
	lo, hi := 0, t.count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.At(mid).PTS() > pts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	idx := max(lo-1, 0)
	for idx > 0 && !t.At(idx).Sync {
		idx--
	}
	return idx
}

// SeekPTSAfter returns the index of the sync sample at or after pts,
// clamped to the last sample if pts is past the end of the table.
func (t *SampleTable) SeekPTSAfter(pts int64) int {
	lo, hi := 0, t.count
	for lo < hi {
		mid := (lo + hi) / 2
		if t.At(mid).PTS() >= pts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	idx := lo
	if idx >= t.count {
		return t.count - 1
	}
	for idx < t.count && !t.At(idx).Sync {
		idx++
	}
	if idx >= t.count {
		return t.count - 1
	}
	return idx
}

// TotalDuration returns the table's total decoded duration: the sum of
// every stts run's count*duration, which equals the last sample's
// DTS+Duration without needing to address the last sample directly.
func (t *SampleTable) TotalDuration() int64 {
	var total int64
	for _, e := range t.stts {
		total += int64(e.Count) * int64(e.Duration)
	}
	return total
}
