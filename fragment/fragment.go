package fragment

import (
	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/bmfferr"
)

// DefaultMaxFragmentSize is this implementation's default cap on a single
// fragment's mdat payload (spec.md §9 open question (b): "a default in
// the 7-8MB range is consistent with observed chromecast limits"). It is
// advisory for callers building FragmentSource ranges; BuildFragment
// itself only enforces the hard moof-size ceiling below.
const DefaultMaxFragmentSize = 7 * 1024 * 1024

// maxMoofSize is the hard ceiling from spec.md §4.9: trun.data_offset is
// a signed 32-bit field, so a moof box can never exceed this many bytes.
const maxMoofSize = 1<<31 - 1

// FragmentSource is an immutable request to copy samples [From, To]
// (1-based, inclusive) of SrcTrackID into a traf addressed as
// DstTrackID. Multiple sources sharing one BuildFragment call become
// sibling trafs inside the same moof/mdat pair (spec.md §3).
type FragmentSource struct {
	SrcTrackID uint32
	DstTrackID uint32
	From       int
	To         int
}

// BuildFragment builds one moof+mdat pair covering seq (the mfhd
// sequence_number) and the given sources, per spec.md §4.9's "Movie
// Fragment" algorithm: accumulate sample bytes into a fresh mdat while
// building each traf's tfhd/tfdt/trun with per-field uniform-value
// defaulting, then patch every trun.data_offset once the moof's final
// size is known.
func BuildFragment(movie *bmff.Movie, seq uint32, sources []FragmentSource) (moof, mdat []byte, err error) {
	if len(sources) == 0 {
		return nil, nil, bmfferr.New(bmfferr.KindMalformed, "BuildFragment: no sources")
	}

	mdatBuf := make([]byte, 0, 1<<16)
	trafs := make([]*bmff.Box, 0, len(sources))

	for _, src := range sources {
		track := movie.TrackByID(src.SrcTrackID)
		if track == nil {
			return nil, nil, bmfferr.New(bmfferr.KindNotFound, "track %d not found", src.SrcTrackID)
		}
		traf, err := buildTraf(movie, track, src, &mdatBuf)
		if err != nil {
			return nil, nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "building traf for track %d", src.SrcTrackID)
		}
		trafs = append(trafs, traf)
	}

	moofBox := &bmff.Box{
		Type: bmff.TypeMoof,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeMfhd: {{Type: bmff.TypeMfhd, Mfhd: &bmff.Mfhd{SequenceNumber: seq}}},
			bmff.TypeTraf: trafs,
		},
	}

	// First pass: size the moof with placeholder data_offset values
	// (spec.md §4.9 step 3). Re-serializing after the patch below
	// produces byte-identical output apart from the 4-byte data_offset
	// field, so a single encode gives us the exact final size.
	sized, err := bmff.EncodeToBytes(moofBox)
	if err != nil {
		return nil, nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "sizing moof")
	}
	if len(sized) > maxMoofSize {
		return nil, nil, bmfferr.New(bmfferr.KindOutOfRange, "moof size %d exceeds 2^31-1", len(sized))
	}
	moofSize := int32(len(sized))

	for _, traf := range trafs {
		trunBox := traf.Child(bmff.TypeTrun)
		if trunBox == nil || trunBox.Trun == nil {
			continue
		}
		trunBox.Trun.DataOffset += moofSize
	}

	finalMoof, err := bmff.EncodeToBytes(moofBox)
	if err != nil {
		return nil, nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding moof")
	}
	if int32(len(finalMoof)) != moofSize {
		return nil, nil, bmfferr.New(bmfferr.KindMalformed, "moof size changed after data_offset patch (%d -> %d)", moofSize, len(finalMoof))
	}

	mdatBox := &bmff.Box{Type: bmff.TypeMdat, IsMdat: true, Raw: mdatBuf}
	mdatBytes, err := bmff.EncodeToBytes(mdatBox)
	if err != nil {
		return nil, nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding mdat")
	}

	return finalMoof, mdatBytes, nil
}

// buildTraf builds one traf for src, appending its sample bytes to
// *mdatBuf (read via the movie's source DataRef, never held as a
// separate in-memory mdat per source).
func buildTraf(movie *bmff.Movie, track *bmff.Track, src FragmentSource, mdatBuf *[]byte) (*bmff.Box, error) {
	total := track.SampleTable.Len()
	if src.From < 1 || src.To < src.From || src.To > total {
		return nil, bmfferr.New(bmfferr.KindMalformed, "sample range [%d,%d] out of bounds (1..%d)", src.From, src.To, total)
	}
	rng := track.SampleTable.Range(src.From-1, src.To)

	tfhdFlags := uint32(bmff.TfhdDefaultBaseIsMoof | bmff.TfhdSampleDescriptionIndexPresent)
	tfhd := &bmff.Tfhd{TrackID: src.DstTrackID, SampleDescriptionIndex: 1}

	uniformDur, dur := uniformDuration(rng)
	if uniformDur {
		tfhdFlags |= bmff.TfhdDefaultSampleDurationPresent
		tfhd.DefaultSampleDuration = dur
	}
	uniformSize, size := uniformSize(rng)
	if uniformSize {
		tfhdFlags |= bmff.TfhdDefaultSampleSizePresent
		tfhd.DefaultSampleSize = size
	}

	firstFlags := sampleFlags(rng[0].Sync)
	var trunFlags uint32 = bmff.TrunDataOffsetPresent
	var restUniformFlags bool
	var restFlagsValue uint32
	if len(rng) > 1 {
		restUniformFlags, restFlagsValue = uniformSampleFlags(rng[1:])
	} else {
		restUniformFlags, restFlagsValue = true, firstFlags
	}

	if restUniformFlags {
		tfhdFlags |= bmff.TfhdDefaultSampleFlagsPresent
		tfhd.DefaultSampleFlags = restFlagsValue
		if firstFlags != restFlagsValue {
			trunFlags |= bmff.TrunFirstSampleFlagsPresent
		}
	} else {
		trunFlags |= bmff.TrunSampleFlagsPresent
	}

	if !uniformDur {
		trunFlags |= bmff.TrunSampleDurationPresent
	}
	if !uniformSize {
		trunFlags |= bmff.TrunSampleSizePresent
	}
	hasComposition := anyNonZeroComposition(rng)
	if hasComposition {
		trunFlags |= bmff.TrunSampleCompositionTimeOffsetPresent
	}

	dataOffset := int32(len(*mdatBuf) + 8)
	entries := make([]bmff.TrunEntry, len(rng))
	for i, s := range rng {
		buf := make([]byte, s.Size)
		if err := movie.Source.Ref(s.Offset, s.Offset+int64(s.Size)).ReadExactAt(buf, 0); err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "reading sample %d of track %d", src.From+i, track.ID)
		}
		*mdatBuf = append(*mdatBuf, buf...)

		e := bmff.TrunEntry{}
		if trunFlags&bmff.TrunSampleDurationPresent != 0 {
			e.Duration = s.Duration
		}
		if trunFlags&bmff.TrunSampleSizePresent != 0 {
			e.Size = s.Size
		}
		if trunFlags&bmff.TrunSampleFlagsPresent != 0 {
			e.Flags = sampleFlags(s.Sync)
		}
		if hasComposition {
			e.CompositionTimeOffset = s.CompositionOffset
		}
		entries[i] = e
	}

	tfdt := &bmff.Tfdt{BaseMediaDecodeTime: uint64(rng[0].DTS)}
	trun := &bmff.Trun{DataOffset: dataOffset, Entries: entries}
	if trunFlags&bmff.TrunFirstSampleFlagsPresent != 0 {
		trun.FirstSampleFlags = firstFlags
	}

	children := map[bmff.BoxType][]*bmff.Box{
		bmff.TypeTfhd: {{Type: bmff.TypeTfhd, Flags: tfhdFlags, Tfhd: tfhd}},
		bmff.TypeTfdt: {{Type: bmff.TypeTfdt, Version: 1, Tfdt: tfdt}},
		bmff.TypeTrun: {{Type: bmff.TypeTrun, Version: 1, Flags: trunFlags, Trun: trun}},
	}
	if sbgp := filteredSbgp(track, src.From, src.To); sbgp != nil {
		version := uint8(0)
		if sbgp.GroupingTypeParameter != 0 {
			version = 1
		}
		children[bmff.TypeSbgp] = []*bmff.Box{{Type: bmff.TypeSbgp, Version: version, Sbgp: sbgp}}
	}

	return &bmff.Box{Type: bmff.TypeTraf, Children: children}, nil
}

// filteredSbgp preserves only source sbgp runs entirely contained within
// [from,to] (spec.md §9 open question (c): partial-overlap entries are
// dropped, not clipped). Kept entries are copied unchanged; no entries
// are inserted for the samples of dropped runs.
func filteredSbgp(track *bmff.Track, from, to int) *bmff.Sbgp {
	mdia := track.Box.Child(bmff.TypeMdia)
	if mdia == nil {
		return nil
	}
	minf := mdia.Child(bmff.TypeMinf)
	if minf == nil {
		return nil
	}
	stbl := minf.Child(bmff.TypeStbl)
	if stbl == nil {
		return nil
	}
	sbgpBox := stbl.Child(bmff.TypeSbgp)
	if sbgpBox == nil || sbgpBox.Sbgp == nil {
		return nil
	}
	src := sbgpBox.Sbgp

	out := &bmff.Sbgp{GroupingType: src.GroupingType, GroupingTypeParameter: src.GroupingTypeParameter}
	pos := 1
	for _, e := range src.Entries {
		runStart := pos
		runEnd := pos + int(e.SampleCount) - 1
		if runStart >= from && runEnd <= to {
			out.Entries = append(out.Entries, e)
		}
		pos = runEnd + 1
	}
	if len(out.Entries) == 0 {
		return nil
	}
	return out
}

func uniformDuration(rng []bmff.SampleInfo) (bool, uint32) {
	v := rng[0].Duration
	for _, s := range rng[1:] {
		if s.Duration != v {
			return false, 0
		}
	}
	return true, v
}

func uniformSize(rng []bmff.SampleInfo) (bool, uint32) {
	v := rng[0].Size
	for _, s := range rng[1:] {
		if s.Size != v {
			return false, 0
		}
	}
	return true, v
}

func uniformSampleFlags(rng []bmff.SampleInfo) (bool, uint32) {
	v := sampleFlags(rng[0].Sync)
	for _, s := range rng[1:] {
		if sampleFlags(s.Sync) != v {
			return false, 0
		}
	}
	return true, v
}

func anyNonZeroComposition(rng []bmff.SampleInfo) bool {
	for _, s := range rng {
		if s.CompositionOffset != 0 {
			return true
		}
	}
	return false
}
