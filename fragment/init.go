// Package fragment builds fMP4/CMAF media initialization sections and
// movie fragments (moof+mdat) from an already-parsed *bmff.Movie.
//
// Grounded in the teacher's (now-removed, see ../DESIGN.md) remux
// package shape — buildInitSegment and generateFragment — generalized
// from "remux the whole track" to spec.md's §4.9 FragmentSource model,
// where callers request arbitrary [from,to] sample ranges per track.
// The tfhd/trun uniform-value defaulting below is grounded in
// _examples/original_source/src/fragment.rs's SampleDefaults/
// build_sample_flags/track_extends functions.
package fragment

import (
	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/bmfferr"
)

// initCompatibleBrands are the ftyp compatible brands stamped on every
// generated initialization section, per spec.md §4.9; BuildInitSection
// sets the major brand itself.
var initCompatibleBrands = []bmff.BoxType{
	{'i', 's', 'o', '5'},
	{'a', 'v', 'c', '1'},
	{'m', 'p', '4', '1'},
}

// sampleFlags packs the sample_depends_on / sample_is_non_sync_sample
// bits of the ISOBMFF sample_flags field. This system never sets
// is_leading, sample_is_depended_on, or redundancy/padding bits.
func sampleFlags(sync bool) uint32 {
	if sync {
		return 2 << 24 // depends on nothing else: a sync sample
	}
	return (1 << 24) | (1 << 16) // depends on others, not a sync sample
}

// BuildInitSection assembles the shared CMAF initialization segment
// (ftyp+moov) covering the given source tracks. dstTrackIDs[i] is the
// output track ID to assign to tracks[i] (renumbering lets callers
// multiplex originally-colliding track IDs from different input files).
func BuildInitSection(movie *bmff.Movie, tracks []*bmff.Track, dstTrackIDs []uint32) ([]byte, error) {
	if len(tracks) == 0 || len(tracks) != len(dstTrackIDs) {
		return nil, bmfferr.New(bmfferr.KindMalformed, "BuildInitSection: tracks/dstTrackIDs length mismatch")
	}

	ftyp := &bmff.Box{
		Type: bmff.TypeFtyp,
		Ftyp: &bmff.Ftyp{
			MajorBrand:   bmff.BoxType{'i', 's', 'o', '5'},
			MinorVersion: 1,
			Compatible:   initCompatibleBrands,
		},
	}

	mvhdBox := movie.MoovBox.Child(bmff.TypeMvhd)
	if mvhdBox == nil || mvhdBox.Mvhd == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "movie missing mvhd")
	}
	mvhd := &bmff.Box{
		Type:    bmff.TypeMvhd,
		Version: 0,
		Mvhd: &bmff.Mvhd{
			Timescale: mvhdBox.Mvhd.Timescale,
			Duration:  0, // fragmented output carries no total duration
			Rate:      mvhdBox.Mvhd.Rate,
			Volume:    mvhdBox.Mvhd.Volume,
			Matrix:    mvhdBox.Mvhd.Matrix,
			NextTrackID: mvhdBox.Mvhd.NextTrackID,
		},
	}

	moov := &bmff.Box{
		Type: bmff.TypeMoov,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeMvhd: {mvhd},
		},
	}

	trexes := make([]*bmff.Box, 0, len(tracks))
	for i, track := range tracks {
		trak, trex, err := buildTrak(track, dstTrackIDs[i])
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "building trak for track %d", track.ID)
		}
		moov.Children[bmff.TypeTrak] = append(moov.Children[bmff.TypeTrak], trak)
		trexes = append(trexes, trex)
	}
	moov.Children[bmff.TypeMvex] = []*bmff.Box{{
		Type:     bmff.TypeMvex,
		Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeTrex: trexes},
	}}

	ftypBytes, err := bmff.EncodeToBytes(ftyp)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding ftyp")
	}
	moovBytes, err := bmff.EncodeToBytes(moov)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding moov")
	}

	out := make([]byte, 0, len(ftypBytes)+len(moovBytes))
	out = append(out, ftypBytes...)
	out = append(out, moovBytes...)
	return out, nil
}

// buildTrak constructs a renumbered trak with an empty sample table
// (stts/stsc/stsz/stco all zero-entry) plus the matching trex default,
// per spec.md §4.9's "Media Initialization Section" algorithm.
func buildTrak(track *bmff.Track, dstTrackID uint32) (trakBox, trexBox *bmff.Box, err error) {
	srcTrak := track.Box
	mdia := srcTrak.Child(bmff.TypeMdia)
	minf := mdia.Child(bmff.TypeMinf)
	stbl := minf.Child(bmff.TypeStbl)
	stsdBox := stbl.Child(bmff.TypeStsd)
	if stsdBox == nil {
		return nil, nil, bmfferr.New(bmfferr.KindMalformed, "track %d missing stsd", track.ID)
	}

	const tkhdFlags = 0x000007 // track_enabled | track_in_movie | track_in_preview
	tkhd := &bmff.Box{
		Type:    bmff.TypeTkhd,
		Version: 0,
		Flags:   tkhdFlags,
		Tkhd: &bmff.Tkhd{
			Flags:    tkhdFlags,
			TrackID:  dstTrackID,
			Duration: 0,
			Width:    tkhdOf(srcTrak).Width,
			Height:   tkhdOf(srcTrak).Height,
			Volume:   tkhdOf(srcTrak).Volume,
			Matrix:   tkhdOf(srcTrak).Matrix,
		},
	}

	mdhd := &bmff.Box{
		Type:    bmff.TypeMdhd,
		Version: 0,
		Mdhd: &bmff.Mdhd{
			Timescale: track.Timescale,
			Duration:  0,
			Language:  mdiaMdhd(mdia).Language,
		},
	}

	hdlr := mdia.Child(bmff.TypeHdlr) // cloned verbatim; handler_type/name never change across remux

	minfChildren := map[bmff.BoxType][]*bmff.Box{
		bmff.TypeDinf: {minf.Child(bmff.TypeDinf)},
		bmff.TypeStbl: {emptyStbl(stsdBox, stbl)},
	}
	if vmhd := minf.Child(bmff.TypeVmhd); vmhd != nil {
		minfChildren[bmff.TypeVmhd] = []*bmff.Box{vmhd}
	}
	if smhd := minf.Child(bmff.TypeSmhd); smhd != nil {
		minfChildren[bmff.TypeSmhd] = []*bmff.Box{smhd}
	}
	if nmhd := minf.Child(bmff.TypeNmhd); nmhd != nil {
		minfChildren[bmff.TypeNmhd] = []*bmff.Box{nmhd}
	}
	if sthd := minf.Child(bmff.TypeSthd); sthd != nil {
		minfChildren[bmff.TypeSthd] = []*bmff.Box{sthd}
	}

	newMinf := &bmff.Box{Type: bmff.TypeMinf, Children: minfChildren}
	newMdia := &bmff.Box{
		Type: bmff.TypeMdia,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeMdhd: {mdhd},
			bmff.TypeHdlr: {hdlr},
			bmff.TypeMinf: {newMinf},
		},
	}
	trak := &bmff.Box{
		Type: bmff.TypeTrak,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeTkhd: {tkhd},
			bmff.TypeMdia: {newMdia},
		},
	}

	trex := &bmff.Trex{
		TrackID:                       dstTrackID,
		DefaultSampleDescriptionIndex: 1,
	}
	if uniform, d := uniformTrackDuration(track); uniform {
		trex.DefaultSampleDuration = d
	}
	if uniform, s := uniformTrackSize(track); uniform {
		trex.DefaultSampleSize = s
	}
	trex.DefaultSampleFlags = sampleFlags(!track.HasStss)

	trexBox = &bmff.Box{Type: bmff.TypeTrex, Trex: trex}
	return trak, trexBox, nil
}

func tkhdOf(trak *bmff.Box) *bmff.Tkhd {
	return trak.Child(bmff.TypeTkhd).Tkhd
}

func mdiaMdhd(mdia *bmff.Box) *bmff.Mdhd {
	return mdia.Child(bmff.TypeMdhd).Mdhd
}

// emptyStbl rebuilds stbl with zero-entry run-length tables: the
// fragmented init section carries no sample data of its own, only the
// stsd (cloned verbatim, since sample descriptions don't change) and an
// sgpd if the track uses sample grouping.
func emptyStbl(stsdBox, srcStbl *bmff.Box) *bmff.Box {
	children := map[bmff.BoxType][]*bmff.Box{
		bmff.TypeStsd: {stsdBox},
		bmff.TypeStts: {{Type: bmff.TypeStts, Stts: &bmff.Stts{}}},
		bmff.TypeStsc: {{Type: bmff.TypeStsc, Stsc: &bmff.Stsc{}}},
		bmff.TypeStsz: {{Type: bmff.TypeStsz, Stsz: &bmff.Stsz{}}},
		bmff.TypeStco: {{Type: bmff.TypeStco, Stco: &bmff.Stco{}}},
	}
	if sgpd := srcStbl.Child(bmff.TypeSgpd); sgpd != nil {
		children[bmff.TypeSgpd] = []*bmff.Box{sgpd}
	}
	return &bmff.Box{Type: bmff.TypeStbl, Children: children}
}

func uniformTrackDuration(track *bmff.Track) (bool, uint32) {
	it := track.SampleTable.Iter()
	first, ok := it.Next()
	if !ok {
		return false, 0
	}
	v := first.Duration
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		if s.Duration != v {
			return false, 0
		}
	}
	return true, v
}

func uniformTrackSize(track *bmff.Track) (bool, uint32) {
	it := track.SampleTable.Iter()
	first, ok := it.Next()
	if !ok {
		return false, 0
	}
	v := first.Size
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		if s.Size != v {
			return false, 0
		}
	}
	return true, v
}
