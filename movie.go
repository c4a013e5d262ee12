package bmff

import "github.com/vodpack/bmff/bmfferr"

// EditListKind classifies how a track's edit list (elst) was resolved.
type EditListKind int

const (
	// EditListNone means the track carries no edts/elst at all.
	EditListNone EditListKind = iota
	// EditListDwell means a single empty initial edit was converted into
	// a leading-sample duration stretch (spec.md §3 edit-list policy).
	EditListDwell
	// EditListShift means a single edit with media_time >= 0 was
	// converted into a composition-offset shift, whatever its segment
	// duration.
	EditListShift
	// EditListUnsupported means the edit list has a shape this
	// implementation does not rewrite (a lone empty edit, more than two
	// edits, two edits not led by an empty edit, a negative non-dwell
	// media_time, or an audio dwell with audio exempted). The track is
	// still usable; only edit-list correction is skipped.
	EditListUnsupported
)

// EditListDecision is the resolved handling for one track's elst.
type EditListDecision struct {
	Kind EditListKind
	// DwellDuration is the media-timescale duration of the leading empty
	// edit, to be absorbed into the first sample's exposed duration.
	DwellDuration uint64
	// ShiftOffset is the media_time (in media timescale units) to
	// subtract from every sample's composition offset.
	ShiftOffset int64
}

// ResolveEditList classifies elst per spec.md's edit-list policy:
//   - nil elst or no entries: EditListNone.
//   - a single entry with MediaTime == -1: reported unsupported.
//   - a single leading empty edit (MediaTime == -1) followed by one
//     real edit: convertible to a dwell, UNLESS exemptAudio is set and
//     this is an audio track, since stretching an audio sample's
//     exposed duration audibly changes pitch/timing in a way video
//     frame-hold does not.
//   - a single entry with MediaTime >= 0: convertible to a
//     composition-offset shift. Its segment duration is not compared
//     with the movie duration, so a single edit covering only part of
//     the track is also treated as a shift, not reported unsupported.
//   - anything else: reported unsupported (non-fatal).
func ResolveEditList(elst *Elst, movieDuration uint64, mvhdTimescale, mediaTimescale uint32, isAudio, exemptAudio bool) EditListDecision {
	if elst == nil || len(elst.Entries) == 0 {
		return EditListDecision{Kind: EditListNone}
	}

	entries := elst.Entries

	if len(entries) == 1 && entries[0].MediaTime == -1 {
		// A single empty edit spanning the whole movie means "don't play
		// anything", which isn't expressible as a shift or a dwell.
		return EditListDecision{Kind: EditListUnsupported}
	}

	if len(entries) == 2 && entries[0].MediaTime == -1 {
		if isAudio && exemptAudio {
			return EditListDecision{Kind: EditListUnsupported}
		}
		dwellMovieUnits := entries[0].SegmentDuration
		dwellMediaUnits := scaleDuration(dwellMovieUnits, mvhdTimescale, mediaTimescale)
		return EditListDecision{Kind: EditListDwell, DwellDuration: dwellMediaUnits}
	}

	if len(entries) == 1 && entries[0].MediaTime >= 0 {
		covers := scaleDuration(movieDuration, mvhdTimescale, mediaTimescale)
		_ = covers // the single-edit-covers-everything case is the common one; a partial edit is still treated as a shift, since a partial trailing trim needs no rewrite of composition offsets at all
		return EditListDecision{Kind: EditListShift, ShiftOffset: entries[0].MediaTime}
	}

	return EditListDecision{Kind: EditListUnsupported}
}

func scaleDuration(d uint64, from, to uint32) uint64 {
	if from == 0 {
		return d
	}
	return d * uint64(to) / uint64(from)
}

// Track is the typed view of one trak box: identity, timing, codec, and
// its joined sample table, ready for segmentation/fragmenting/rewriting.
type Track struct {
	Box *Box

	ID          uint32
	Timescale   uint32
	HandlerType BoxType
	IsAudio     bool
	IsVideo     bool
	IsSubtitle  bool

	Codec     string
	MimeCodec string

	// AvgBitrate is the esds DecoderConfigDescriptor's declared average
	// bitrate in bits/sec, or 0 when the sample entry carries no esds
	// (e.g. avc1/hvc1 video, ac-3 audio) or the encoder left it unset.
	AvgBitrate uint32

	SampleEntry *Box // the avc1/hvc1/mp4a/tx3g child of stsd actually in use

	DefaultSampleDescriptionIndex uint32
	SampleTable                   *SampleTable
	EditList                      EditListDecision

	// HasStss reports whether the track's stbl carried a sync-sample
	// table (sync is the exception, e.g. video). Its absence means
	// every sample is implicitly sync (e.g. audio); the fragment
	// builder uses this to derive trex/tfhd default_sample_flags.
	HasStss bool
}

// Duration returns the track's duration in seconds.
func (t *Track) Duration() float64 {
	if t.SampleTable == nil || t.SampleTable.Len() == 0 || t.Timescale == 0 {
		return 0
	}
	return float64(t.SampleTable.TotalDuration()) / float64(t.Timescale)
}

// Movie is the typed, navigable view of a parsed moov box plus the
// source it was parsed from (needed later to read sample bytes by
// Offset/Size out of the track's mdat).
type Movie struct {
	Source *SourceReader

	MoovBox *Box
	Ftyp    *Ftyp

	Timescale uint32
	Duration  uint64

	Tracks []*Track
}

// TrackByID returns the track with the given trak/tkhd track ID, or nil.
func (m *Movie) TrackByID(id uint32) *Track {
	for _, t := range m.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TracksByHandler returns every track whose hdlr.handler_type matches.
func (m *Movie) TracksByHandler(handler BoxType) []*Track {
	var out []*Track
	for _, t := range m.Tracks {
		if t.HandlerType == handler {
			out = append(out, t)
		}
	}
	return out
}

var (
	handlerVide = BoxType{'v', 'i', 'd', 'e'}
	handlerSoun = BoxType{'s', 'o', 'u', 'n'}
	handlerSubt = BoxType{'s', 'u', 'b', 't'}
	handlerText = BoxType{'t', 'e', 'x', 't'}
	handlerSbtl = BoxType{'s', 'b', 't', 'l'}
)

// ParseMovieFromMoov builds a Movie from an already-decoded moov *Box.
// exemptAudio controls the edit-list dwell-conversion policy (see
// ResolveEditList) for every audio track in the movie.
func ParseMovieFromMoov(moov *Box, src *SourceReader, exemptAudio bool) (*Movie, error) {
	mvhdBox := moov.Child(TypeMvhd)
	if mvhdBox == nil || mvhdBox.Mvhd == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "moov missing mvhd")
	}

	traks := moov.ChildList(TypeTrak)
	if len(traks) == 0 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "moov has no trak children")
	}

	m := &Movie{
		Source:    src,
		MoovBox:   moov,
		Timescale: mvhdBox.Mvhd.Timescale,
		Duration:  mvhdBox.Mvhd.Duration,
	}
	if ftypBox := moov.Child(TypeFtyp); ftypBox != nil {
		m.Ftyp = ftypBox.Ftyp
	}

	for _, trak := range traks {
		track, err := parseTrack(trak, mvhdBox.Mvhd, exemptAudio)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "parsing trak")
		}
		if track != nil {
			m.Tracks = append(m.Tracks, track)
		}
	}

	if len(m.Tracks) == 0 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "movie has no usable tracks")
	}
	return m, nil
}

func parseTrack(trak *Box, mvhd *Mvhd, exemptAudio bool) (*Track, error) {
	tkhdBox := trak.Child(TypeTkhd)
	if tkhdBox == nil || tkhdBox.Tkhd == nil {
		return nil, nil
	}
	mdiaBox := trak.Child(TypeMdia)
	if mdiaBox == nil {
		return nil, nil
	}
	hdlrBox := mdiaBox.Child(TypeHdlr)
	if hdlrBox == nil || hdlrBox.Hdlr == nil {
		return nil, nil
	}
	mdhdBox := mdiaBox.Child(TypeMdhd)
	if mdhdBox == nil || mdhdBox.Mdhd == nil {
		return nil, nil
	}
	minfBox := mdiaBox.Child(TypeMinf)
	if minfBox == nil {
		return nil, nil
	}
	stblBox := minfBox.Child(TypeStbl)
	if stblBox == nil {
		return nil, nil
	}
	stsdBox := stblBox.Child(TypeStsd)
	if stsdBox == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "trak missing stsd")
	}

	sampleEntry := firstSampleEntry(stsdBox)

	samples, defaultSdi, hasStss, err := buildSampleTableFromStbl(stblBox)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "track %d sample table", tkhdBox.Tkhd.TrackID)
	}

	handler := hdlrBox.Hdlr.HandlerType
	t := &Track{
		Box:                           trak,
		ID:                            tkhdBox.Tkhd.TrackID,
		Timescale:                     mdhdBox.Mdhd.Timescale,
		HandlerType:                   handler,
		IsVideo:                       handler == handlerVide,
		IsAudio:                       handler == handlerSoun,
		IsSubtitle:                    handler == handlerSubt || handler == handlerText || handler == handlerSbtl,
		SampleEntry:                   sampleEntry,
		DefaultSampleDescriptionIndex: defaultSdi,
		SampleTable:                   samples,
		HasStss:                       hasStss,
	}
	t.Codec, t.MimeCodec = describeCodec(sampleEntry, t.IsVideo, t.IsAudio)
	if sampleEntry != nil {
		if esds := sampleEntry.Child(TypeEsds); esds != nil && esds.Esds != nil {
			t.AvgBitrate = esds.Esds.AvgBitrate
		}
	}

	if edtsBox := trak.Child(TypeEdts); edtsBox != nil {
		if elstBox := edtsBox.Child(TypeElst); elstBox != nil && elstBox.Elst != nil {
			t.EditList = ResolveEditList(elstBox.Elst, mvhd.Duration, mvhd.Timescale, t.Timescale, t.IsAudio, exemptAudio)
		}
	}

	return t, nil
}

func firstSampleEntry(stsd *Box) *Box {
	for _, list := range stsd.Children {
		if len(list) > 0 {
			return list[0]
		}
	}
	return nil
}

func describeCodec(entry *Box, isVideo, isAudio bool) (codec, mime string) {
	if entry == nil {
		return "", ""
	}
	switch entry.Type {
	case TypeAvc1:
		codec = "avc1"
		if avcC := entry.Child(TypeAvcC); avcC != nil && avcC.AvcC != nil && avcC.AvcC.MimeCodec != "" {
			codec += "." + avcC.AvcC.MimeCodec
		}
		mime = `video/mp4; codecs="` + codec + `"`
	case TypeHvc1, TypeHev1:
		codec = entry.Type.String()
		mime = `video/mp4; codecs="` + codec + `"`
	case TypeMp4a:
		codec = "mp4a"
		if esds := entry.Child(TypeEsds); esds != nil && esds.Esds != nil && esds.Esds.MimeCodec != "" {
			codec += "." + esds.Esds.MimeCodec
		}
		mime = `audio/mp4; codecs="` + codec + `"`
	case TypeAc3:
		codec = "ac-3"
		mime = `audio/mp4; codecs="ac-3"`
	case TypeTx3g:
		codec = "tx3g"
		mime = `application/mp4; codecs="tx3g"`
	case TypeStpp:
		codec = "stpp"
		mime = `application/mp4; codecs="stpp"`
	default:
		codec = entry.Type.String()
	}
	_ = isVideo
	_ = isAudio
	return codec, mime
}
