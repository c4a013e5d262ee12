package bmff

import "github.com/vodpack/bmff/bmfferr"

// OpenMovie opens path, scans its top-level boxes, maps everything but
// mdat bodies (unless forceMapAll is set), and parses the moov box into
// a navigable Movie. exemptAudio is forwarded to ResolveEditList for
// every audio track (spec.md's edit-list policy, open question a).
func OpenMovie(path string, forceMapAll, exemptAudio bool) (*Movie, error) {
	src, err := OpenSource(path, forceMapAll)
	if err != nil {
		return nil, err
	}

	entries, decoded, err := ScanTopLevel(src.File(), func(t BoxType) bool { return t == TypeMoov })
	if err != nil {
		src.Close()
		return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "scanning top-level boxes")
	}
	moov := decoded[TypeMoov]
	if moov == nil {
		src.Close()
		return nil, bmfferr.New(bmfferr.KindNotFound, "no moov box found in %s", path)
	}

	ranges := make([][2]int64, len(entries))
	for i, e := range entries {
		ranges[i] = [2]int64{e.Offset, e.Offset + e.Size}
	}
	if err := src.MapRanges(ranges, func(start, end int64) bool {
		return boxTypeAt(src, start) == TypeMdat
	}); err != nil {
		src.Close()
		return nil, err
	}

	m, err := ParseMovieFromMoov(moov, src, exemptAudio)
	if err != nil {
		src.Close()
		return nil, err
	}
	return m, nil
}

// boxTypeAt reads the 4-byte fourcc at the given file offset by
// consulting the already-scanned top-level entries; used only to
// re-derive "is this range an mdat" during MapRanges's mdat predicate.
// Since the caller always passes start/end pairs taken directly from a
// prior Scanner pass, a fresh tiny read is cheaper than threading the
// scan results through as a second slice.
func boxTypeAt(src *SourceReader, offset int64) BoxType {
	var hdr [8]byte
	if err := src.Ref(offset, offset+8).ReadExactAt(hdr[:], 0); err != nil {
		return BoxType{}
	}
	var t BoxType
	copy(t[:], hdr[4:8])
	return t
}

// Close releases the movie's underlying source.
func (m *Movie) Close() error {
	return m.Source.Close()
}
