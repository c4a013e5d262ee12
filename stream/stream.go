// Package stream synthesizes a virtual, on-the-fly, interleaved MP4
// suitable for progressive HTTP download: a rewritten moov addressing a
// virtual mdat that doesn't exist on disk, plus a sparse byte-offset map
// letting ReadAt gather the underlying samples from wherever they
// actually live in the source file.
//
// Grounded in spec.md §4.10's explicit algorithm, built on top of
// io.go's SourceReader/DataRef for sample reads and internal/mmapio for
// the mmap-or-pread serving policy switch at ~750MB.
package stream

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/bmfferr"
	"github.com/vodpack/bmff/internal/mmapio"
)

// roundStepSeconds is the interleave round granularity from spec.md
// §4.10: "until_seconds starts at 0.5 and increments by 0.5 each round."
const roundStepSeconds = 0.5

// wholeFileMmapThreshold is the source-size cutoff above which
// VirtualStream maps only the requested byte range per read instead of
// the whole file up front (spec.md §4.10 "Reads").
const wholeFileMmapThreshold = 750 * 1024 * 1024

// MapEntry is one sample's placement: where it lives in the source file
// and where it appears in the virtual mdat.
type MapEntry struct {
	SourceOffset  int64
	VirtualOffset int64
	Size          int64
}

// Mapping is the full, virtual-offset-ordered sample placement table for
// one virtual stream (spec.md §3 "the virtual-stream mapping table").
type Mapping struct {
	Entries []MapEntry
}

// InitSection is the serialized ftyp+moov prefix of a virtual stream.
type InitSection struct {
	Bytes []byte
}

// VirtualStream answers byte-exact ReadAt calls against a synthetic MP4
// containing only the selected tracks, interleaved in ~500ms rounds,
// with moov relocated to the front.
type VirtualStream struct {
	movie  *bmff.Movie
	tracks []*bmff.Track

	init      *InitSection
	mapping   *Mapping
	mdatHdr   [16]byte
	mdatStart int64 // = len(init.Bytes); the 16-byte mdat header starts here
	totalSize int64

	modTime time.Time
	etag    string

	mu            sync.Mutex
	wholeFile     *mmapio.Region
	wholeMapped   bool
}

// Build opens path and constructs a virtual interleaved stream over the
// given track IDs, in the order given.
func Build(path string, trackIDs []uint32) (*VirtualStream, error) {
	movie, err := bmff.OpenMovie(path, false, true)
	if err != nil {
		return nil, err
	}

	tracks := make([]*bmff.Track, 0, len(trackIDs))
	for _, id := range trackIDs {
		t := movie.TrackByID(id)
		if t == nil {
			movie.Close()
			return nil, bmfferr.New(bmfferr.KindNotFound, "track %d not found", id)
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		movie.Close()
		return nil, bmfferr.New(bmfferr.KindMalformed, "Build: no tracks selected")
	}

	virtualMdat, mapping, chunkPlans, err := interleave(movie, tracks)
	if err != nil {
		movie.Close()
		return nil, err
	}

	init, err := buildInitSection(movie, tracks, chunkPlans)
	if err != nil {
		movie.Close()
		return nil, err
	}

	mdatStart := int64(len(init.Bytes))
	var hdr [16]byte
	hdr[3] = 1 // size field == 1 signals the following 64-bit extended size
	copy(hdr[4:8], bmff.TypeMdat[:])
	mdatTotalSize := uint64(16 + len(virtualMdat))
	putUint64BE(hdr[8:16], mdatTotalSize)

	for i := range mapping.Entries {
		mapping.Entries[i].VirtualOffset += mdatStart + 16
	}

	vs := &VirtualStream{
		movie:     movie,
		tracks:    tracks,
		init:      init,
		mapping:   mapping,
		mdatHdr:   hdr,
		mdatStart: mdatStart,
		totalSize: mdatStart + 16 + int64(len(virtualMdat)),
	}

	if fi, err := os.Stat(path); err == nil {
		vs.modTime = fi.ModTime()
		vs.etag = computeETag(fi, vs.totalSize)
	}

	// virtualMdat is never retained past construction; all subsequent
	// reads are served through the mapping against the source file, per
	// spec.md §9's "the core never materializes a full mdat" ceiling.
	_ = virtualMdat

	return vs, nil
}

func putUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func computeETag(fi os.FileInfo, size int64) string {
	var ino uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		ino = uint64(st.Ino)
	}
	h := sha1.New()
	fmt.Fprintf(h, "%d-%d-%d", fi.ModTime().UnixNano(), ino, size)
	return `"` + hex.EncodeToString(h.Sum(nil))[:16] + `"`
}

// Size returns the total virtual file size (init + mdat header + data).
func (v *VirtualStream) Size() int64 { return v.totalSize }

// ModTime returns the source file's modification time.
func (v *VirtualStream) ModTime() time.Time { return v.modTime }

// ETag returns a function of (mtime, inode, size), per spec.md §4.10's
// "ETag/size contract".
func (v *VirtualStream) ETag() string { return v.etag }

// Close releases the underlying movie/source and any mapped regions.
func (v *VirtualStream) Close() error {
	v.mu.Lock()
	if v.wholeFile != nil {
		v.wholeFile.Close()
		v.wholeFile = nil
	}
	v.mu.Unlock()
	return v.movie.Close()
}

// ReadAt serves buf from the virtual file at offset, dispatching to the
// in-memory init section, the synthesized mdat header, or the gathered
// sample mapping, per spec.md §4.10 "Reads".
func (v *VirtualStream) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset >= v.totalSize {
		return 0, bmfferr.New(bmfferr.KindMalformed, "read_at: offset %d out of range [0,%d)", offset, v.totalSize)
	}
	n := 0
	for n < len(buf) && offset+int64(n) < v.totalSize {
		pos := offset + int64(n)
		switch {
		case pos < int64(len(v.init.Bytes)):
			c := copy(buf[n:], v.init.Bytes[pos:])
			n += c
		case pos < v.mdatStart+16:
			c := copy(buf[n:], v.mdatHdr[pos-v.mdatStart:])
			n += c
		default:
			c, err := v.readSampleBytes(buf[n:], pos)
			if err != nil {
				return n, err
			}
			if c == 0 {
				return n, bmfferr.New(bmfferr.KindMalformed, "read_at: offset %d not covered by any sample", pos)
			}
			n += c
		}
	}
	return n, nil
}

// readSampleBytes gathers consecutive mapped samples covering pos, up
// to len(buf) bytes, sorts the gathered list by source offset to
// minimize seeking, and copies each sample's bytes into its position in
// buf. It returns the number of contiguous virtual bytes it filled
// starting exactly at pos.
func (v *VirtualStream) readSampleBytes(buf []byte, pos int64) (int, error) {
	entries := v.mapping.Entries
	startIdx := sort.Search(len(entries), func(i int) bool {
		return entries[i].VirtualOffset+entries[i].Size > pos
	})
	if startIdx >= len(entries) {
		return 0, nil
	}

	type job = struct {
		entry     MapEntry
		bufOffset int // offset into buf where this sample's bytes land
	}
	var jobs []job
	filled := int64(0)
	want := int64(len(buf))
	for i := startIdx; i < len(entries) && filled < want; i++ {
		e := entries[i]
		if e.VirtualOffset > pos+filled {
			break // gap: the next mapped sample doesn't directly continue
		}
		jobs = append(jobs, job{entry: e, bufOffset: int(e.VirtualOffset - pos)})
		filled = e.VirtualOffset + e.Size - pos
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].entry.SourceOffset < jobs[j].entry.SourceOffset })

	region, base, owned, useMmap := v.acquireReadRegion(jobs)
	defer func() {
		if owned {
			region.Close()
		}
	}()

	for _, j := range jobs {
		e := j.entry
		dstStart := max(j.bufOffset, 0)
		srcSkip := int64(dstStart - j.bufOffset)
		n := e.Size - srcSkip
		if dstStart+int(n) > len(buf) {
			n = int64(len(buf) - dstStart)
		}
		if n <= 0 {
			continue
		}
		if useMmap {
			srcStart := e.SourceOffset + srcSkip - base
			copy(buf[dstStart:dstStart+int(n)], region.Bytes()[srcStart:srcStart+n])
		} else {
			tmp := make([]byte, n)
			if _, err := v.movie.Source.File().ReadAt(tmp, e.SourceOffset+srcSkip); err != nil {
				return 0, bmfferr.Wrap(bmfferr.KindMalformed, err, "reading sample at source offset %d", e.SourceOffset)
			}
			copy(buf[dstStart:dstStart+int(n)], tmp)
		}
	}

	return int(min(filled, want)), nil
}

// acquireReadRegion returns a mapped view covering every job's source
// range: the whole file if it's small enough to map once and keep
// mapped for the VirtualStream's lifetime (owned=false, it outlives this
// call), otherwise a fresh per-request mapping of just the needed span
// (owned=true, the caller must Close it). ok=false falls back to plain
// pread.
func (v *VirtualStream) acquireReadRegion(jobs []struct {
	entry     MapEntry
	bufOffset int
}) (region *mmapio.Region, base int64, owned bool, ok bool) {
	size := v.movie.Source.Size()
	if size <= wholeFileMmapThreshold {
		v.mu.Lock()
		if !v.wholeMapped {
			r, err := mmapio.Map(v.movie.Source.File(), 0, int(size))
			if err == nil {
				v.wholeFile = r
				v.wholeMapped = true
			}
		}
		r := v.wholeFile
		v.mu.Unlock()
		if r != nil {
			return r, 0, false, true
		}
	}

	lo, hi := jobs[0].entry.SourceOffset, jobs[0].entry.SourceOffset+jobs[0].entry.Size
	for _, j := range jobs[1:] {
		if j.entry.SourceOffset < lo {
			lo = j.entry.SourceOffset
		}
		if e := j.entry.SourceOffset + j.entry.Size; e > hi {
			hi = e
		}
	}
	pageBase := (lo / int64(mmapio.PageSize())) * int64(mmapio.PageSize())
	r, err := mmapio.Map(v.movie.Source.File(), pageBase, int(hi-pageBase))
	if err != nil {
		return nil, 0, false, false
	}
	return r, pageBase, true, true
}

// chunkPlan is one track's resolved interleave chunking: chunk i starts
// at sample index startIdx[i] (0-based) and contains count[i] samples,
// addressed in the virtual mdat at intraOffset[i] bytes from the start
// of the mdat payload.
type chunkPlan struct {
	startIdx     []int
	count        []uint32
	intraOffset  []int64
}

// interleave walks every track's samples in ~500ms rounds, appending
// each round's contribution contiguously to a virtual mdat buffer and
// recording one mapping entry per sample plus one chunk per non-empty
// (track, round) pair, per spec.md §4.10's interleave algorithm.
func interleave(movie *bmff.Movie, tracks []*bmff.Track) ([]byte, *Mapping, []chunkPlan, error) {
	iters := make([]*bmff.SampleIter, len(tracks))
	plans := make([]chunkPlan, len(tracks))
	mapping := &Mapping{}
	var virtualMdat []byte
	var virtualOffset int64

	for ti, t := range tracks {
		iters[ti] = t.SampleTable.Iter()
	}

	until := roundStepSeconds
	for {
		progressed := false
		for ti, t := range tracks {
			it := iters[ti]
			ts := t.Timescale
			start := it.Pos()
			chunkStart := virtualOffset
			var count uint32

			for {
				s, ok := it.Peek()
				if !ok || float64(s.DTS)/float64(ts) >= until {
					break
				}
				it.Next()

				buf := make([]byte, s.Size)
				if err := movie.Source.Ref(s.Offset, s.Offset+int64(s.Size)).ReadExactAt(buf, 0); err != nil {
					return nil, nil, nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "track %d sample read", t.ID)
				}
				mapping.Entries = append(mapping.Entries, MapEntry{
					SourceOffset:  s.Offset,
					VirtualOffset: virtualOffset,
					Size:          int64(s.Size),
				})
				virtualMdat = append(virtualMdat, buf...)
				virtualOffset += int64(s.Size)
				count++
			}
			if count == 0 {
				continue
			}
			progressed = true

			plans[ti].startIdx = append(plans[ti].startIdx, start)
			plans[ti].count = append(plans[ti].count, count)
			plans[ti].intraOffset = append(plans[ti].intraOffset, chunkStart)
		}
		if !progressed {
			break
		}
		until += roundStepSeconds
	}

	if virtualOffset > 1<<40 {
		return nil, nil, nil, bmfferr.New(bmfferr.KindOutOfRange, "virtual mdat offset %d exceeds 2^40", virtualOffset)
	}

	return virtualMdat, mapping, plans, nil
}

// buildInitSection assembles ftyp+moov for the virtual stream: every
// trak is cloned from its source with stts/ctts/stsz/stss/stsd left
// untouched (interleaving only reorders bytes, it never changes a
// sample's duration, size, composition offset, or sync flag) and
// stco/stsc replaced to address the synthetic mdat described by plans.
//
// The mdat payload starts right after this section plus a 16-byte
// mdat header (64-bit size form, so the box is addressable past 4GiB),
// but this section's own size depends on whether any track's offsets
// need co64 — which in turn depends on this section's size. Resolved
// with the same fixed-point loop rewrite.go uses for faststart.
func buildInitSection(movie *bmff.Movie, tracks []*bmff.Track, plans []chunkPlan) (*InitSection, error) {
	ftyp := &bmff.Box{
		Type: bmff.TypeFtyp,
		Ftyp: &bmff.Ftyp{
			MajorBrand:   bmff.BoxType{'i', 's', 'o', 'm'},
			MinorVersion: 512,
			Compatible: []bmff.BoxType{
				{'i', 's', 'o', 'm'}, {'i', 's', 'o', '2'}, {'a', 'v', 'c', '1'}, {'m', 'p', '4', '1'},
			},
		},
	}
	ftypBytes, err := bmff.EncodeToBytes(ftyp)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding ftyp")
	}

	mvhdBox := movie.MoovBox.Child(bmff.TypeMvhd)
	if mvhdBox == nil || mvhdBox.Mvhd == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "movie missing mvhd")
	}
	mvhd := &bmff.Box{
		Type:    bmff.TypeMvhd,
		Version: 0,
		Mvhd: &bmff.Mvhd{
			Timescale:   mvhdBox.Mvhd.Timescale,
			Duration:    mvhdBox.Mvhd.Duration,
			Rate:        mvhdBox.Mvhd.Rate,
			Volume:      mvhdBox.Mvhd.Volume,
			Matrix:      mvhdBox.Mvhd.Matrix,
			NextTrackID: mvhdBox.Mvhd.NextTrackID,
		},
	}

	moov := &bmff.Box{
		Type:     bmff.TypeMoov,
		Children: map[bmff.BoxType][]*bmff.Box{bmff.TypeMvhd: {mvhd}},
	}
	for i, track := range tracks {
		trak, err := cloneTrakWithChunks(track, plans[i])
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "track %d", track.ID)
		}
		moov.Children[bmff.TypeTrak] = append(moov.Children[bmff.TypeTrak], trak)
	}

	// Snapshot every track's intra-mdat offsets once; each fixed-point
	// round recomputes absolute offsets from these originals.
	type trackChunks struct {
		stbl  *bmff.Box
		intra []int64
	}
	var snapshot []trackChunks
	for i, trak := range moov.ChildList(bmff.TypeTrak) {
		stbl := trak.Child(bmff.TypeMdia).Child(bmff.TypeMinf).Child(bmff.TypeStbl)
		snapshot = append(snapshot, trackChunks{stbl: stbl, intra: plans[i].intraOffset})
	}

	var moovBytes []byte
	size := int64(0)
	for range 4 {
		base := int64(len(ftypBytes)) + size + 16
		for _, tc := range snapshot {
			overflow := false
			abs := make([]int64, len(tc.intra))
			for i, off := range tc.intra {
				abs[i] = base + off
				if abs[i] > 0xFFFFFFFF {
					overflow = true
				}
			}
			if overflow {
				entries := make([]uint64, len(abs))
				for i, v := range abs {
					entries[i] = uint64(v)
				}
				delete(tc.stbl.Children, bmff.TypeStco)
				tc.stbl.Children[bmff.TypeCo64] = []*bmff.Box{{Type: bmff.TypeCo64, Co64: &bmff.Co64{Entries: entries}}}
			} else {
				entries := make([]uint32, len(abs))
				for i, v := range abs {
					entries[i] = uint32(v)
				}
				delete(tc.stbl.Children, bmff.TypeCo64)
				tc.stbl.Children[bmff.TypeStco] = []*bmff.Box{{Type: bmff.TypeStco, Stco: &bmff.Stco{Entries: entries}}}
			}
		}

		encoded, err := bmff.EncodeToBytes(moov)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "encoding moov")
		}
		moovBytes = encoded
		if int64(len(encoded)) == size {
			break
		}
		size = int64(len(encoded))
	}

	out := make([]byte, 0, len(ftypBytes)+len(moovBytes))
	out = append(out, ftypBytes...)
	out = append(out, moovBytes...)
	return &InitSection{Bytes: out}, nil
}

// cloneTrakWithChunks rebuilds one trak addressing the virtual mdat:
// stts/ctts/stsz/stss/stsd/sgpd carry over unchanged, stsc is rebuilt
// from plan's per-round chunk sizes (run-length compressed), and stco
// is left to the caller (buildInitSection patches it once the section's
// total size is known).
func cloneTrakWithChunks(track *bmff.Track, plan chunkPlan) (*bmff.Box, error) {
	srcTrak := track.Box
	mdia := srcTrak.Child(bmff.TypeMdia)
	minf := mdia.Child(bmff.TypeMinf)
	srcStbl := minf.Child(bmff.TypeStbl)

	stblChildren := map[bmff.BoxType][]*bmff.Box{
		bmff.TypeStsd: {srcStbl.Child(bmff.TypeStsd)},
		bmff.TypeStts: {srcStbl.Child(bmff.TypeStts)},
		bmff.TypeStsz: {srcStbl.Child(bmff.TypeStsz)},
		bmff.TypeStsc: {{Type: bmff.TypeStsc, Stsc: &bmff.Stsc{Entries: compressStsc(plan.count)}}},
	}
	if cttsBox := srcStbl.Child(bmff.TypeCtts); cttsBox != nil {
		stblChildren[bmff.TypeCtts] = []*bmff.Box{cttsBox}
	}
	if stssBox := srcStbl.Child(bmff.TypeStss); stssBox != nil {
		stblChildren[bmff.TypeStss] = []*bmff.Box{stssBox}
	}
	if sgpdBox := srcStbl.Child(bmff.TypeSgpd); sgpdBox != nil {
		stblChildren[bmff.TypeSgpd] = []*bmff.Box{sgpdBox}
	}
	newStbl := &bmff.Box{Type: bmff.TypeStbl, Children: stblChildren}

	minfChildren := map[bmff.BoxType][]*bmff.Box{
		bmff.TypeDinf: {minf.Child(bmff.TypeDinf)},
		bmff.TypeStbl: {newStbl},
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

	newMdia := &bmff.Box{
		Type: bmff.TypeMdia,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeMdhd: {mdia.Child(bmff.TypeMdhd)},
			bmff.TypeHdlr: {mdia.Child(bmff.TypeHdlr)},
			bmff.TypeMinf: {&bmff.Box{Type: bmff.TypeMinf, Children: minfChildren}},
		},
	}

	tkhd := srcTrak.Child(bmff.TypeTkhd)
	return &bmff.Box{
		Type: bmff.TypeTrak,
		Children: map[bmff.BoxType][]*bmff.Box{
			bmff.TypeTkhd: {tkhd},
			bmff.TypeMdia: {newMdia},
		},
	}, nil
}

// compressStsc run-length-encodes a track's per-chunk sample counts into
// stsc entries, merging consecutive chunks that carry the same count.
func compressStsc(counts []uint32) []bmff.StscEntry {
	var out []bmff.StscEntry
	for i, c := range counts {
		chunkNum := uint32(i + 1)
		if len(out) > 0 && out[len(out)-1].SamplesPerChunk == c {
			continue
		}
		out = append(out, bmff.StscEntry{FirstChunk: chunkNum, SamplesPerChunk: c, SampleDescriptionId: 1})
	}
	return out
}

