package bmff

// maxDepth limits the reader/writer nesting stack.
const maxDepth = 16

// readerFrame stores parent state when entering a container box.
type readerFrame struct {
	end    int // parent's iteration end boundary
	boxEnd int // position to resume after exiting this container
}

// Reader provides streaming parsing of ISOBMFF boxes.
type Reader struct {
	buf []byte
	pos int // next position to parse from
	end int // iteration end boundary

	// Current box state
	boxType   BoxType
	boxSize   uint64
	boxStart  int
	boxEnd    int
	dataStart int

	// Full box fields
	version uint8
	flags   uint32

	// Nesting stack
	stack [maxDepth]readerFrame
	depth int
}

// NewReader creates a Reader for the given buffer.
func NewReader(buf []byte) Reader {
	return Reader{
		buf: buf,
		end: len(buf),
	}
}

// Next advances to the next sibling box. Returns false if no more boxes.
func (r *Reader) Next() bool {
	// Skip past current box
	if r.boxEnd > r.pos {
		r.pos = r.boxEnd
	}

	if r.end-r.pos < 8 {
		return false
	}

	r.boxStart = r.pos
	size := uint64(be.Uint32(r.buf[r.pos:]))
	copy(r.boxType[:], r.buf[r.pos+4:r.pos+8])
	ptr := r.pos + 8

	// Extended size
	if size == 1 {
		if r.end-r.pos < 16 {
			return false
		}
		size = be.Uint64(r.buf[ptr:])
		ptr += 8
	}

	// Size 0 means box extends to end of data
	if size == 0 {
		size = uint64(r.end - r.pos)
	}

	r.boxSize = size
	r.boxEnd = r.boxStart + int(size)

	if r.boxEnd > r.end {
		return false
	}

	// Parse full box header if applicable
	if IsFullBox(r.boxType) {
		if r.boxEnd-ptr < 4 {
			return false
		}
		vf := be.Uint32(r.buf[ptr:])
		r.version = uint8(vf >> 24)
		r.flags = vf & 0x00ffffff
		ptr += 4
	} else {
		r.version = 0
		r.flags = 0
	}

	r.dataStart = ptr
	return true
}

// Type returns the current box's type.
func (r *Reader) Type() BoxType { return r.boxType }

// Size returns the current box's total size including header.
func (r *Reader) Size() uint64 { return r.boxSize }

// Version returns the version field for full boxes.
func (r *Reader) Version() uint8 { return r.version }

// Flags returns the flags field for full boxes.
func (r *Reader) Flags() uint32 { return r.flags }

// Offset returns the byte offset of the current box's start in the buffer.
func (r *Reader) Offset() int { return r.boxStart }

// DataOffset returns the byte offset where the current box's data begins.
func (r *Reader) DataOffset() int { return r.dataStart }

// HeaderSize returns the size of the current box's header in bytes.
func (r *Reader) HeaderSize() int { return r.dataStart - r.boxStart }

// Data returns the current box's data (after all headers).
// Note that, the returned slice points into the original buffer.
func (r *Reader) Data() []byte {
	return r.buf[r.dataStart:r.boxEnd]
}

// RawBox returns the entire current box including headers.
// Note that, the returned slice points into the original buffer.
func (r *Reader) RawBox() []byte {
	return r.buf[r.boxStart:r.boxEnd]
}

// Depth returns the current nesting depth (0 at top level).
func (r *Reader) Depth() int { return r.depth }

// Enter descends into the current container box to iterate its children.
// After Enter, call Next to advance to the first child box.
// Call Exit when done to return to the parent level.
//
// For boxes like stsd or dref that have an entry count before child boxes,
// call Skip(4) after Enter to skip past the count field.
//
// For sample entry boxes like avc1 (78 bytes) or mp4a (28 bytes),
// call Skip with the fixed header size after Enter to reach child boxes.
func (r *Reader) Enter() {
	r.stack[r.depth] = readerFrame{
		end:    r.end,
		boxEnd: r.boxEnd,
	}
	r.depth++
	r.end = r.boxEnd
	r.pos = r.dataStart
	r.boxEnd = r.dataStart // prevent Next from skipping
}

// Exit returns to the parent container level.
// After Exit, the next call to Next will advance to the next sibling.
func (r *Reader) Exit() {
	r.depth--
	f := r.stack[r.depth]
	r.end = f.end
	r.pos = f.boxEnd
	r.boxEnd = f.boxEnd
}

// Skip advances the data position by n bytes within the current container.
// Use after Enter to skip fixed-size headers before child boxes.
func (r *Reader) Skip(n int) {
	r.pos += n
	r.boxEnd = r.pos
}

// EntryCount reads the uint32 entry count at the start of box data.
// Used for boxes like stsd and dref that begin with a count field.
func (r *Reader) EntryCount() uint32 {
	data := r.Data()
	return be.Uint32(data[0:4])
}

// ReadMvhd extracts key fields from an mvhd box.
// Returns timescale, duration, and nextTrackId.
func (r *Reader) ReadMvhd() (timescale uint32, duration uint64, nextTrackId uint32) {
	data := r.Data()
	version := r.Version()
	if version == 1 {
		// v1: ctime(8)+mtime(8)+timescale(4)+duration(8)+rate(4)+volume(2)+reserved(10)+matrix(36)+predefined(24)+nextTrackId(4) = 108
		timescale = be.Uint32(data[16:20])
		duration = be.Uint64(data[20:28])
		nextTrackId = be.Uint32(data[104:108])
	} else {
		// v0: ctime(4)+mtime(4)+timescale(4)+duration(4)+rate(4)+volume(2)+reserved(10)+matrix(36)+predefined(24)+nextTrackId(4) = 96
		timescale = be.Uint32(data[8:12])
		duration = uint64(be.Uint32(data[12:16]))
		nextTrackId = be.Uint32(data[92:96])
	}
	return
}

// ReadTkhd extracts key fields from a tkhd box.
// Returns trackId, duration, width, height.
// Width and height are 16.16 fixed-point values; shift right by 16 for pixels.
func (r *Reader) ReadTkhd() (trackId uint32, duration uint64, width, height uint32) {
	data := r.Data()
	version := r.Version()
	if version == 1 {
		// v1: ctime(8)+mtime(8)+trackId(4)+reserved(4)+duration(8)
		trackId = be.Uint32(data[16:20])
		duration = be.Uint64(data[24:32])
		// +reserved(8)+layer(2)+altGroup(2)+volume(2)+reserved(2)+matrix(36)+width(4)+height(4)
		width = be.Uint32(data[84:88])
		height = be.Uint32(data[88:92])
	} else {
		// v0: ctime(4)+mtime(4)+trackId(4)+reserved(4)+duration(4)
		trackId = be.Uint32(data[8:12])
		duration = uint64(be.Uint32(data[16:20]))
		// +reserved(8)+layer(2)+altGroup(2)+volume(2)+reserved(2)+matrix(36)+width(4)+height(4)
		width = be.Uint32(data[72:76])
		height = be.Uint32(data[76:80])
	}
	return
}

// ReadMdhd extracts key fields from an mdhd box.
// Returns timescale, duration, and language code.
func (r *Reader) ReadMdhd() (timescale uint32, duration uint64, language uint16) {
	data := r.Data()
	version := r.Version()
	if version == 1 {
		// v1: ctime(8)+mtime(8)+timescale(4)+duration(8)+lang(2)+quality(2)
		timescale = be.Uint32(data[16:20])
		duration = be.Uint64(data[20:28])
		language = be.Uint16(data[28:30])
	} else {
		// v0: ctime(4)+mtime(4)+timescale(4)+duration(4)+lang(2)+quality(2)
		timescale = be.Uint32(data[8:12])
		duration = uint64(be.Uint32(data[12:16]))
		language = be.Uint16(data[16:18])
	}
	return
}

// ReadHdlr extracts the handler type from an hdlr box.
// Returns the 4-byte handler type string.
func (r *Reader) ReadHdlr() [4]byte {
	data := r.Data()
	var t [4]byte
	copy(t[:], data[4:8])
	return t
}

// ReadHdlrName extracts the handler name from an hdlr box.
func (r *Reader) ReadHdlrName() string {
	data := r.Data()
	if len(data) <= 20 {
		return ""
	}
	end := 20
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[20:end])
}

// ReadVersionedU64 reads a field at byte offset off within the current
// box's data that is 32 bits wide in version 0 and 64 bits wide in
// version 1 (the mehd/tfdt/sidx time-field convention), returning the
// decoded value and the offset immediately past it.
func (r *Reader) ReadVersionedU64(off int) (value uint64, next int) {
	data := r.Data()
	if r.version == 1 {
		return be.Uint64(data[off:]), off + 8
	}
	return uint64(be.Uint32(data[off:])), off + 4
}

// ReadMehd extracts the fragment duration from an mehd box.
func (r *Reader) ReadMehd() (fragmentDuration uint64) {
	fragmentDuration, _ = r.ReadVersionedU64(0)
	return
}

// ReadTrex extracts fields from a trex box.
// Returns trackId, default sample description index, default sample duration,
// default sample size, and default sample flags.
func (r *Reader) ReadTrex() (trackId, defSampleDescIdx, defSampleDuration, defSampleSize, defSampleFlags uint32) {
	data := r.Data()
	trackId = be.Uint32(data[0:4])
	defSampleDescIdx = be.Uint32(data[4:8])
	defSampleDuration = be.Uint32(data[8:12])
	defSampleSize = be.Uint32(data[12:16])
	defSampleFlags = be.Uint32(data[16:20])
	return
}

// ReadMfhd extracts the sequence number from an mfhd box.
func (r *Reader) ReadMfhd() (sequenceNumber uint32) {
	data := r.Data()
	sequenceNumber = be.Uint32(data[0:4])
	return
}

// ReadTfhdOptional parses a full tfhd box, decoding whichever optional
// fields flags (the box's full-box flags) marks present: base-data-offset,
// sample-description-index, default sample duration/size/flags.
func (r *Reader) ReadTfhdOptional(flags uint32) Tfhd {
	data := r.Data()
	t := Tfhd{TrackID: be.Uint32(data[0:4])}
	p := 4
	if flags&TfhdBaseDataOffsetPresent != 0 {
		t.BaseDataOffset = be.Uint64(data[p:])
		p += 8
	}
	if flags&TfhdSampleDescriptionIndexPresent != 0 {
		t.SampleDescriptionIndex = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleDurationPresent != 0 {
		t.DefaultSampleDuration = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleSizePresent != 0 {
		t.DefaultSampleSize = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleFlagsPresent != 0 {
		t.DefaultSampleFlags = be.Uint32(data[p:])
	}
	return t
}

// ReadTfdt extracts the base media decode time from a tfdt box.
func (r *Reader) ReadTfdt() (baseMediaDecodeTime uint64) {
	baseMediaDecodeTime, _ = r.ReadVersionedU64(0)
	return
}

// ReadSidx parses a complete sidx box: reference/timescale header, the
// version-conditional 32/64-bit presentation-time and offset fields,
// then the reference_count run of SidxEntry values.
func (r *Reader) ReadSidx() *Sidx {
	data := r.Data()
	if len(data) < 12 {
		return nil
	}
	s := &Sidx{ReferenceID: be.Uint32(data[0:4]), Timescale: be.Uint32(data[4:8])}
	var p int
	s.EarliestPresentationTime, p = r.ReadVersionedU64(8)
	s.FirstOffset, p = r.ReadVersionedU64(p)
	p += 2 // reserved
	if p+2 > len(data) {
		return s
	}
	count := be.Uint16(data[p:])
	p += 2
	for range count {
		if p+12 > len(data) {
			break
		}
		refTypeAndSize := be.Uint32(data[p:])
		dur := be.Uint32(data[p+4:])
		sap := be.Uint32(data[p+8:])
		s.Entries = append(s.Entries, SidxEntry{
			ReferenceType: refTypeAndSize&0x80000000 != 0, ReferencedSize: refTypeAndSize & 0x7FFFFFFF,
			SubsegDuration: dur, StartsWithSAP: sap&0x80000000 != 0, SAPType: uint8(sap >> 28),
		})
		p += 12
	}
	return s
}

// ReadSbgp parses a complete sbgp (sample-to-group) box: grouping type,
// the version-1-only grouping_type_parameter, and the run-length
// (sample_count, group_description_index) entries.
func (r *Reader) ReadSbgp() *Sbgp {
	data := r.Data()
	if len(data) < 8 {
		return nil
	}
	s := &Sbgp{}
	copy(s.GroupingType[:], data[0:4])
	p := 4
	if r.version == 1 {
		if len(data) < 12 {
			return nil
		}
		s.GroupingTypeParameter = be.Uint32(data[p:])
		p += 4
	}
	count := be.Uint32(data[p:])
	p += 4
	for range count {
		if p+8 > len(data) {
			break
		}
		s.Entries = append(s.Entries, SbgpEntry{
			SampleCount:           be.Uint32(data[p:]),
			GroupDescriptionIndex: be.Uint32(data[p+4:]),
		})
		p += 8
	}
	return s
}

// ReadPdin parses a complete pdin (progressive download info) box: a
// run of (rate, initial_delay) pairs filling the box to its end.
func (r *Reader) ReadPdin() *Pdin {
	data := r.Data()
	p := &Pdin{}
	for i := 0; i+8 <= len(data); i += 8 {
		p.Entries = append(p.Entries, PdinEntry{Rate: be.Uint32(data[i:]), Delay: be.Uint32(data[i+4:])})
	}
	return p
}

// ReadIlst parses a complete ilst (Apple metadata item list) box: each
// child is a fourcc-tagged item, holding either a "data" atom's flag==1
// plain-text payload or an opaque blob for anything else.
func (r *Reader) ReadIlst() *Ilst {
	data := r.Data()
	l := &Ilst{}
	p := 0
	for p+8 <= len(data) {
		size := int(be.Uint32(data[p:]))
		if size < 8 {
			size = 8
		}
		if p+size > len(data) {
			break
		}
		var fourcc BoxType
		copy(fourcc[:], data[p+4:p+8])
		item := AppleItem{FourCC: fourcc, Blob: append([]byte(nil), data[p+8:p+size]...)}
		if len(item.Blob) >= 16 {
			subSize := int(be.Uint32(item.Blob[0:4]))
			if string(item.Blob[4:8]) == "data" && subSize >= 16 {
				flag := be.Uint16(item.Blob[10:12])
				if flag == 1 {
					item.Text = string(item.Blob[16:min(subSize, len(item.Blob))])
				}
			}
		}
		l.Items = append(l.Items, item)
		p += size
	}
	return l
}

// ReadElng extracts the IETF BCP 47 extended language tag from an elng
// box: a full box whose data is nothing but a null-terminated string.
func (r *Reader) ReadElng() string {
	s, _ := CString(r.Data())
	return s
}
