package bmff

import "github.com/vodpack/bmff/bmfferr"

// Box is the materialized tree form of a parsed ISOBMFF box: a tagged
// variant with typed payload fields (mirroring the sibling tetsuo-isobmff
// "mp4" package's Box shape — Child/ChildList plus one non-nil typed
// field per known box type) built on top of the cursor Reader/Writer in
// reader.go/writer.go. Unrecognized or over-versioned boxes carry only
// Raw and are emitted back verbatim (OpaqueBox semantics).
type Box struct {
	Type    BoxType
	Version uint8
	Flags   uint32

	Children map[BoxType][]*Box

	// Raw holds the box payload bytes for opaque/passthrough boxes
	// (unknown fourcc, over-versioned known fourcc, or any box this
	// registry marks as bespoke-raw such as free/skip/wide/btrt/pasp).
	Raw []byte

	// Data is a lazy reference into the source file for an mdat body.
	// decodeCurrent never sets it (a decoded mdat keeps its body in
	// Raw), and encodeBox writes only Raw.
	Data DataRef
	IsMdat bool

	// Typed payloads. Exactly one is non-nil for a recognized,
	// in-version leaf box.
	Ftyp *Ftyp
	Mvhd *Mvhd
	Tkhd *Tkhd
	Mdhd *Mdhd
	Hdlr *Hdlr
	Stsd *Stsd
	Stts *Stts
	Ctts *Ctts
	Stsc *Stsc
	Stsz *Stsz
	Stco *Stco
	Co64 *Co64
	Stss *Stss
	Elst *Elst
	Mehd *Mehd
	Trex *Trex
	Mfhd *Mfhd
	Tfhd *Tfhd
	Tfdt *Tfdt
	Trun *Trun
	Sidx *Sidx
	Sbgp *Sbgp
	Pdin *Pdin
	Ilst *Ilst
	Elng *Elng
	AvcC *AvcC
	HvcC *HvcC
	Esds *Esds
	Visual *VisualSampleEntryPayload
	Audio  *AudioSampleEntryPayload
}

// Child returns the first child box of the given type, or nil.
func (b *Box) Child(t BoxType) *Box {
	if l := b.Children[t]; len(l) > 0 {
		return l[0]
	}
	return nil
}

// ChildList returns all child boxes of the given type.
func (b *Box) ChildList(t BoxType) []*Box {
	return b.Children[t]
}

// addChild appends a parsed child box under its type.
func (b *Box) addChild(c *Box) {
	if b.Children == nil {
		b.Children = make(map[BoxType][]*Box)
	}
	b.Children[c.Type] = append(b.Children[c.Type], c)
}

// DecodeAll parses a flat sequence of top-level boxes (e.g. an entire
// file, or the contents of an mdat-free segment) from buf.
func DecodeAll(buf []byte) ([]*Box, error) {
	r := NewReader(buf)
	var out []*Box
	for r.Next() {
		b, err := decodeCurrent(&r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Decode parses a single box occupying buf[start:end].
func Decode(buf []byte, start, end int) (*Box, error) {
	r := NewReader(buf[start:end])
	if !r.Next() {
		return nil, bmfferr.New(bmfferr.KindMalformed, "no box found in range")
	}
	return decodeCurrent(&r)
}

// decodeCurrent converts the reader's current box (and, recursively,
// its children) into a *Box. It must not advance past the current box.
func decodeCurrent(r *Reader) (*Box, error) {
	t := r.Type()
	b := &Box{Type: t}

	if t == TypeMdat {
		b.IsMdat = true
		b.Raw = r.Data() // the body is kept in memory; Data stays unset
		return b, nil
	}

	if IsFullBox(t) {
		b.Version = r.Version()
		b.Flags = r.Flags()
		if err := checkVersion(t, b.Version); err != nil {
			b.Raw = append([]byte(nil), r.Data()...)
			return b, nil
		}
	}

	if _, known := leafDecoders[t]; known {
		payload, err := leafDecoders[t](r.Data(), b.Version, b.Flags)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.KindMalformed, err, "decoding %s", t)
		}
		assignPayload(b, t, payload)
		return b, nil
	}

	if def, ok := schematicContainers[t]; ok {
		data := r.Data()
		if len(data) < def.headerSkip {
			return nil, bmfferr.New(bmfferr.KindMalformed, "box %s shorter than fixed header", t)
		}
		if t == TypeStsd || t == TypeDref {
			b.Stsd = &Stsd{EntryCount: be.Uint32(data[0:4])}
		} else if t == TypeAvc1 || t == TypeHvc1 || t == TypeHev1 {
			b.Visual = visualEntryFromData(data)
		} else if t == TypeMp4a || t == TypeAc3 {
			b.Audio = audioEntryFromData(data)
		}
		r.Enter()
		r.Skip(def.headerSkip)
		for r.Next() {
			c, err := decodeCurrent(r)
			if err != nil {
				return nil, err
			}
			b.addChild(c)
		}
		r.Exit()
		return b, nil
	}

	if IsContainerBox(t) {
		r.Enter()
		for r.Next() {
			c, err := decodeCurrent(r)
			if err != nil {
				return nil, err
			}
			b.addChild(c)
		}
		r.Exit()
		return b, nil
	}

	// Unknown box type or a deliberately opaque one (free/skip/wide/
	// btrt/pasp/clap/iods/tsel/ac-3.dac3/tx3g.ftab/sbtt/stpp/...):
	// preserved verbatim per forward-compatibility policy.
	b.Raw = append([]byte(nil), r.Data()...)
	return b, nil
}

func assignPayload(b *Box, t BoxType, payload any) {
	switch p := payload.(type) {
	case *Ftyp:
		b.Ftyp = p
	case *Mvhd:
		b.Mvhd = p
	case *Tkhd:
		b.Tkhd = p
	case *Mdhd:
		b.Mdhd = p
	case *Hdlr:
		b.Hdlr = p
	case *Stts:
		b.Stts = p
	case *Ctts:
		b.Ctts = p
	case *Stsc:
		b.Stsc = p
	case *Stsz:
		b.Stsz = p
	case *Stco:
		b.Stco = p
	case *Co64:
		b.Co64 = p
	case *Stss:
		b.Stss = p
	case *Elst:
		b.Elst = p
	case *Mehd:
		b.Mehd = p
	case *Trex:
		b.Trex = p
	case *Mfhd:
		b.Mfhd = p
	case *Tfhd:
		b.Tfhd = p
	case *Tfdt:
		b.Tfdt = p
	case *Trun:
		b.Trun = p
	case *Sidx:
		b.Sidx = p
	case *Sbgp:
		b.Sbgp = p
	case *Pdin:
		b.Pdin = p
	case *Ilst:
		b.Ilst = p
	case *Elng:
		b.Elng = p
	case *AvcC:
		b.AvcC = p
	case *HvcC:
		b.HvcC = p
	case *Esds:
		b.Esds = p
	}
}

// EncodeToBytes serializes b (and its children) back to wire bytes.
func EncodeToBytes(b *Box) ([]byte, error) {
	// Two-pass: measure with a throwaway writer sized generously, then
	// shrink. The teacher's Writer requires a pre-sized backing buffer
	// (see writer.go's NewWriter contract), so estimate generously and
	// reallocate once if needed.
	buf := make([]byte, estimateSize(b))
	for {
		w := NewWriter(buf)
		if encodeBox(&w, b) {
			return append([]byte(nil), w.Bytes()...), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// estimateSize returns a generous upper bound so the single-shot Writer
// rarely needs to grow-and-retry.
func estimateSize(b *Box) int {
	n := 4096
	if b.IsMdat {
		n += len(b.Raw) + int(b.Data.Len())
	}
	for _, children := range b.Children {
		for _, c := range children {
			n += estimateSize(c)
		}
	}
	return n
}

// encodeBox writes b into w. It reports false (signaling "buffer too
// small, retry with a bigger one") if w ran out of room; the teacher's
// Writer does not grow, so EncodeToBytes handles the retry.
func encodeBox(w *Writer, b *Box) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if b.IsMdat {
		w.StartBox(TypeMdat)
		if len(b.Raw) > 0 {
			w.putBytes(b.Raw)
		}
		w.EndBox()
		return true
	}

	if enc, known := leafEncoders[b.Type]; known {
		enc(w, b)
		return true
	}

	if _, isSchematic := schematicContainers[b.Type]; isSchematic {
		encodeSchematicContainer(w, b)
		return true
	}

	if IsContainerBox(b.Type) {
		if IsFullBox(b.Type) {
			w.StartFullBox(b.Type, b.Version, b.Flags)
		} else {
			w.StartBox(b.Type)
		}
		encodeChildrenInOrder(w, b)
		w.EndBox()
		return true
	}

	// Opaque passthrough. avcC/hvcC/esds keep their body in the typed
	// payload's Raw rather than b.Raw.
	raw := b.Raw
	switch {
	case b.AvcC != nil:
		raw = b.AvcC.Raw
	case b.HvcC != nil:
		raw = b.HvcC.Raw
	case b.Esds != nil:
		raw = b.Esds.Raw
	}
	if IsFullBox(b.Type) {
		w.StartFullBox(b.Type, b.Version, b.Flags)
	} else {
		w.StartBox(b.Type)
	}
	w.putBytes(raw)
	w.EndBox()
	return true
}

func encodeSchematicContainer(w *Writer, b *Box) {
	if IsFullBox(b.Type) {
		w.StartFullBox(b.Type, b.Version, b.Flags)
	} else {
		w.StartBox(b.Type)
	}
	switch b.Type {
	case TypeStsd, TypeDref:
		count := uint32(0)
		for _, l := range b.Children {
			count += uint32(len(l))
		}
		w.putUint32(count)
	case TypeAvc1, TypeHvc1, TypeHev1:
		writeVisualEntryHeader(w, b.Visual)
	case TypeMp4a, TypeAc3:
		writeAudioEntryHeader(w, b.Audio)
	}
	encodeChildrenInOrder(w, b)
	w.EndBox()
}

func encodeChildrenInOrder(w *Writer, b *Box) {
	for _, order := range childOrderHint(b.Type) {
		for _, c := range b.Children[order] {
			encodeBox(w, c)
		}
	}
	// Emit any child types not covered by the order hint (forward
	// compatibility with vendor-extended containers).
	seen := map[BoxType]bool{}
	for _, t := range childOrderHint(b.Type) {
		seen[t] = true
	}
	for t, l := range b.Children {
		if seen[t] {
			continue
		}
		for _, c := range l {
			encodeBox(w, c)
		}
	}
}

// childOrderHint returns a canonical child emission order for
// containers where ISOBMFF readers are picky (stbl must list stsd
// before the time/chunk tables; moov lists mvhd before trak before
// mvex). Types not listed fall back to Go's (unordered) map iteration,
// which is harmless for containers without ordering constraints.
func childOrderHint(t BoxType) []BoxType {
	switch t {
	case TypeMoov:
		return []BoxType{TypeMvhd, TypeTrak, TypeMvex, TypeUdta}
	case TypeTrak:
		return []BoxType{TypeTkhd, TypeTref, TypeEdts, TypeMdia}
	case TypeMdia:
		return []BoxType{TypeMdhd, TypeHdlr, TypeMinf}
	case TypeMinf:
		return []BoxType{TypeVmhd, TypeSmhd, TypeNmhd, TypeSthd, TypeGmhd, TypeDinf, TypeStbl}
	case TypeStbl:
		return []BoxType{TypeStsd, TypeStts, TypeCtts, TypeStsc, TypeStsz, TypeStz2, TypeStco, TypeCo64, TypeStss, TypeSbgp, TypeSgpd}
	case TypeMvex:
		return []BoxType{TypeMehd, TypeTrex}
	case TypeMoof:
		return []BoxType{TypeMfhd, TypeTraf}
	case TypeTraf:
		return []BoxType{TypeTfhd, TypeTfdt, TypeTrun, TypeSbgp}
	case TypeEdts:
		return []BoxType{TypeElst}
	case TypeMeta:
		return []BoxType{TypeHdlr, TypeIlst}
	}
	return nil
}
