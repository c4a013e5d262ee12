package bmff

import "github.com/vodpack/bmff/bmfferr"

// leafDecoder parses a leaf box's full-box-stripped data into a typed
// payload. version/flags are the full-box header fields (0 for boxes
// that aren't full boxes).
type leafDecoder func(data []byte, version uint8, flags uint32) (any, error)

// leafEncoder serializes a *Box (already holding a typed payload field)
// back onto w, including the StartBox/EndBox framing.
type leafEncoder func(w *Writer, b *Box)

var leafDecoders = map[BoxType]leafDecoder{
	TypeFtyp: decodeFtyp,
	TypeStyp: decodeFtyp,
	TypeMvhd: decodeMvhd,
	TypeTkhd: decodeTkhd,
	TypeMdhd: decodeMdhd,
	TypeHdlr: decodeHdlr,
	TypeStts: decodeStts,
	TypeCtts: decodeCtts,
	TypeStsc: decodeStsc,
	TypeStsz: decodeStsz,
	TypeStco: decodeStco,
	TypeCo64: decodeCo64,
	TypeStss: decodeStss,
	TypeElst: decodeElst,
	TypeMehd: decodeMehd,
	TypeTrex: decodeTrex,
	TypeMfhd: decodeMfhd,
	TypeTfhd: decodeTfhd,
	TypeTfdt: decodeTfdt,
	TypeTrun: decodeTrun,
	TypeSidx: decodeSidx,
	TypeSbgp: decodeSbgp,
	TypePdin: decodePdin,
	TypeIlst: decodeIlst,
	TypeElng: decodeElng,
	TypeAvcC: decodeAvcC,
	TypeHvcC: decodeHvcC,
	TypeEsds: decodeEsds,
}

var leafEncoders = map[BoxType]leafEncoder{
	TypeFtyp: encodeFtyp(TypeFtyp),
	TypeStyp: encodeFtyp(TypeStyp),
	TypeMvhd: encodeMvhd,
	TypeTkhd: encodeTkhd,
	TypeMdhd: encodeMdhd,
	TypeHdlr: encodeHdlr,
	TypeStts: encodeStts,
	TypeCtts: encodeCtts,
	TypeStsc: encodeStsc,
	TypeStsz: encodeStsz,
	TypeStco: encodeStco,
	TypeCo64: encodeCo64,
	TypeStss: encodeStss,
	TypeElst: encodeElst,
	TypeMehd: encodeMehd,
	TypeTrex: encodeTrex,
	TypeMfhd: encodeMfhd,
	TypeTfhd: encodeTfhd,
	TypeTfdt: encodeTfdt,
	TypeTrun: encodeTrun,
	TypeSidx: encodeSidx,
	TypeSbgp: encodeSbgp,
	TypePdin: encodePdin,
	TypeIlst: encodeIlst,
	TypeElng: encodeElng,
}

func decodeFtyp(data []byte, _ uint8, _ uint32) (any, error) {
	if len(data) < 8 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "ftyp too short")
	}
	info := ReadFtyp(data)
	f := &Ftyp{MinorVersion: info.MinorVersion}
	copy(f.MajorBrand[:], info.MajorBrand[:])
	for _, c := range info.Compatible {
		var bt BoxType
		copy(bt[:], c[:])
		f.Compatible = append(f.Compatible, bt)
	}
	return f, nil
}

func encodeFtyp(t BoxType) leafEncoder {
	return func(w *Writer, b *Box) {
		f := b.Ftyp
		compat := make([][4]byte, len(f.Compatible))
		for i, c := range f.Compatible {
			compat[i] = [4]byte(c)
		}
		if t == TypeStyp {
			w.WriteStyp([4]byte(f.MajorBrand), f.MinorVersion, compat)
		} else {
			w.WriteFtyp([4]byte(f.MajorBrand), f.MinorVersion, compat)
		}
	}
}

func decodeMvhd(data []byte, version uint8, _ uint32) (any, error) {
	r := fullBoxReader(TypeMvhd, data, version)
	ts, dur, next := r.ReadMvhd()
	return &Mvhd{Timescale: ts, Duration: dur, NextTrackID: next, Rate: NewFixed32(1), Volume: NewFixed16(1), Matrix: IdentityMatrix}, nil
}

func encodeMvhd(w *Writer, b *Box) {
	w.WriteMvhd(b.Mvhd.Timescale, b.Mvhd.Duration, b.Mvhd.NextTrackID)
}

func decodeTkhd(data []byte, version uint8, flags uint32) (any, error) {
	r := fullBoxReader(TypeTkhd, data, version)
	id, dur, width, height := r.ReadTkhd()
	return &Tkhd{
		Flags: flags, TrackID: id, Duration: dur,
		Width: Fixed32(width), Height: Fixed32(height), Matrix: IdentityMatrix,
	}, nil
}

func encodeTkhd(w *Writer, b *Box) {
	w.WriteTkhd(b.Tkhd.Flags, b.Tkhd.TrackID, b.Tkhd.Duration, uint32(b.Tkhd.Width), uint32(b.Tkhd.Height))
}

func decodeMdhd(data []byte, version uint8, _ uint32) (any, error) {
	r := fullBoxReader(TypeMdhd, data, version)
	ts, dur, lang := r.ReadMdhd()
	return &Mdhd{Timescale: ts, Duration: dur, Language: lang}, nil
}

func encodeMdhd(w *Writer, b *Box) {
	w.WriteMdhd(b.Mdhd.Timescale, b.Mdhd.Duration, b.Mdhd.Language)
}

// prependFullBoxHeader rebuilds the 4-byte version+flags prefix that
// ReadMvhd/ReadTkhd/ReadMdhd and the other full-box Reader methods
// expect Reader.Data() to follow, since the tree decoder already
// stripped it off when handing `data` to us.
func prependFullBoxHeader(data []byte, version uint8) []byte {
	out := make([]byte, 4+len(data))
	out[0] = version
	copy(out[4:], data)
	return out
}

// fullBoxReader rebuilds a Reader positioned over a full box's payload
// (version set, data following the 4-byte version+flags prefix) so its
// existing ReadXxx methods can be reused from a leaf decoder that only
// received the box's post-full-box-header bytes.
func fullBoxReader(t BoxType, data []byte, version uint8) *Reader {
	r := &Reader{buf: prependFullBoxHeader(data, version), end: len(data) + 4}
	r.boxType = t
	r.version = version
	r.dataStart = 4
	r.boxEnd = r.end
	return r
}

// plainBoxReader rebuilds a Reader positioned directly over a non-full
// box's payload, for leaf decoders whose Reader methods don't consult
// version/flags.
func plainBoxReader(t BoxType, data []byte) *Reader {
	r := &Reader{buf: data, end: len(data)}
	r.boxType = t
	r.boxEnd = r.end
	return r
}

func decodeHdlr(data []byte, _ uint8, _ uint32) (any, error) {
	if len(data) < 8 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "hdlr too short")
	}
	var ht BoxType
	copy(ht[:], data[4:8])
	name := ""
	if len(data) > 20 {
		end := 20
		for end < len(data) && data[end] != 0 {
			end++
		}
		name = string(data[20:end])
	}
	return &Hdlr{HandlerType: ht, Name: name}, nil
}

func encodeHdlr(w *Writer, b *Box) {
	w.WriteHdlr([4]byte(b.Hdlr.HandlerType), b.Hdlr.Name)
}

func decodeStts(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewSttsIter(data)
	s := &Stts{}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}
func encodeStts(w *Writer, b *Box) { w.WriteStts(b.Stts.Entries) }

func decodeCtts(data []byte, version uint8, _ uint32) (any, error) {
	it := NewCttsIter(data, version)
	c := &Ctts{}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		c.Entries = append(c.Entries, e)
	}
	return c, nil
}
func encodeCtts(w *Writer, b *Box) { w.WriteCtts(b.Ctts.Entries) }

func decodeStsc(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewStscIter(data)
	s := &Stsc{}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}
func encodeStsc(w *Writer, b *Box) { w.WriteStsc(b.Stsc.Entries) }

func decodeStsz(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewStszIter(data)
	s := &Stsz{SampleSize: be.Uint32(data[0:4])}
	if s.SampleSize == 0 {
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			s.Entries = append(s.Entries, v)
		}
	}
	return s, nil
}
func encodeStsz(w *Writer, b *Box) { w.WriteStsz(b.Stsz.SampleSize, b.Stsz.Entries) }

func decodeStco(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewUint32Iter(data)
	s := &Stco{}
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		s.Entries = append(s.Entries, v)
	}
	return s, nil
}
func encodeStco(w *Writer, b *Box) { w.WriteStco(b.Stco.Entries) }

func decodeCo64(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewCo64Iter(data)
	s := &Co64{}
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		s.Entries = append(s.Entries, v)
	}
	return s, nil
}
func encodeCo64(w *Writer, b *Box) { w.WriteCo64(b.Co64.Entries) }

func decodeStss(data []byte, _ uint8, _ uint32) (any, error) {
	it := NewUint32Iter(data)
	s := &Stss{}
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		s.Entries = append(s.Entries, v)
	}
	return s, nil
}
func encodeStss(w *Writer, b *Box) { w.WriteStss(b.Stss.Entries) }

func decodeElst(data []byte, version uint8, _ uint32) (any, error) {
	it := NewElstIter(data, version)
	e := &Elst{}
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		e.Entries = append(e.Entries, entry)
	}
	return e, nil
}
func encodeElst(w *Writer, b *Box) { w.WriteElst(b.Elst.Entries) }

func decodeMehd(data []byte, version uint8, _ uint32) (any, error) {
	r := fullBoxReader(TypeMehd, data, version)
	return &Mehd{FragmentDuration: r.ReadMehd()}, nil
}
func encodeMehd(w *Writer, b *Box) { w.WriteMehd(b.Mehd.FragmentDuration) }

func decodeTrex(data []byte, _ uint8, _ uint32) (any, error) {
	if len(data) < 20 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "trex too short")
	}
	r := plainBoxReader(TypeTrex, data)
	id, descIdx, dur, size, flags := r.ReadTrex()
	return &Trex{
		TrackID: id, DefaultSampleDescriptionIndex: descIdx,
		DefaultSampleDuration: dur, DefaultSampleSize: size, DefaultSampleFlags: flags,
	}, nil
}
func encodeTrex(w *Writer, b *Box) {
	t := b.Trex
	w.WriteTrex(t.TrackID, t.DefaultSampleDescriptionIndex, t.DefaultSampleDuration, t.DefaultSampleSize, t.DefaultSampleFlags)
}

func decodeMfhd(data []byte, _ uint8, _ uint32) (any, error) {
	if len(data) < 4 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "mfhd too short")
	}
	r := plainBoxReader(TypeMfhd, data)
	return &Mfhd{SequenceNumber: r.ReadMfhd()}, nil
}
func encodeMfhd(w *Writer, b *Box) { w.WriteMfhd(b.Mfhd.SequenceNumber) }

func decodeTfhd(data []byte, _ uint8, flags uint32) (any, error) {
	if len(data) < 4 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "tfhd too short")
	}
	r := plainBoxReader(TypeTfhd, data)
	t := r.ReadTfhdOptional(flags)
	return &t, nil
}

func encodeTfhd(w *Writer, b *Box) { w.WriteTfhd(b.Flags, *b.Tfhd) }

func decodeTfdt(data []byte, version uint8, _ uint32) (any, error) {
	r := fullBoxReader(TypeTfdt, data, version)
	return &Tfdt{BaseMediaDecodeTime: r.ReadTfdt()}, nil
}
func encodeTfdt(w *Writer, b *Box) { w.WriteTfdt(b.Tfdt.BaseMediaDecodeTime) }

func decodeTrun(data []byte, _ uint8, flags uint32) (any, error) {
	it := NewTrunIter(data, flags)
	t := &Trun{DataOffset: it.DataOffset(), FirstSampleFlags: it.FirstSampleFlags()}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		t.Entries = append(t.Entries, e)
	}
	return t, nil
}
func encodeTrun(w *Writer, b *Box) { w.WriteTrun(b.Flags, b.Trun.DataOffset, b.Trun.Entries) }

func decodeSidx(data []byte, version uint8, _ uint32) (any, error) {
	if len(data) < 12 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "sidx too short")
	}
	r := fullBoxReader(TypeSidx, data, version)
	s := r.ReadSidx()
	if s == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "sidx too short")
	}
	return s, nil
}
func encodeSidx(w *Writer, b *Box) {
	s := b.Sidx
	w.WriteSidx(s.ReferenceID, s.Timescale, s.EarliestPresentationTime, s.FirstOffset, s.Entries)
}

func decodeSbgp(data []byte, version uint8, _ uint32) (any, error) {
	if len(data) < 8 {
		return nil, bmfferr.New(bmfferr.KindMalformed, "sbgp too short")
	}
	r := fullBoxReader(TypeSbgp, data, version)
	s := r.ReadSbgp()
	if s == nil {
		return nil, bmfferr.New(bmfferr.KindMalformed, "sbgp v1 too short")
	}
	return s, nil
}

func encodeSbgp(w *Writer, b *Box) { w.WriteSbgp(*b.Sbgp) }

func decodePdin(data []byte, _ uint8, _ uint32) (any, error) {
	r := plainBoxReader(TypePdin, data)
	return r.ReadPdin(), nil
}

func encodePdin(w *Writer, b *Box) { w.WritePdin(b.Pdin.Entries) }

func decodeIlst(data []byte, _ uint8, _ uint32) (any, error) {
	r := plainBoxReader(TypeIlst, data)
	return r.ReadIlst(), nil
}

func encodeIlst(w *Writer, b *Box) { w.WriteIlst(b.Ilst.Items) }

func decodeElng(data []byte, version uint8, _ uint32) (any, error) {
	r := fullBoxReader(TypeElng, data, version)
	return &Elng{Language: r.ReadElng()}, nil
}

func encodeElng(w *Writer, b *Box) { w.WriteElng(b.Elng.Language) }

func decodeAvcC(data []byte, _ uint8, _ uint32) (any, error) {
	return &AvcC{MimeCodec: ReadAvcC(data), Raw: append([]byte(nil), data...)}, nil
}

func decodeHvcC(data []byte, _ uint8, _ uint32) (any, error) {
	return &HvcC{Raw: append([]byte(nil), data...)}, nil
}

func decodeEsds(data []byte, _ uint8, _ uint32) (any, error) {
	info := ReadEsdsInfo(data)
	return &Esds{
		MimeCodec:  info.MimeCodec,
		MaxBitrate: info.MaxBitrate,
		AvgBitrate: info.AvgBitrate,
		Raw:        append([]byte(nil), data...),
	}, nil
}

func visualEntryFromData(data []byte) *VisualSampleEntryPayload {
	e := ReadVisualSampleEntry(data)
	return &VisualSampleEntryPayload{
		DataReferenceIndex: e.DataReferenceIndex, Width: e.Width, Height: e.Height,
		HResolution: Fixed32(e.HResolution), VResolution: Fixed32(e.VResolution),
		FrameCount: e.FrameCount, CompressorName: e.CompressorName, Depth: e.Depth,
	}
}

func audioEntryFromData(data []byte) *AudioSampleEntryPayload {
	e := ReadAudioSampleEntry(data)
	return &AudioSampleEntryPayload{
		DataReferenceIndex: e.DataReferenceIndex, ChannelCount: e.ChannelCount,
		SampleSize: e.SampleSize, SampleRate: Fixed32(e.SampleRate),
	}
}

func writeVisualEntryHeader(w *Writer, v *VisualSampleEntryPayload) {
	w.WriteVisualSampleEntry(v.DataReferenceIndex, v.Width, v.Height, v.FrameCount, v.Depth, v.CompressorName)
}

func writeAudioEntryHeader(w *Writer, a *AudioSampleEntryPayload) {
	w.WriteAudioSampleEntry(a.DataReferenceIndex, a.ChannelCount, a.SampleSize, uint32(a.SampleRate))
}
