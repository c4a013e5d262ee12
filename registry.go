package bmff

import "github.com/vodpack/bmff/bmfferr"

// This file holds the declarative box registry: the typed payload
// structs, max_version per full-box type, and the schematic containers
// (fixed header bytes followed by child boxes). The per-type leaf
// decoders/encoders live in leaves.go. tree.go's Decode/Encode walk
// these tables instead of hand special-casing each fourcc inline.

// Ftyp / Styp payload.
type Ftyp struct {
	MajorBrand   BoxType
	MinorVersion uint32
	Compatible   []BoxType
}

// Mvhd payload.
type Mvhd struct {
	Timescale   uint32
	Duration    uint64
	Rate        Fixed32
	Volume      Fixed16
	Matrix      Matrix
	NextTrackID uint32
}

// Tkhd payload.
type Tkhd struct {
	Flags     uint32 // duplicated from Box.Flags for convenience
	TrackID   uint32
	Duration  uint64
	Layer     int16
	AltGroup  int16
	Volume    Fixed16
	Matrix    Matrix
	Width     Fixed32
	Height    Fixed32
}

// Mdhd payload.
type Mdhd struct {
	Timescale uint32
	Duration  uint64
	Language  uint16
}

// Hdlr payload.
type Hdlr struct {
	HandlerType BoxType
	Name        string
}

// Stsd is the sample description container; entries are its children
// keyed by the sample-entry fourcc (avc1, mp4a, tx3g, ...).
type Stsd struct {
	EntryCount uint32
}

type Stts struct{ Entries []SttsEntry }
type Ctts struct {
	Entries []CttsEntry
}
type Stsc struct{ Entries []StscEntry }
type Stsz struct {
	SampleSize uint32 // 0 means per-sample sizes follow
	Entries    []uint32
}
type Stco struct{ Entries []uint32 }
type Co64 struct{ Entries []uint64 }
type Stss struct{ Entries []uint32 }
type Elst struct{ Entries []ElstEntry }
type Mehd struct{ FragmentDuration uint64 }
type Trex struct {
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}
type Mfhd struct{ SequenceNumber uint32 }
type Tfhd struct {
	TrackID                       uint32
	BaseDataOffset                uint64
	SampleDescriptionIndex        uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}
type Tfdt struct{ BaseMediaDecodeTime uint64 }
type Trun struct {
	DataOffset       int32
	FirstSampleFlags uint32
	Entries          []TrunEntry
}
type Sidx struct {
	ReferenceID             uint32
	Timescale               uint32
	EarliestPresentationTime uint64
	FirstOffset             uint64
	Entries                 []SidxEntry
}
type Pdin struct {
	Entries []PdinEntry
}
type PdinEntry struct {
	Rate  uint32
	Delay uint32
}

// Sbgp (sample-to-group box) maps runs of samples to a sample-group
// description entry. GroupingType identifies which sgpd this box
// refers to; GroupingTypeParameter is only meaningful for version 1.
type Sbgp struct {
	GroupingType          BoxType
	GroupingTypeParameter uint32
	Entries               []SbgpEntry
}

// SbgpEntry is one (sample_count, group_description_index) run.
type SbgpEntry struct {
	SampleCount           uint32
	GroupDescriptionIndex uint32
}

// Ilst is the Apple metadata item list container; Items holds one
// parsed entry per child box (©nam, ©too, covr, ...), grounded in
// original_source/src/boxes/ilst.rs's AppleItem.
type Ilst struct {
	Items []AppleItem
}

// AppleItem is one ilst child: fourcc tag plus either plain UTF-8 text
// (flag==1 "data" payload) or an opaque blob for anything else.
type AppleItem struct {
	FourCC BoxType
	Text   string
	Blob   []byte
}

// Elng holds the IETF BCP 47 extended language tag carried by an elng
// box, overriding the packed ISO-639-2/T code in mdhd/Language.
type Elng struct {
	Language string
}

// AvcC holds the raw AVCDecoderConfigurationRecord plus the derived
// MIME codec suffix (e.g. "64001f").
type AvcC struct {
	MimeCodec string
	Raw       []byte
}

// HvcC holds the raw HEVCDecoderConfigurationRecord.
type HvcC struct {
	Raw []byte
}

// Esds holds the raw ES_Descriptor plus the derived MIME codec suffix
// (e.g. "40.2" for AAC-LC) and the DecoderConfigDescriptor's declared
// bitrates, in bits/sec.
type Esds struct {
	MimeCodec  string
	MaxBitrate uint32
	AvgBitrate uint32
	Raw        []byte
}

// VisualSampleEntryPayload is the fixed 78-byte header shared by avc1/hvc1/hev1.
type VisualSampleEntryPayload struct {
	DataReferenceIndex uint16
	Width, Height      uint16
	HResolution        Fixed32
	VResolution        Fixed32
	FrameCount         uint16
	CompressorName     string
	Depth              uint16
}

// AudioSampleEntryPayload is the fixed 28-byte header shared by mp4a/ac-3.
type AudioSampleEntryPayload struct {
	DataReferenceIndex uint16
	ChannelCount       uint16
	SampleSize         uint16
	SampleRate         Fixed32
}

// Tx3g is the subtitle sample entry used by spec.md's "tx3g" type.
type Tx3g struct {
	Raw []byte // style-box fields carried through opaque; ftab is a child
}

// containerDef describes a box whose payload is "fixed header bytes,
// then children" rather than a flat field list.
type containerDef struct {
	headerSkip int // bytes to skip after Enter() before children start
}

// schematicContainers lists boxes whose children follow a fixed-size
// non-child header within their own payload.
var schematicContainers = map[BoxType]containerDef{
	TypeStsd: {headerSkip: 4}, // entry count
	TypeDref: {headerSkip: 4}, // entry count
	TypeAvc1: {headerSkip: 78},
	TypeHvc1: {headerSkip: 78},
	TypeHev1: {headerSkip: 78},
	TypeMp4a: {headerSkip: 28},
	TypeAc3:  {headerSkip: 28},
}

// maxVersion gives the highest full-box version this implementation
// understands for a type; a higher version on the wire causes the box
// to be preserved as opaque (forward compatibility, spec.md §4.3 step 3).
var maxVersion = map[BoxType]uint8{
	TypeMvhd: 1, TypeTkhd: 1, TypeMdhd: 1, TypeHdlr: 0,
	TypeVmhd: 0, TypeSmhd: 0, TypeDref: 0, TypeStsd: 0,
	TypeStts: 0, TypeCtts: 1, TypeStsc: 0, TypeStsz: 0, TypeStz2: 0,
	TypeStco: 0, TypeCo64: 0, TypeStss: 0, TypeElst: 1,
	TypeMeta: 0, TypeEsds: 0, TypeMehd: 1, TypeTrex: 0,
	TypeMfhd: 0, TypeTfhd: 0, TypeTfdt: 1, TypeTrun: 1,
	TypeSbgp: 1, TypeSgpd: 1, TypeSaiz: 0, TypeSaio: 1,
	TypeCslg: 1, TypeSdtp: 0, TypeSidx: 1, TypeEmsg: 1,
	TypePdin: 0, TypeElng: 0,
}

// checkVersion reports whether version is within this implementation's
// understanding of t, per the max_version table above. Types absent
// from the table are assumed version-0-only if they're full boxes at
// all, matching the conservative forward-compatibility default.
func checkVersion(t BoxType, version uint8) error {
	if mv, ok := maxVersion[t]; ok {
		if version > mv {
			return bmfferr.New(bmfferr.KindUnknownBox, "box %s version %d exceeds max_version %d", t, version, mv)
		}
		return nil
	}
	if IsFullBox(t) && version != 0 {
		return bmfferr.New(bmfferr.KindUnknownBox, "box %s version %d not recognized", t, version)
	}
	return nil
}
