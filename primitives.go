package bmff

import "github.com/vodpack/bmff/bmfferr"

// Fixed32 is a 16.16 fixed-point value (used for mvhd.rate, width/height).
type Fixed32 uint32

// Float returns the fixed-point value as a float64.
func (f Fixed32) Float() float64 { return float64(f) / 65536 }

// NewFixed32 packs a float64 into 16.16 fixed point.
func NewFixed32(v float64) Fixed32 { return Fixed32(v * 65536) }

// Fixed16 is an 8.8 fixed-point value (used for mvhd.volume).
type Fixed16 uint16

// Float returns the fixed-point value as a float64.
func (f Fixed16) Float() float64 { return float64(f) / 256 }

// NewFixed16 packs a float64 into 8.8 fixed point.
func NewFixed16(v float64) Fixed16 { return Fixed16(v * 256) }

// Matrix is the 3x3 transformation matrix carried by mvhd/tkhd, stored
// as nine 32-bit big-endian fixed-point values in row-major order.
type Matrix [9]int32

// IdentityMatrix is the unity transform {1,0,0, 0,1,0, 0,0,0x40000000}.
var IdentityMatrix = Matrix{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// PutMatrix writes m as 36 big-endian bytes.
func PutMatrix(buf []byte, m Matrix) {
	for i, v := range m {
		be.PutUint32(buf[i*4:], uint32(v))
	}
}

// ReadMatrix reads 36 bytes into a Matrix.
func ReadMatrix(buf []byte) Matrix {
	var m Matrix
	for i := range m {
		m[i] = int32(be.Uint32(buf[i*4:]))
	}
	return m
}

// PackLanguage packs an ISO-639-2/T code into the 16-bit representation
// used by mdhd/elng: three 5-bit letters biased by 0x60, with the top
// bit reserved as zero ("pad" bit).
func PackLanguage(code string) uint16 {
	if len(code) != 3 {
		return 0
	}
	var v uint16
	for i := 0; i < 3; i++ {
		v = v<<5 | uint16(code[i]-0x60)
	}
	return v
}

// UnpackLanguage reverses PackLanguage.
func UnpackLanguage(v uint16) string {
	var b [3]byte
	b[2] = byte(v&0x1f) + 0x60
	v >>= 5
	b[1] = byte(v&0x1f) + 0x60
	v >>= 5
	b[0] = byte(v&0x1f) + 0x60
	return string(b[:])
}

// VersionForDuration returns 1 if the duration does not fit in 32 bits,
// else 0. Used to derive the full-box version for mvhd/tkhd/mdhd/tfdt.
func VersionForDuration(d uint64) uint8 {
	if d > uint32Max {
		return 1
	}
	return 0
}

// PascalString reads a length-prefixed string: one length byte followed
// by that many bytes of text.
func PascalString(data []byte) (s string, n int) {
	if len(data) == 0 {
		return "", 0
	}
	l := int(data[0])
	if 1+l > len(data) {
		l = len(data) - 1
	}
	return string(data[1 : 1+l]), 1 + l
}

// PutPascalString writes a length-prefixed string, truncating to 255 bytes.
func PutPascalString(buf []byte, s string) int {
	l := min(len(s), 255)
	buf[0] = byte(l)
	copy(buf[1:], s[:l])
	return 1 + l
}

// CString reads a NUL-terminated string. n is the number of bytes
// consumed including the terminator (or len(data) if unterminated).
func CString(data []byte) (s string, n int) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), i + 1
		}
	}
	return string(data), len(data)
}

// BitReader reads individual bits MSB-first from a byte slice, used for
// parameter-set parsing (SPS/PPS-style exp-Golomb codes embedded in
// avcC/hvcC) and for any bespoke bit-packed box field.
type BitReader struct {
	buf  []byte
	pos  int // bit position
	nbit int // total bits available
}

// NewBitReader creates a BitReader over buf.
func NewBitReader(buf []byte) *BitReader {
	return &BitReader{buf: buf, nbit: len(buf) * 8}
}

// ReadBit reads a single bit.
func (r *BitReader) ReadBit() (uint32, error) {
	if r.pos >= r.nbit {
		return 0, bmfferr.New(bmfferr.KindMalformed, "bit reader: unexpected EOF")
	}
	byteIdx := r.pos >> 3
	bitIdx := 7 - uint(r.pos&7)
	r.pos++
	return uint32(r.buf[byteIdx]>>bitIdx) & 1, nil
}

// ReadBits reads n (<=32) bits and returns them as an unsigned value.
func (r *BitReader) ReadBits(n int) (uint32, error) {
	var v uint32
	for range n {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

// ReadUE reads an unsigned Exp-Golomb code.
func (r *BitReader) ReadUE() (uint32, error) {
	leadingZeros := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeros++
		if leadingZeros > 32 {
			return 0, bmfferr.New(bmfferr.KindMalformed, "exp-golomb code too long")
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	rest, err := r.ReadBits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return (1 << uint(leadingZeros)) - 1 + rest, nil
}

// ReadUEMax reads an unsigned Exp-Golomb code and fails if it exceeds max.
func (r *BitReader) ReadUEMax(max uint32) (uint32, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, bmfferr.New(bmfferr.KindMalformed, "exp-golomb value %d exceeds bound %d", v, max)
	}
	return v, nil
}

// ReadSE reads a signed Exp-Golomb code (used by SPS-level fields such
// as pic_init_qp_minus26).
func (r *BitReader) ReadSE() (int32, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v&1 != 0 {
		return int32(v+1) / 2, nil
	}
	return -int32(v) / 2, nil
}

// Remaining returns the number of unread bits.
func (r *BitReader) Remaining() int { return r.nbit - r.pos }
