package bmff

import (
	"io"
	"os"
	"sync"

	"github.com/vodpack/bmff/bmfferr"
	"github.com/vodpack/bmff/internal/mmapio"
)

// DataRef is a cheap-to-clone reference into a shared file handle: a
// byte range that is never loaded eagerly. The fragment builder and
// virtual stream use it to read sample bytes on demand via
// ReadExactAt, rather than holding mdat bodies in the box tree.
type DataRef struct {
	file  *os.File
	Start int64
	End   int64 // exclusive
}

// Len returns the length of the referenced range.
func (d DataRef) Len() int64 { return d.End - d.Start }

// ReadExactAt reads exactly len(buf) bytes starting at offset (relative
// to the start of the referenced range) into buf.
func (d DataRef) ReadExactAt(buf []byte, offset int64) error {
	if offset < 0 || offset+int64(len(buf)) > d.Len() {
		return bmfferr.New(bmfferr.KindMalformed, "read outside mapped segment")
	}
	_, err := d.file.ReadAt(buf, d.Start+offset)
	if err != nil && err != io.EOF {
		return bmfferr.Wrap(bmfferr.KindMalformed, err, "read_exact_at")
	}
	return nil
}

// Sub returns a DataRef over [start, end) relative to d.
func (d DataRef) Sub(start, end int64) DataRef {
	return DataRef{file: d.file, Start: d.Start + start, End: d.Start + end}
}

// mappedRange is a byte range of the source file that has been
// memory-mapped, except for mdat bodies (see SourceReader policy).
type mappedRange struct {
	start, end int64
	region     *mmapio.Region
}

// SourceReader walks top-level boxes of a file, memory-mapping every
// range except mdat bodies by default (policy: mdat bodies are large
// and read lazily via DataRef.ReadExactAt). Passing ForceMapAll maps
// the entire file instead, which suits CMAF inputs whose mdats are
// small and numerous.
type SourceReader struct {
	f            *os.File
	size         int64
	ForceMapAll  bool
	mu           sync.Mutex
	ranges       []mappedRange
	wholeFile    *mmapio.Region
	wholeMapped  bool
}

// OpenSource opens path and prepares it for box scanning.
func OpenSource(path string, forceMapAll bool) (*SourceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SourceReader{f: f, size: fi.Size(), ForceMapAll: forceMapAll}, nil
}

// Size returns the total file size.
func (s *SourceReader) Size() int64 { return s.size }

// File returns the underlying *os.File.
func (s *SourceReader) File() *os.File { return s.f }

// Ref returns a DataRef over [start, end) of the source file.
func (s *SourceReader) Ref(start, end int64) DataRef {
	return DataRef{file: s.f, Start: start, End: end}
}

// MapRanges memory-maps every [start,end) pair supplied, skipping mdat
// bodies unless ForceMapAll is set. Callers pass the top-level box
// ranges discovered via Scanner.
func (s *SourceReader) MapRanges(ranges [][2]int64, mdat func(start, end int64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ForceMapAll {
		region, err := mmapio.Map(s.f, 0, int(s.size))
		if err != nil {
			return err
		}
		s.wholeFile = region
		s.wholeMapped = true
		return nil
	}

	for _, r := range ranges {
		if mdat != nil && mdat(r[0], r[1]) {
			continue
		}
		region, err := mmapio.Map(s.f, pageAlign(r[0]), int(r[1]-pageAlign(r[0])))
		if err != nil {
			return err
		}
		s.ranges = append(s.ranges, mappedRange{start: r[0], end: r[1], region: region})
	}
	return nil
}

// ReadMapped returns a slice over the mapped view of [start,end), or an
// error if the range wasn't mapped (typically an mdat body, which must
// be read through a DataRef instead).
func (s *SourceReader) ReadMapped(start, end int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wholeMapped {
		return s.wholeFile.Bytes()[start:end], nil
	}
	for _, r := range s.ranges {
		if start >= r.start && end <= r.end {
			off := pageAlign(r.start)
			return r.region.Bytes()[start-off : end-off], nil
		}
	}
	return nil, bmfferr.New(bmfferr.KindMalformed, "read outside mapped segment [%d,%d)", start, end)
}

// Close unmaps all regions and closes the file.
func (s *SourceReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wholeFile != nil {
		s.wholeFile.Close()
	}
	for _, r := range s.ranges {
		r.region.Close()
	}
	return s.f.Close()
}

func pageAlign(off int64) int64 {
	pg := int64(mmapio.PageSize())
	return (off / pg) * pg
}

// CountingWriter tracks the number of bytes that would be written
// without writing them. The fragment package does not use it: it sizes
// a moof by encoding it once with placeholder data_offset values.
type CountingWriter struct {
	n int64
}

// Write implements io.Writer, discarding data and counting length.
func (c *CountingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Len returns the total bytes counted so far.
func (c *CountingWriter) Len() int64 { return c.n }

// Reset zeroes the counter.
func (c *CountingWriter) Reset() { c.n = 0 }

// BufWriter is a growable in-memory byte sink implementing io.Writer.
type BufWriter struct {
	buf []byte
}

// NewBufWriter creates a BufWriter with the given initial capacity hint.
func NewBufWriter(capHint int) *BufWriter {
	return &BufWriter{buf: make([]byte, 0, capHint)}
}

func (b *BufWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the accumulated buffer.
func (b *BufWriter) Bytes() []byte { return b.buf }

// Len returns the number of bytes written so far.
func (b *BufWriter) Len() int { return len(b.buf) }
