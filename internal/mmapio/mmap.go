// Package mmapio wraps golang.org/x/sys/unix memory-mapping for the
// source-mapped reader used by the root bmff package and by the stream
// package's virtual-file read path.
package mmapio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped byte range of a file. It must be unmapped
// via Close once the caller is done with it.
type Region struct {
	data []byte
}

// Map maps the region [offset, offset+length) of f for reading.
// offset must be a multiple of the system page size; callers that need
// an arbitrary byte range should round down and slice the result.
func Map(f *os.File, offset int64, length int) (*Region, error) {
	if length == 0 {
		return &Region{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset=%d length=%d: %w", offset, length, err)
	}
	return &Region{data: data}, nil
}

// Bytes returns the mapped region.
func (r *Region) Bytes() []byte { return r.data }

// Advise hints the kernel about expected access pattern (e.g.
// MADV_SEQUENTIAL while streaming a fragment range).
func (r *Region) Advise(sequential bool) error {
	if len(r.data) == 0 {
		return nil
	}
	advice := unix.MADV_RANDOM
	if sequential {
		advice = unix.MADV_SEQUENTIAL
	}
	return unix.Madvise(r.data, advice)
}

// Close unmaps the region.
func (r *Region) Close() error {
	if len(r.data) == 0 {
		return nil
	}
	data := r.data
	r.data = nil
	return unix.Munmap(data)
}

// PageSize returns the system's memory page size.
func PageSize() int {
	return os.Getpagesize()
}
