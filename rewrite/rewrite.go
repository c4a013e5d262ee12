// Package rewrite relocates a moov box to the front of an MP4 file
// ("movie-at-front" / faststart rewriting) so a player or HTTP range
// server can start playback without first reading the whole file.
//
// Grounded in the teacher's remux/remuxer.go box-tree walking style,
// generalized from "parse once, remux into fragments" to "parse once,
// patch chunk offsets in place, re-splice the same bytes".
package rewrite

import (
	"fmt"
	"io"
	"os"

	"github.com/vodpack/bmff"
)

// Rewrite reads the MP4 file at path and writes a movie-at-front copy
// to w. It is a no-op copy (still re-encodes moov, but leaves sample
// data untouched) when the moov box is already positioned before every
// mdat it references.
func Rewrite(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	entries, decoded, err := bmff.ScanTopLevel(f, func(t bmff.BoxType) bool { return t == bmff.TypeMoov })
	if err != nil {
		return fmt.Errorf("scanning top-level boxes: %w", err)
	}
	moov := decoded[bmff.TypeMoov]
	if moov == nil {
		return fmt.Errorf("no moov box found")
	}

	moovIdx := -1
	for i, e := range entries {
		if e.Type == bmff.TypeMoov {
			moovIdx = i
			break
		}
	}
	oldMoovOffset := entries[moovIdx].Offset
	oldMoovSize := entries[moovIdx].Size

	// The ftyp box, when it is the first top-level box, stays at the
	// front verbatim; insertionOffset is where the rewritten moov will be
	// spliced in, immediately after it. Any other box ahead of moov (a
	// free box, say) is copied after the rewritten moov.
	insertionOffset := int64(0)
	if len(entries) > 0 && entries[0].Type == bmff.TypeFtyp {
		insertionOffset = entries[0].Offset + entries[0].Size
	}
	if oldMoovOffset < insertionOffset {
		// moov starts before the end of the kept head; splice the
		// rewritten moov in at moov's own offset instead.
		insertionOffset = oldMoovOffset
	}

	newMoovBuf, err := patchAndEncode(moov, insertionOffset, oldMoovOffset, oldMoovSize)
	if err != nil {
		return err
	}

	return spliceAndWrite(w, f, size, insertionOffset, oldMoovOffset, oldMoovSize, newMoovBuf)
}

// patchAndEncode runs the fixed-point loop: patch every track's chunk
// offsets by the delta implied by moving moov to insertionOffset,
// promoting stco to co64 wherever an offset would overflow 32 bits,
// then re-encode and recheck (the re-encoded moov's size changes when a
// table is promoted, which changes the delta, which can in turn push
// more entries over the 32-bit line).
func patchAndEncode(moov *bmff.Box, insertionOffset, oldMoovOffset, oldMoovSize int64) ([]byte, error) {
	// Snapshot the pre-patch offsets once: each round recomputes the
	// shift from these originals rather than compounding deltas onto an
	// already-patched table.
	original := snapshotOffsets(moov)

	var encoded []byte
	newMoovSize := int64(0)
	for range 4 {
		shift := func(x int64) int64 {
			switch {
			case x < insertionOffset:
				return 0
			case x < oldMoovOffset:
				return newMoovSize
			default:
				return newMoovSize - oldMoovSize
			}
		}
		restoreAndShift(original, shift)
		buf, err := bmff.EncodeToBytes(moov)
		if err != nil {
			return nil, fmt.Errorf("encoding moov: %w", err)
		}
		encoded = buf
		if int64(len(buf)) == newMoovSize {
			break
		}
		newMoovSize = int64(len(buf))
	}
	return encoded, nil
}

type trackOffsets struct {
	stbl   *bmff.Box
	isStco bool
	values []int64
}

// snapshotOffsets captures every track's original chunk offsets before
// any patching, so each fixed-point round can recompute from scratch.
func snapshotOffsets(moov *bmff.Box) []trackOffsets {
	var out []trackOffsets
	for _, trak := range moov.ChildList(bmff.TypeTrak) {
		stbl := findStbl(trak)
		if stbl == nil {
			continue
		}
		if stcoBox := stbl.Child(bmff.TypeStco); stcoBox != nil && stcoBox.Stco != nil {
			values := make([]int64, len(stcoBox.Stco.Entries))
			for i, v := range stcoBox.Stco.Entries {
				values[i] = int64(v)
			}
			out = append(out, trackOffsets{stbl: stbl, isStco: true, values: values})
		} else if co64Box := stbl.Child(bmff.TypeCo64); co64Box != nil && co64Box.Co64 != nil {
			values := make([]int64, len(co64Box.Co64.Entries))
			for i, v := range co64Box.Co64.Entries {
				values[i] = int64(v)
			}
			out = append(out, trackOffsets{stbl: stbl, isStco: false, values: values})
		}
	}
	return out
}

// restoreAndShift reapplies shift(original) to every track, promoting
// stco to co64 in place whenever a shifted value overflows 32 bits.
func restoreAndShift(original []trackOffsets, shift func(int64) int64) {
	for _, t := range original {
		shifted := make([]int64, len(t.values))
		overflow := false
		for i, v := range t.values {
			shifted[i] = v + shift(v)
			if shifted[i] > 0xFFFFFFFF {
				overflow = true
			}
		}
		if t.isStco && !overflow {
			entries := make([]uint32, len(shifted))
			for i, v := range shifted {
				entries[i] = uint32(v)
			}
			t.stbl.Children[bmff.TypeStco][0].Stco = &bmff.Stco{Entries: entries}
			continue
		}
		entries := make([]uint64, len(shifted))
		for i, v := range shifted {
			entries[i] = uint64(v)
		}
		co64 := &bmff.Co64{Entries: entries}
		if t.isStco {
			replaceChild(t.stbl, bmff.TypeStco, bmff.TypeCo64, co64)
		} else {
			t.stbl.Children[bmff.TypeCo64][0].Co64 = co64
		}
	}
}

func findStbl(trak *bmff.Box) *bmff.Box {
	mdia := trak.Child(bmff.TypeMdia)
	if mdia == nil {
		return nil
	}
	minf := mdia.Child(bmff.TypeMinf)
	if minf == nil {
		return nil
	}
	return minf.Child(bmff.TypeStbl)
}

// replaceChild swaps the single stco child of stbl for a fresh co64
// box carrying the promoted entries.
func replaceChild(stbl *bmff.Box, from, to bmff.BoxType, payload *bmff.Co64) {
	delete(stbl.Children, from)
	newBox := &bmff.Box{Type: to, Co64: payload}
	if stbl.Children == nil {
		stbl.Children = map[bmff.BoxType][]*bmff.Box{}
	}
	stbl.Children[to] = []*bmff.Box{newBox}
}

func spliceAndWrite(w io.Writer, f *os.File, fileSize, insertionOffset, oldMoovOffset, oldMoovSize int64, newMoov []byte) error {
	if _, err := io.CopyN(w, io.NewSectionReader(f, 0, insertionOffset), insertionOffset); err != nil {
		return fmt.Errorf("copying head: %w", err)
	}
	if _, err := w.Write(newMoov); err != nil {
		return fmt.Errorf("writing relocated moov: %w", err)
	}
	midLen := oldMoovOffset - insertionOffset
	if midLen > 0 {
		if _, err := io.CopyN(w, io.NewSectionReader(f, insertionOffset, midLen), midLen); err != nil {
			return fmt.Errorf("copying middle segment: %w", err)
		}
	}
	tailStart := oldMoovOffset + oldMoovSize
	tailLen := fileSize - tailStart
	if tailLen > 0 {
		if _, err := io.CopyN(w, io.NewSectionReader(f, tailStart, tailLen), tailLen); err != nil {
			return fmt.Errorf("copying tail: %w", err)
		}
	}
	return nil
}
