// Command mp4dump reads an MP4 file and prints its decoded box tree.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/vodpack/bmff"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file.mp4>\n", os.Args[0])
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file: %v\n", err)
		os.Exit(1)
	}

	boxes, err := bmff.DecodeAll(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	for _, box := range boxes {
		printBox(box, 0)
	}
}

func printBox(box *bmff.Box, depth int) {
	indent := strings.Repeat("  ", depth)

	vf := ""
	if bmff.IsFullBox(box.Type) {
		vf = fmt.Sprintf(" v=%d flags=0x%06x", box.Version, box.Flags)
	}

	fmt.Printf("%s[%s]%s%s\n", indent, box.Type, vf, boxInfo(box))

	if box.IsMdat {
		return
	}

	for _, list := range box.Children {
		for _, child := range list {
			printBox(child, depth+1)
		}
	}
}

func boxInfo(box *bmff.Box) string {
	switch {
	case box.Ftyp != nil:
		f := box.Ftyp
		brands := make([]string, len(f.Compatible))
		for i, b := range f.Compatible {
			brands[i] = b.String()
		}
		return fmt.Sprintf(" brand=%s ver=%d compat=[%s]", f.MajorBrand, f.MinorVersion, strings.Join(brands, ","))
	case box.Mvhd != nil:
		m := box.Mvhd
		return fmt.Sprintf(" timescale=%d duration=%d nextTrackId=%d", m.Timescale, m.Duration, m.NextTrackID)
	case box.Tkhd != nil:
		t := box.Tkhd
		return fmt.Sprintf(" trackId=%d duration=%d size=%.0fx%.0f", t.TrackID, t.Duration, t.Width.Float(), t.Height.Float())
	case box.Mdhd != nil:
		m := box.Mdhd
		return fmt.Sprintf(" timescale=%d duration=%d lang=%d", m.Timescale, m.Duration, m.Language)
	case box.Hdlr != nil:
		h := box.Hdlr
		return fmt.Sprintf(" type=%s name=%q", h.HandlerType, h.Name)
	case box.Stsd != nil:
		return fmt.Sprintf(" entries=%d", box.Stsd.EntryCount)
	case box.Stsz != nil:
		n := len(box.Stsz.Entries)
		return fmt.Sprintf(" sampleSize=%d entries=%d", box.Stsz.SampleSize, n)
	case box.Stco != nil:
		return fmt.Sprintf(" entries=%d", len(box.Stco.Entries))
	case box.Co64 != nil:
		return fmt.Sprintf(" entries=%d", len(box.Co64.Entries))
	case box.Stts != nil:
		return fmt.Sprintf(" entries=%d", len(box.Stts.Entries))
	case box.Ctts != nil:
		return fmt.Sprintf(" entries=%d", len(box.Ctts.Entries))
	case box.Stsc != nil:
		return fmt.Sprintf(" entries=%d", len(box.Stsc.Entries))
	case box.Elst != nil:
		return fmt.Sprintf(" entries=%d", len(box.Elst.Entries))
	case box.Visual != nil:
		v := box.Visual
		return fmt.Sprintf(" %dx%d compressor=%q", v.Width, v.Height, v.CompressorName)
	case box.Audio != nil:
		a := box.Audio
		return fmt.Sprintf(" ch=%d sampleSize=%d sampleRate=%.0f", a.ChannelCount, a.SampleSize, a.SampleRate.Float())
	case box.AvcC != nil:
		return fmt.Sprintf(" mimeCodec=%s rawLen=%d", box.AvcC.MimeCodec, len(box.AvcC.Raw))
	case box.HvcC != nil:
		return fmt.Sprintf(" rawLen=%d", len(box.HvcC.Raw))
	case box.Esds != nil:
		return fmt.Sprintf(" mimeCodec=%s rawLen=%d", box.Esds.MimeCodec, len(box.Esds.Raw))
	case box.Mfhd != nil:
		return fmt.Sprintf(" seq=%d", box.Mfhd.SequenceNumber)
	case box.Trun != nil:
		return fmt.Sprintf(" entries=%d dataOffset=%d", len(box.Trun.Entries), box.Trun.DataOffset)
	case box.IsMdat:
		return fmt.Sprintf(" dataLen=%d", box.Data.Len()+int64(len(box.Raw)))
	case len(box.Raw) > 0:
		return fmt.Sprintf(" (raw %d bytes)", len(box.Raw))
	}
	return ""
}
