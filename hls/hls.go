// Package hls generates HLS (version 6) master and per-track playlists
// over an already-parsed *bmff.Movie, resolving segment URIs through the
// virtual-file URL grammar spec.md §6 defines.
//
// Grounded in spec.md §4.11's explicit playlist algorithm, using the
// segment package for segment boundaries and the fragment package's
// FragmentSource naming for the URL grammar's from/to fields.
package hls

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/bmfferr"
	"github.com/vodpack/bmff/segment"
)

// DefaultMaxSegmentBytes bounds video segment size the same way
// fragment.DefaultMaxFragmentSize bounds a single fragment (spec.md §9
// open question (b)); HLS segments and CMAF fragments share that ceiling
// since a segment here becomes exactly one fragment request.
const DefaultMaxSegmentBytes = 7 * 1024 * 1024

// renditionGroup is one audio codec's #EXT-X-MEDIA group, keyed by
// codec id so multiple audio tracks sharing a codec share a GROUP-ID.
type renditionGroup struct {
	codec  string
	tracks []*bmff.Track
}

// MasterPlaylist renders the top-level master.m3u8 per spec.md §4.11:
// one EXT-X-MEDIA line per audio/subtitle rendition, grouped by codec for
// audio, and one EXT-X-STREAM-INF + URI pair per video track x audio
// group.
func MasterPlaylist(movie *bmff.Movie) (string, error) {
	video := movie.TracksByHandler(bmff.BoxType{'v', 'i', 'd', 'e'})
	audio := movie.TracksByHandler(bmff.BoxType{'s', 'o', 'u', 'n'})
	subs := subtitleTracks(movie)

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:6\n")

	groups := groupAudioByCodec(audio)
	for _, g := range groups {
		for _, t := range g.tracks {
			fmt.Fprintf(&b, "#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=%q,NAME=%q,AUTOSELECT=YES,DEFAULT=YES,URI=%q\n",
				g.codec, audioName(t), mediaPlaylistURL(t.ID))
		}
	}
	for _, t := range subs {
		fmt.Fprintf(&b, "#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID=\"subs\",NAME=%q,AUTOSELECT=YES,URI=%q\n",
			subtitleName(t), mediaPlaylistURL(t.ID))
	}

	for _, vt := range video {
		for _, g := range groups {
			attrs, err := streamInfAttrs(vt, g)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:%s\n%s\n", attrs, mediaPlaylistURL(vt.ID))
		}
		if len(groups) == 0 {
			attrs, err := streamInfAttrs(vt, renditionGroup{})
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:%s\n%s\n", attrs, mediaPlaylistURL(vt.ID))
		}
	}

	return b.String(), nil
}

func groupAudioByCodec(audio []*bmff.Track) []renditionGroup {
	var groups []renditionGroup
	byCodec := map[string]int{}
	for _, t := range audio {
		if idx, ok := byCodec[t.Codec]; ok {
			groups[idx].tracks = append(groups[idx].tracks, t)
			continue
		}
		byCodec[t.Codec] = len(groups)
		groups = append(groups, renditionGroup{codec: t.Codec, tracks: []*bmff.Track{t}})
	}
	return groups
}

// streamInfAttrs builds EXT-X-STREAM-INF attributes per spec.md §4.11:
// bandwidth = track.size / max(1, duration_seconds); resolution from the
// video sample entry (no FRAME-RATE attribute is emitted); codec list
// joins video and the group's audio codec id.
func streamInfAttrs(vt *bmff.Track, g renditionGroup) (string, error) {
	var size int64
	for it := vt.SampleTable.Iter(); ; {
		s, ok := it.Next()
		if !ok {
			break
		}
		size += int64(s.Size)
	}
	duration := vt.Duration()
	if duration < 1 {
		duration = 1
	}
	bandwidth := int64(float64(size) / duration * 8) // bytes/sec -> bits/sec
	avgBandwidth := bandwidth
	if len(g.tracks) > 0 && g.tracks[0].AvgBitrate > 0 {
		avgBandwidth += int64(g.tracks[0].AvgBitrate)
	}

	codecs := vt.Codec
	if g.codec != "" {
		codecs += "," + firstAudioMimeCodec(g)
	}

	w, h, err := videoResolution(vt)
	if err != nil {
		return "", err
	}

	var attrs strings.Builder
	fmt.Fprintf(&attrs, "BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d,CODECS=%q", bandwidth, avgBandwidth, codecs)
	if w > 0 && h > 0 {
		fmt.Fprintf(&attrs, ",RESOLUTION=%dx%d", w, h)
	}
	if g.codec != "" {
		fmt.Fprintf(&attrs, ",AUDIO=%q", g.codec)
	}
	return attrs.String(), nil
}

func firstAudioMimeCodec(g renditionGroup) string {
	if len(g.tracks) == 0 {
		return ""
	}
	return g.tracks[0].Codec
}

func videoResolution(vt *bmff.Track) (w, h int, err error) {
	if vt.SampleEntry == nil || vt.SampleEntry.Visual == nil {
		return 0, 0, nil
	}
	return int(vt.SampleEntry.Visual.Width), int(vt.SampleEntry.Visual.Height), nil
}

func audioName(t *bmff.Track) string {
	return "Audio " + t.Codec
}

func subtitleName(t *bmff.Track) string {
	return "Subtitles " + strconv.FormatUint(uint64(t.ID), 10)
}

func subtitleTracks(movie *bmff.Movie) []*bmff.Track {
	var out []*bmff.Track
	for _, t := range movie.Tracks {
		if t.IsSubtitle {
			out = append(out, t)
		}
	}
	return out
}

func mediaPlaylistURL(trackID uint32) string {
	return fmt.Sprintf("media.%d.m3u8", trackID)
}

// MediaPlaylist renders media.<track>.m3u8 for one track per spec.md
// §4.11: segments come from the segment package (video: VideoSegments;
// audio: timed against the companion video track's segments, when one
// is given); subtitle tracks are rejected here and go through
// BuildSubtitlePlaylist instead; EXT-X-MAP is emitted; segment URIs
// follow the v/a URL grammar; ended with
// EXT-X-ENDLIST since these are VOD playlists, not live.
func MediaPlaylist(track *bmff.Track, videoSegments []segment.Segment, maxSegmentBytes int64) (string, error) {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}

	var segs []segment.Segment
	switch {
	case track.IsVideo:
		segs = segment.VideoSegments(track, maxSegmentBytes)
	case track.IsAudio:
		if videoSegments != nil {
			segs = segment.AudioSegmentsTimed(track, videoSegments)
		} else {
			segs = segment.VideoSegments(track, maxSegmentBytes)
		}
	case track.IsSubtitle:
		return "", bmfferr.New(bmfferr.KindMalformed, "MediaPlaylist: subtitle tracks need SubtitleSegments, call BuildSubtitlePlaylist instead")
	default:
		return "", bmfferr.New(bmfferr.KindMalformed, "track %d: unrecognized handler for playlist generation", track.ID)
	}

	var b strings.Builder
	writeHeader(&b, segs)
	if track.IsVideo || track.IsAudio {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initURL(track.ID, false))
	}

	ext := extensionFor(track)
	dir := dirFor(track)
	for i, s := range segs {
		fmt.Fprintf(&b, "#EXTINF:%.5f,\n%s\n", s.Duration, fragmentURL(dir, track.ID, i+1, s.StartSample, s.EndSample, ext))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String(), nil
}

// BuildSubtitlePlaylist renders media.<track>.m3u8 for a subtitle track,
// whose segments come from segment.SubtitleSegments and whose sequence
// number in the URL grammar is the segment's start time in milliseconds,
// not a 1-based index (spec.md §4.11).
func BuildSubtitlePlaylist(track *bmff.Track, segs []segment.Segment) (string, error) {
	if !track.IsSubtitle {
		return "", bmfferr.New(bmfferr.KindMalformed, "track %d is not a subtitle track", track.ID)
	}
	var b strings.Builder
	writeHeader(&b, segs)
	for _, s := range segs {
		if s.StartSample == 0 && s.EndSample == 0 {
			continue // elided empty-cue segment, per segment.SubtitleSegments
		}
		seq := int(s.StartTime * 1000)
		fmt.Fprintf(&b, "#EXTINF:%.5f,\n%s\n", s.Duration, fragmentURL("s", track.ID, seq, s.StartSample, s.EndSample, "vtt"))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String(), nil
}

func writeHeader(b *strings.Builder, segs []segment.Segment) {
	target := 6
	for _, s := range segs {
		if d := int(s.Duration + 0.999); d > target {
			target = d
		}
	}
	fmt.Fprintf(b, "#EXTM3U\n#EXT-X-VERSION:6\n#EXT-X-TARGETDURATION:%d\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-MEDIA-SEQUENCE:0\n", target)
}

func extensionFor(t *bmff.Track) string {
	switch {
	case t.IsAudio:
		return "m4a"
	case t.IsSubtitle:
		return "vtt"
	default:
		return "mp4"
	}
}

func dirFor(t *bmff.Track) string {
	switch {
	case t.IsVideo:
		return "v"
	case t.IsAudio:
		return "a"
	default:
		return "s"
	}
}

func initURL(trackID uint32, vtt bool) string {
	if vtt {
		return fmt.Sprintf("init.%d.vtt", trackID)
	}
	return fmt.Sprintf("init.%d.mp4", trackID)
}

// fragmentURL builds a v/a/s segment URI per spec.md §6's
// "v/c.<tk>.<seq>.<from>-<to>.mp4" grammar.
func fragmentURL(dir string, trackID uint32, seq, from, to int, ext string) string {
	return fmt.Sprintf("%s/c.%d.%d.%d-%d.%s", dir, trackID, seq, from, to, ext)
}

// MasterURL and InitSectionURL expose the remaining grammar entries
// from spec.md §6 for HTTP collaborators that need to build links
// without duplicating the constants here.
func MasterURL() string { return "master.m3u8" }

func InitSectionURL(trackID uint32, track *bmff.Track) string {
	return initURL(trackID, track != nil && track.IsSubtitle)
}
