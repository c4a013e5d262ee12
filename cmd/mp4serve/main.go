// Command mp4serve is a minimal HTTP front-end demonstrating the
// stream/hls packages end to end. It is demo/example code per
// SPEC_FULL.md §4.12, not a specified component: HTTP transport is an
// explicit Non-goal of the core, this binary exists only to give it a
// runnable collaborator.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vodpack/bmff"
	"github.com/vodpack/bmff/fragment"
	"github.com/vodpack/bmff/hls"
	"github.com/vodpack/bmff/segment"
	"github.com/vodpack/bmff/stream"
)

func main() {
	var addr string
	var root string

	rootCmd := &cobra.Command{
		Use:   "mp4serve",
		Short: "Serve MP4 files as HLS and progressive-download virtual streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

			streamCache, err := stream.NewCache(64, log)
			if err != nil {
				return fmt.Errorf("building stream cache: %w", err)
			}
			fragCache, err := hls.NewFragmentCache(256, log)
			if err != nil {
				return fmt.Errorf("building fragment cache: %w", err)
			}

			srv := &server{root: root, log: log, streams: streamCache, fragments: fragCache}

			mux := http.NewServeMux()
			mux.HandleFunc("/", srv.handle)

			log.Info().Str("addr", addr).Str("root", root).Msg("listening")
			return http.ListenAndServe(addr, mux)
		},
	}

	rootCmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "listen address")
	rootCmd.Flags().StringVarP(&root, "root", "r", ".", "directory of source MP4 files")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type server struct {
	root      string
	log       zerolog.Logger
	streams   *stream.Cache
	fragments *hls.FragmentCache
}

// handle dispatches per the virtual-file URL grammar spec.md §6 defines:
// <basepath>.mp4/{master.m3u8,media.N.m3u8,init.N.mp4,v|a|s/...} or
// <basepath>.mp4?track_id=<csv>.
func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.Index(path, ".mp4/")
	if idx < 0 {
		if strings.HasSuffix(path, ".mp4") && r.URL.Query().Get("track_id") != "" {
			s.serveVirtualFile(w, r, path)
			return
		}
		http.NotFound(w, r)
		return
	}

	basepath := path[:idx+4]
	rest := path[idx+5:]
	sourcePath := s.root + "/" + basepath

	movie, err := bmff.OpenMovie(sourcePath, false, true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer movie.Close()

	switch {
	case rest == "master.m3u8":
		s.serveMasterPlaylist(w, movie)
	case strings.HasPrefix(rest, "media.") && strings.HasSuffix(rest, ".m3u8"):
		s.serveMediaPlaylist(w, movie, rest)
	case strings.HasPrefix(rest, "init."):
		s.serveInitSection(w, movie, rest)
	case strings.HasPrefix(rest, "v/") || strings.HasPrefix(rest, "a/") || strings.HasPrefix(rest, "s/"):
		s.serveFragment(w, sourcePath, movie, rest)
	default:
		http.NotFound(w, r)
	}
}

func (s *server) serveMasterPlaylist(w http.ResponseWriter, movie *bmff.Movie) {
	body, err := hls.MasterPlaylist(movie)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	io_WriteString(w, body)
}

func (s *server) serveMediaPlaylist(w http.ResponseWriter, movie *bmff.Movie, rest string) {
	idStr := strings.TrimSuffix(strings.TrimPrefix(rest, "media."), ".m3u8")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "bad track id", http.StatusBadRequest)
		return
	}
	track := movie.TrackByID(uint32(id))
	if track == nil {
		http.NotFound(w, nil)
		return
	}

	var body string
	if track.IsSubtitle {
		segs := segment.SubtitleSegments(track, func(si bmff.SampleInfo) bool {
			buf := make([]byte, si.Size)
			if err := movie.Source.Ref(si.Offset, si.Offset+int64(si.Size)).ReadExactAt(buf, 0); err != nil {
				return true
			}
			return segment.SubtitleSampleIsEmpty(track.Codec, buf)
		})
		body, err = hls.BuildSubtitlePlaylist(track, segs)
	} else {
		var videoSegs []segment.Segment
		if track.IsAudio {
			if vt := firstVideoTrack(movie); vt != nil {
				videoSegs = segment.VideoSegments(vt, hls.DefaultMaxSegmentBytes)
			}
		}
		body, err = hls.MediaPlaylist(track, videoSegs, hls.DefaultMaxSegmentBytes)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	io_WriteString(w, body)
}

func firstVideoTrack(movie *bmff.Movie) *bmff.Track {
	tracks := movie.TracksByHandler(bmff.BoxType{'v', 'i', 'd', 'e'})
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

func (s *server) serveInitSection(w http.ResponseWriter, movie *bmff.Movie, rest string) {
	if strings.HasSuffix(rest, ".vtt") {
		w.Header().Set("Content-Type", "text/vtt")
		io_WriteString(w, "WEBVTT\n\n")
		return
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(rest, "init."), ".mp4")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "bad track id", http.StatusBadRequest)
		return
	}
	track := movie.TrackByID(uint32(id))
	if track == nil {
		http.NotFound(w, nil)
		return
	}
	body, err := fragment.BuildInitSection(movie, []*bmff.Track{track}, []uint32{track.ID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(body)
}

// serveFragment resolves v/c.<tk>.<seq>.<from>-<to>.<ext> per spec.md
// §6, fetching bytes from the short fragment cache.
func (s *server) serveFragment(w http.ResponseWriter, sourcePath string, movie *bmff.Movie, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, nil)
		return
	}
	name := parts[1]
	name = strings.TrimPrefix(name, "c.")
	name = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(name, ".mp4"), ".m4a"), ".vtt")

	fields := strings.Split(name, ".")
	if len(fields) != 3 {
		http.Error(w, "bad fragment name", http.StatusBadRequest)
		return
	}
	trackID, err1 := strconv.ParseUint(fields[0], 10, 32)
	seq, err2 := strconv.ParseUint(fields[1], 10, 32)
	rangePart := strings.SplitN(fields[2], "-", 2)
	if err1 != nil || err2 != nil || len(rangePart) != 2 {
		http.Error(w, "bad fragment name", http.StatusBadRequest)
		return
	}
	from, err3 := strconv.Atoi(rangePart[0])
	to, err4 := strconv.Atoi(rangePart[1])
	if err3 != nil || err4 != nil {
		http.Error(w, "bad fragment name", http.StatusBadRequest)
		return
	}

	src := fragment.FragmentSource{SrcTrackID: uint32(trackID), DstTrackID: uint32(trackID), From: from, To: to}
	moof, mdat, err := s.fragments.Get(sourcePath, movie, src, uint32(seq))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(moof)
	w.Write(mdat)
}

// serveVirtualFile handles <basepath>.mp4?track_id=<csv>, serving the
// synthesized interleaved stream with range-request and ETag support
// per spec.md §4.10's contract.
func (s *server) serveVirtualFile(w http.ResponseWriter, r *http.Request, path string) {
	csv := r.URL.Query().Get("track_id")
	var trackIDs []uint32
	for _, f := range strings.Split(csv, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			http.Error(w, "bad track_id", http.StatusBadRequest)
			return
		}
		trackIDs = append(trackIDs, uint32(id))
	}

	sourcePath := s.root + "/" + path
	vs, err := s.streams.Get(sourcePath, trackIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	etag := vs.ETag()
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", vs.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	http.ServeContent(w, r, path, vs.ModTime(), io.NewSectionReader(readerAtStream{vs}, 0, vs.Size()))
}

// readerAtStream adapts *stream.VirtualStream to io.ReaderAt plus the
// Size http.ServeContent needs via a bounded io.SectionReader, since
// ServeContent only requires io.ReadSeeker backed by a ReaderAt-ish
// source in practice via io.NewSectionReader at the call site.
type readerAtStream struct{ vs *stream.VirtualStream }

func (r readerAtStream) ReadAt(p []byte, off int64) (int, error) { return r.vs.ReadAt(p, off) }

func io_WriteString(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Length", strconv.Itoa(len(s)))
	_, _ = w.Write([]byte(s))
}
