// Command mp4probe gathers information about tracks and keyframe distribution from an MP4 file.
package main

import (
	"fmt"
	"os"

	"github.com/vodpack/bmff"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file.mp4>\n", os.Args[0])
		os.Exit(1)
	}

	movie, err := bmff.OpenMovie(os.Args[1], false, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer movie.Close()

	for i, track := range movie.Tracks {
		total := track.SampleTable.Len()
		fmt.Printf("Track %d (id=%d): %s\n", i, track.ID, track.Codec)
		fmt.Printf("  Total samples: %d\n", total)
		fmt.Printf("  Duration: %.2fs\n", track.Duration())
		fmt.Printf("  Timescale: %d\n\n", track.Timescale)

		keyframes := 0
		totalKeyframes := 0
		var prevKfTime float64
		var intervals []float64
		printing := true

		fmt.Println("  Keyframes:")
		it := track.SampleTable.Iter()
		for j := 0; j < total; j++ {
			s, ok := it.Next()
			if !ok {
				break
			}
			if !s.Sync {
				continue
			}
			totalKeyframes++
			if !printing {
				continue
			}
			pts := float64(s.PTS()) / float64(track.Timescale)
			fmt.Printf("    [%5d] %.3fs", j, pts)
			if keyframes > 0 {
				interval := pts - prevKfTime
				intervals = append(intervals, interval)
				fmt.Printf(" (%.3fs since last)", interval)
			}
			fmt.Println()
			prevKfTime = pts
			keyframes++
			if keyframes >= 20 {
				printing = false
			}
		}
		if !printing {
			fmt.Printf("    ... (%d more keyframes)\n", totalKeyframes-keyframes)
		}

		fmt.Printf("\n  Total keyframes: %d\n", totalKeyframes)
		if len(intervals) > 0 {
			fmt.Printf("  Keyframe interval: avg=%.3fs min=%.3fs max=%.3fs\n", average(intervals), minimum(intervals), maximum(intervals))
		}
		fmt.Println()
	}
}

func average(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func minimum(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals {
		if v < m {
			m = v
		}
	}
	return m
}

func maximum(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
