package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var resolutionLabel = regexp.MustCompile(`(\d+)p`)
var resolutionPair = regexp.MustCompile(`x(\d+)`)
var digitsOnly = regexp.MustCompile(`^\d+$`)

// VideoFormats filters a resolution's format list down to the video-bearing
// streams, labels each with a quality string, deduplicates by that label and
// sorts by height descending. ResolvedMedia.Formats itself is left untouched;
// this is a presentation ordering only.
func VideoFormats(media *ResolvedMedia) []FormatView {
	var views []FormatView
	for _, f := range media.Formats {
		if !f.HasVideo() && f.Height == 0 {
			continue
		}
		// Storyboard pseudo-formats carry video but are not playable.
		if strings.HasPrefix(f.ID, "sb") {
			continue
		}

		height := f.Height
		if height == 0 && f.Resolution != "" {
			if m := resolutionLabel.FindStringSubmatch(f.Resolution); m != nil {
				fmt.Sscanf(m[1], "%d", &height)
			} else if m := resolutionPair.FindStringSubmatch(f.Resolution); m != nil {
				fmt.Sscanf(m[1], "%d", &height)
			}
		}

		quality := ""
		if height > 0 {
			quality = fmt.Sprintf("%dp", height)
		} else if f.Resolution != "" {
			quality = f.Resolution
		}
		if digitsOnly.MatchString(quality) {
			quality += "p"
		}
		if quality == "" {
			continue
		}

		views = append(views, FormatView{
			ID:        f.ID,
			Extension: f.Container,
			Quality:   quality,
			SizeBytes: f.SizeBytes,
			FPS:       f.FPS,
			Height:    height,
			HasVideo:  true,
		})
	}

	sort.SliceStable(views, func(i, j int) bool { return views[i].Height > views[j].Height })
	return dedupeByQuality(views)
}

// AudioFormats filters down to the audio-bearing streams, pure-audio streams
// first, then by declared bitrate descending, deduplicated by quality label.
func AudioFormats(media *ResolvedMedia) []FormatView {
	var views []FormatView
	for _, f := range media.Formats {
		if !f.HasAudio() {
			continue
		}
		views = append(views, FormatView{
			ID:        f.ID,
			Extension: f.Container,
			Quality:   audioQuality(f),
			SizeBytes: f.SizeBytes,
			Bitrate:   f.Bitrate,
			HasVideo:  f.HasVideo(),
		})
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.HasVideo != b.HasVideo {
			return !a.HasVideo
		}
		return a.Bitrate > b.Bitrate
	})
	return dedupeByQuality(views)
}

func audioQuality(f StreamFormat) string {
	switch {
	case f.Bitrate > 0:
		return fmt.Sprintf("%.0fkbps", f.Bitrate)
	case f.TotalRate > 0 && !f.HasVideo():
		return fmt.Sprintf("%.0fkbps", f.TotalRate)
	case f.ID == "18":
		return "128kbps (HQ)"
	default:
		return "Medium Quality"
	}
}

func dedupeByQuality(views []FormatView) []FormatView {
	seen := make(map[string]bool, len(views))
	out := views[:0]
	for _, v := range views {
		if seen[v.Quality] {
			continue
		}
		seen[v.Quality] = true
		out = append(out, v)
	}
	return out
}
