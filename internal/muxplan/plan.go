// Package muxplan decides how a requested output format maps onto the
// streams a source actually offers: which streams to fetch, whether a
// second pure-audio input is needed, what container to emit, and
// whether a cover image gets embedded.
package muxplan

import (
	"errors"
	"sort"
	"strings"

	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

// ErrInvariantViolation reports a plan that would map a source video
// track into an audio-only output. Such a plan indicates a selection
// logic defect and must abort the request rather than stream garbage.
var ErrInvariantViolation = errors.New("audio-only plan selected a video track")

// MuxPlan describes one transcoder invocation. VideoURL is empty for
// audio-only plans; AudioURL may be empty when the video stream
// carries its own audio track.
type MuxPlan struct {
	IsAudioOnly     bool
	OutputContainer string
	VideoURL        string
	AudioURL        string
	AudioCodec      string
	VideoHasAudio   bool
	EmbedCoverURL   string

	// Referer is forwarded to the upstream CDN on each input fetch.
	// Callers set it from the resolved page URL before rendering args.
	Referer string

	// Passthrough marks plans that need no transcoder at all: a single
	// stream already in the target container, copied byte for byte.
	Passthrough bool
}

// audioContainers are the requested formats that always produce an
// audio-only plan regardless of the chosen stream's codecs.
var audioContainers = map[string]bool{
	"m4a":        true,
	"webm-audio": true,
	"mp3":        true,
	"opus":       true,
	"audio":      true,
}

// IsAudioRequest reports whether the requested format names an audio
// container.
func IsAudioRequest(requested string) bool {
	return audioContainers[strings.ToLower(strings.TrimSpace(requested))]
}

// Plan builds the mux plan for one download. requested is the client's
// container choice, chosen the stream picked by format id, formats the
// full list the source offers (used to find a companion audio stream),
// and coverURL an optional still image for audio-only outputs.
func Plan(requested string, chosen resolver.StreamFormat, formats []resolver.StreamFormat, coverURL string) (MuxPlan, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	audioOnly := IsAudioRequest(requested) || !chosen.HasVideo()

	container := requested
	if requested == "webm-audio" {
		container = "webm"
	}
	if !audioOnly {
		switch {
		case requested == "mp4":
			container = "mp4"
		case isAVC(chosen.VideoCodec):
			// Already H.264; remuxing into a foreign container buys
			// nothing, so keep it in mp4.
			container = "mp4"
		}
	}

	plan := MuxPlan{
		IsAudioOnly:     audioOnly,
		OutputContainer: container,
	}

	if audioOnly {
		audio := chosen
		if chosen.HasVideo() || !chosen.HasAudio() {
			best, ok := bestAudioFormat(formats, container == "webm" || container == "opus")
			if !ok {
				return MuxPlan{}, errors.New("no audio stream available")
			}
			audio = best
		}
		plan.AudioURL = audio.SourceURL
		plan.AudioCodec = audio.AudioCodec

		if coverURL != "" && (container == "m4a" || container == "mp4") {
			plan.EmbedCoverURL = coverURL
		}
		plan.Passthrough = plan.EmbedCoverURL == "" && container != "mp3"
	} else {
		plan.VideoURL = chosen.SourceURL
		plan.VideoHasAudio = chosen.HasAudio()
		if !chosen.HasAudio() {
			best, ok := bestAudioFormat(formats, container == "webm")
			if ok {
				plan.AudioURL = best.SourceURL
				plan.AudioCodec = best.AudioCodec
			}
		}
	}

	if plan.IsAudioOnly && plan.VideoURL != "" {
		return MuxPlan{}, ErrInvariantViolation
	}
	return plan, nil
}

func isAVC(codec string) bool {
	return strings.HasPrefix(codec, "avc1") || strings.HasPrefix(codec, "h264")
}

// bestAudioFormat picks the pure-audio stream with the highest declared
// bitrate, preferring opus when the output is webm and aac otherwise so
// the track can be stream-copied.
func bestAudioFormat(formats []resolver.StreamFormat, preferOpus bool) (resolver.StreamFormat, bool) {
	var candidates []resolver.StreamFormat
	for _, f := range formats {
		if f.HasAudio() && !f.HasVideo() && f.SourceURL != "" {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return resolver.StreamFormat{}, false
	}

	preferred := "aac"
	if preferOpus {
		preferred = "opus"
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		iPref := strings.Contains(candidates[i].AudioCodec, preferred)
		jPref := strings.Contains(candidates[j].AudioCodec, preferred)
		if iPref != jPref {
			return iPref
		}
		return candidates[i].Bitrate > candidates[j].Bitrate
	})
	return candidates[0], true
}
