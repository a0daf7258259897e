package muxplan

import (
	"strings"

	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

// Args renders the ffmpeg argument vector for a plan that needs the
// transcoder. Output always goes to stdout so the caller can pump it
// straight to the client.
func Args(plan MuxPlan) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	addInput := func(url string) {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-user_agent", resolver.UserAgent,
		)
		if plan.Referer != "" {
			args = append(args, "-referer", plan.Referer)
		}
		args = append(args, "-i", url)
	}

	switch {
	case plan.IsAudioOnly && plan.OutputContainer == "mp3":
		addInput(plan.AudioURL)
		args = append(args, "-c:a", "libmp3lame", "-b:a", "192k", "-f", "mp3")

	case plan.IsAudioOnly && plan.EmbedCoverURL != "":
		addInput(plan.AudioURL)
		addInput(plan.EmbedCoverURL)
		// Stream-copy into an image-bearing fragmented container is
		// unreliable, so the audio is re-encoded.
		args = append(args,
			"-map", "0:a:0",
			"-map", "1:v:0",
			"-c:a", "aac",
			"-b:a", "192k",
			"-c:v", "copy",
			"-disposition:v:0", "attached_pic",
		)
		args = append(args, mp4Flags()...)

	case plan.IsAudioOnly:
		addInput(plan.AudioURL)
		args = append(args, "-map", "0:a:0", "-c", "copy")
		if isMP4Family(plan.OutputContainer) {
			if strings.Contains(plan.AudioCodec, "aac") {
				args = append(args, "-bsf:a", "aac_adtstoasc")
			}
			args = append(args, mp4Flags()...)
		} else {
			args = append(args, "-f", "webm")
		}

	default:
		addInput(plan.VideoURL)
		if plan.AudioURL != "" {
			addInput(plan.AudioURL)
		}
		args = append(args, "-c", "copy", "-map", "0:v:0")
		switch {
		case plan.AudioURL != "":
			args = append(args, "-map", "1:a:0")
		case plan.VideoHasAudio:
			args = append(args, "-map", "0:a:0")
		default:
			args = append(args, "-map", "0:a?")
		}
		args = append(args, "-shortest")
		if plan.OutputContainer == "mp4" {
			if strings.Contains(plan.AudioCodec, "aac") {
				args = append(args, "-bsf:a", "aac_adtstoasc")
			}
			args = append(args, mp4Flags()...)
		} else {
			args = append(args, "-f", "webm")
		}
	}

	return append(args, "pipe:1")
}

func isMP4Family(container string) bool {
	return container == "mp4" || container == "m4a"
}

// mp4Flags makes the mp4 muxer emit fragments so output can stream
// through a pipe without a seekable moov atom.
func mp4Flags() []string {
	return []string{"-f", "mp4", "-movflags", "frag_keyframe+empty_moov+default_base_moof"}
}
