package resolver

// StreamFormat is one candidate upstream media stream. An empty VideoCodec or
// AudioCodec means the stream carries no track of that kind; at least one of
// the two is always set.
type StreamFormat struct {
	ID         string  `json:"id"`
	Container  string  `json:"container"`
	VideoCodec string  `json:"videoCodec,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	Bitrate    float64 `json:"bitrate,omitempty"`
	TotalRate  float64 `json:"totalRate,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	SizeBytes  int64   `json:"sizeBytes,omitempty"`
	Protocol   string  `json:"protocol,omitempty"`

	// SourceURL is time-limited and signed by the upstream platform.
	SourceURL string `json:"sourceUrl"`
}

// HasVideo reports whether the stream carries a video track.
func (f StreamFormat) HasVideo() bool {
	return f.VideoCodec != ""
}

// HasAudio reports whether the stream carries an audio track.
func (f StreamFormat) HasAudio() bool {
	return f.AudioCodec != ""
}

// ResolvedMedia is the result of resolving one source URL. Formats preserves
// the upstream resolver's preference order and is never re-sorted. Entries is
// set only when the source URL denotes a collection (playlist or search
// result).
type ResolvedMedia struct {
	Title        string          `json:"title"`
	Uploader     string          `json:"uploader,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
	WebpageURL   string          `json:"webpageUrl,omitempty"`
	Formats      []StreamFormat  `json:"formats"`
	Entries      []ResolvedMedia `json:"entries,omitempty"`
}

// FormatView is a presentation-ready format row derived from a StreamFormat:
// deduplicated by quality label and with an estimated size when the upstream
// did not report one.
type FormatView struct {
	ID        string  `json:"format_id"`
	Extension string  `json:"extension"`
	Quality   string  `json:"quality"`
	SizeBytes int64   `json:"filesize,omitempty"`
	FPS       float64 `json:"fps,omitempty"`
	Height    int     `json:"height,omitempty"`
	Bitrate   float64 `json:"abr,omitempty"`
	HasVideo  bool    `json:"has_video"`
}
