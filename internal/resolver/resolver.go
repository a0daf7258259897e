package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// UserAgent is sent on every subprocess invocation and upstream fetch.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

const resolveTimeout = 45 * time.Second

// refererMap maps source hostnames to the Referer the extractor should send.
var refererMap = map[string]string{
	"facebook.com": "https://www.facebook.com/",
	"bilibili.com": "https://www.bilibili.com/",
	"x.com":        "https://x.com/",
}

var commonArgs = []string{
	"--ignore-config",
	"--no-playlist",
	"--force-ipv4",
	"--no-check-certificates",
	"--no-check-formats",
	"--no-warnings",
	"--socket-timeout", "30",
	"--retries", "3",
	"--no-colors",
}

// ErrResolution marks a failed or unusable extraction. It is terminal for the
// request; the resolver never retries internally.
var ErrResolution = errors.New("resolution failed")

// Invoker runs the extraction subprocess. Implementations must honor context
// cancellation by killing the process.
type Invoker interface {
	Invoke(ctx context.Context, args []string) (stdout []byte, stderr []byte, err error)
}

type execInvoker struct{}

func (execInvoker) Invoke(ctx context.Context, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "yt-dlp", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Resolver turns a source URL into a ResolvedMedia via the extraction
// subprocess, with a short-TTL read-through cache and a single-flight
// semaphore so only one extraction runs at a time.
type Resolver struct {
	invoker Invoker
	cache   Cache
	log     *slog.Logger
	sem     chan struct{}
}

// New returns a Resolver backed by the yt-dlp binary. cache may be nil to
// disable caching.
func New(cache Cache, log *slog.Logger) *Resolver {
	return NewWithInvoker(execInvoker{}, cache, log)
}

// NewWithInvoker constructs a Resolver with a custom subprocess invoker.
// Used by tests.
func NewWithInvoker(inv Invoker, cache Cache, log *slog.Logger) *Resolver {
	return &Resolver{
		invoker: inv,
		cache:   cache,
		log:     log,
		sem:     make(chan struct{}, 1),
	}
}

// Resolve obtains the structured stream description for sourceURL. Cached
// resolutions are returned without invoking the subprocess. A failed or
// malformed extraction returns an error wrapping ErrResolution.
func (r *Resolver) Resolve(ctx context.Context, sourceURL string) (*ResolvedMedia, error) {
	if !IsSupportedURL(sourceURL) {
		return nil, fmt.Errorf("%w: unsupported source %q", ErrResolution, sourceURL)
	}

	if r.cache != nil {
		if media, ok := r.cache.Get(ctx, sourceURL); ok {
			return media, nil
		}
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	args := buildInfoArgs(sourceURL)
	stdout, stderr, err := r.invoker.Invoke(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrResolution, err, firstLine(stderr))
	}

	var raw rawInfo
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed extractor output: %v", ErrResolution, err)
	}

	media := raw.toResolvedMedia()
	if r.cache != nil {
		r.cache.Set(ctx, sourceURL, media)
	}
	r.log.Debug("resolved source",
		slog.String("url", sourceURL),
		slog.String("title", media.Title),
		slog.Int("formats", len(media.Formats)))
	return media, nil
}

func buildInfoArgs(sourceURL string) []string {
	args := []string{"-J", "--user-agent", UserAgent}
	args = append(args, commonArgs...)
	if ref := refererFor(sourceURL); ref != "" {
		args = append(args, "--referer", ref)
	}
	args = append(args, sourceURL)
	return args
}

func refererFor(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	for domain, ref := range refererMap {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return ref
		}
	}
	return ""
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// rawInfo mirrors the extraction subprocess's JSON output.
type rawInfo struct {
	Title      string      `json:"title"`
	Uploader   string      `json:"uploader"`
	Duration   float64     `json:"duration"`
	Thumbnail  string      `json:"thumbnail"`
	WebpageURL string      `json:"webpage_url"`
	Thumbnails []rawThumb  `json:"thumbnails"`
	Formats    []rawFormat `json:"formats"`
	Entries    []rawInfo   `json:"entries"`
}

type rawThumb struct {
	URL        string `json:"url"`
	Preference int    `json:"preference"`
}

type rawFormat struct {
	FormatID       string  `json:"format_id"`
	FormatNote     string  `json:"format_note"`
	Ext            string  `json:"ext"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	URL            string  `json:"url"`
	Protocol       string  `json:"protocol"`
	Resolution     string  `json:"resolution"`
	Height         int     `json:"height"`
	FPS            float64 `json:"fps"`
	ABR            float64 `json:"abr"`
	TBR            float64 `json:"tbr"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

func (ri rawInfo) toResolvedMedia() *ResolvedMedia {
	media := &ResolvedMedia{
		Title:        ri.Title,
		Uploader:     ri.Uploader,
		DurationMs:   int64(ri.Duration * 1000),
		ThumbnailURL: ri.bestThumbnail(),
		WebpageURL:   ri.WebpageURL,
	}

	for _, rf := range ri.Formats {
		if rf.URL == "" {
			continue
		}
		f := StreamFormat{
			ID:         rf.FormatID,
			Container:  rf.Ext,
			VideoCodec: normalizeCodec(rf.VCodec),
			AudioCodec: normalizeCodec(rf.ACodec),
			Bitrate:    rf.ABR,
			TotalRate:  rf.TBR,
			Resolution: rf.Resolution,
			Height:     rf.Height,
			FPS:        rf.FPS,
			SizeBytes:  rf.size(ri.Duration),
			Protocol:   rf.Protocol,
			SourceURL:  rf.URL,
		}
		if !f.HasVideo() && !f.HasAudio() {
			continue
		}
		media.Formats = append(media.Formats, f)
	}

	for _, entry := range ri.Entries {
		media.Entries = append(media.Entries, *entry.toResolvedMedia())
	}
	return media
}

func (ri rawInfo) bestThumbnail() string {
	if ri.Thumbnail != "" {
		return ri.Thumbnail
	}
	best := ""
	bestPref := -1 << 31
	for _, t := range ri.Thumbnails {
		if t.URL != "" && t.Preference > bestPref {
			best = t.URL
			bestPref = t.Preference
		}
	}
	return best
}

// size returns the reported filesize, falling back to a tbr*duration estimate
// when the upstream did not report one.
func (rf rawFormat) size(durationSec float64) int64 {
	if rf.Filesize > 0 {
		return rf.Filesize
	}
	if rf.FilesizeApprox > 0 {
		return rf.FilesizeApprox
	}
	if rf.TBR > 0 && durationSec > 0 {
		return int64(rf.TBR * 1000 * durationSec / 8)
	}
	return 0
}

func normalizeCodec(codec string) string {
	if codec == "" || codec == "none" {
		return ""
	}
	return codec
}
