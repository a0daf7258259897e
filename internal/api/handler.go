package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ejjays/nexstream-sub001/internal/broadcast"
	"github.com/ejjays/nexstream-sub001/internal/muxplan"
	"github.com/ejjays/nexstream-sub001/internal/platform/metrics"
	"github.com/ejjays/nexstream-sub001/internal/progress"
	"github.com/ejjays/nexstream-sub001/internal/relay"
	"github.com/ejjays/nexstream-sub001/internal/resolver"
	"github.com/ejjays/nexstream-sub001/internal/stems"
	"github.com/ejjays/nexstream-sub001/internal/transcode"
)

// maxPushChunk bounds a single relay push body.
const maxPushChunk = 8 << 20

var mimeTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
	"webm": "audio/webm",
	"mp4":  "video/mp4",
	"opus": "audio/opus",
	"ogg":  "audio/ogg",
}

// Handler exposes the pipeline's HTTP endpoints using go-chi.
type Handler struct {
	svc        *Service
	relay      *relay.Relay
	broadcast  *broadcast.Relay
	hub        *progress.Hub
	transcoder *transcode.Executor
	separator  *stems.Separator
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewHandler wires the pipeline components into one HTTP surface.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, rl *relay.Relay, bc *broadcast.Relay, hub *progress.Hub, tc *transcode.Executor, sep *stems.Separator, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, relay: rl, broadcast: bc, hub: hub, transcoder: tc, separator: sep, log: log, metrics: m}
}

// Register mounts every endpoint on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/resolve", h.Resolve)
	r.Get("/stream", h.Stream)
	r.Post("/stream", h.Stream)
	r.Head("/stream", h.Stream)
	r.Get("/stream-urls", h.StreamURLs)
	r.Get("/proxy", h.Proxy)
	r.Get("/events", h.Events)
	r.Post("/relay/{stream_id}", h.RelayPush)
	r.Get("/relay/{stream_id}/{filename}", h.RelayPull)
	r.Get("/stems/history", h.StemsHistory)
	r.Get("/healthz", h.Healthz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Resolve handles GET /resolve?url=&id=.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("url")
	clientID := r.URL.Query().Get("id")
	if sourceURL == "" || !resolver.IsSupportedURL(sourceURL) {
		writeError(w, http.StatusBadRequest, "no valid url provided")
		return
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if h.metrics != nil {
		h.metrics.IncResolves()
	}

	resp, err := h.svc.Resolve(r.Context(), sourceURL, clientID)
	if err != nil {
		h.log.Error("resolve failed", slog.String("url", sourceURL), slog.String("error", err.Error()))
		if h.metrics != nil {
			h.metrics.IncResolveErrors()
		}
		if clientID != "" {
			h.hub.Send(clientID, progress.Event{Status: "error", SubStatus: "Resolution failed"})
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve media")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// pickFormat selects the stream for a requested format id, falling
// back to the best match for the requested container when the id is
// absent or stale.
func pickFormat(formats []resolver.StreamFormat, formatID, requested string) (resolver.StreamFormat, error) {
	if formatID != "" {
		for _, f := range formats {
			if f.ID == formatID && f.SourceURL != "" {
				return f, nil
			}
		}
	}

	var best resolver.StreamFormat
	if muxplan.IsAudioRequest(requested) {
		for _, f := range formats {
			if !f.HasAudio() || f.HasVideo() || f.SourceURL == "" {
				continue
			}
			if best.SourceURL == "" || f.Bitrate > best.Bitrate {
				best = f
			}
		}
	} else {
		for _, f := range formats {
			if !f.HasVideo() || f.SourceURL == "" || strings.Contains(f.SourceURL, ".m3u8") {
				continue
			}
			if best.SourceURL == "" || f.Height > best.Height {
				best = f
			}
		}
	}
	if best.SourceURL == "" {
		return best, fmt.Errorf("no usable stream for format %q", requested)
	}
	return best, nil
}

// buildFilename renders the download name: sanitized title with the
// container extension, artist-prefixed for music-service requests.
func buildFilename(title, artist, requested string, musicService bool) string {
	if title == "" {
		title = "video"
	}
	if musicService && artist != "" {
		title = artist + " — " + title
	}
	name := strings.TrimSpace(relay.SanitizeFilename(title))
	if name == "" {
		name = "video"
	}
	ext := requested
	switch requested {
	case "webm-audio":
		ext = "webm"
	case "audio":
		ext = "m4a"
	case "":
		ext = "mp4"
	}
	return name + "." + ext
}

type streamParams struct {
	url      string
	format   string
	formatID string
	clientID string
	title    string
	artist   string
	imageURL string
}

func streamParamsFrom(r *http.Request) streamParams {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		q = r.Form
	}
	p := streamParams{
		url:      q.Get("url"),
		format:   q.Get("format"),
		formatID: q.Get("formatId"),
		clientID: q.Get("id"),
		title:    q.Get("title"),
		artist:   q.Get("artist"),
		imageURL: q.Get("imageUrl"),
	}
	if p.format == "" {
		p.format = "mp4"
	}
	if p.clientID == "" {
		p.clientID = uuid.NewString()
	}
	return p
}

// Stream handles GET|POST /stream: resolves the source, plans the mux,
// and pumps either a direct proxy of the chosen stream or transcoder
// output.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	p := streamParamsFrom(r)
	if p.url == "" || !resolver.IsSupportedURL(p.url) {
		writeError(w, http.StatusBadRequest, "no valid url provided")
		return
	}

	media, meta, err := h.svc.ResolveStreams(r.Context(), p.url, p.clientID)
	if err != nil {
		h.log.Error("stream resolve failed", slog.String("url", p.url), slog.String("error", err.Error()))
		h.hub.Send(p.clientID, progress.Event{Status: "error", SubStatus: "Stream failed to initialize"})
		writeError(w, http.StatusInternalServerError, "failed to resolve stream")
		return
	}
	if len(media.Entries) > 0 {
		media = &media.Entries[0]
	}

	chosen, err := pickFormat(media.Formats, p.formatID, p.format)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	cover := p.imageURL
	if cover == "" && meta != nil {
		cover = meta.ImageURL
	}
	plan, err := muxplan.Plan(p.format, chosen, media.Formats, cover)
	if err != nil {
		h.log.Error("mux planning failed", slog.String("url", p.url), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot plan output stream")
		return
	}
	plan.Referer = media.WebpageURL

	title, artist := p.title, p.artist
	if meta != nil {
		if title == "" {
			title = meta.Title
		}
		if artist == "" {
			artist = meta.Artist
		}
	}
	if title == "" {
		title = media.Title
	}
	filename := buildFilename(title, artist, p.format, resolver.IsMusicServiceURL(p.url))

	if h.metrics != nil {
		h.metrics.IncRelayTransfers()
	}

	if plan.Passthrough {
		h.hub.Send(p.clientID, progress.Event{Status: "downloading", Progress: progress.Percent(100), SubStatus: "Stream established"})
		if err := h.relay.Stream(w, r, plan.AudioURL, filename); err != nil {
			h.log.Error("passthrough failed", slog.String("url", p.url), slog.String("error", err.Error()))
			if h.metrics != nil {
				h.metrics.IncRelayErrors()
			}
			writeError(w, http.StatusBadGateway, "upstream fetch failed")
		}
		return
	}

	h.streamTranscode(w, r, plan, filename, p.clientID)
}

func (h *Handler) streamTranscode(w http.ResponseWriter, r *http.Request, plan muxplan.MuxPlan, filename, clientID string) {
	out, err := h.transcoder.Run(r.Context(), plan)
	if err != nil {
		h.log.Error("transcoder start failed", slog.String("error", err.Error()))
		if h.metrics != nil {
			h.metrics.IncRelayErrors()
		}
		h.hub.Send(clientID, progress.Event{Status: "error", SubStatus: "Stream failed to initialize"})
		writeError(w, http.StatusInternalServerError, "transcoder unavailable")
		return
	}
	defer out.Close()

	ext := strings.TrimPrefix(path.Ext(filename), ".")
	contentType := mimeTypes[ext]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", relay.ContentDisposition(filename))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	var sent int64
	for {
		n, readErr := out.Read(buf)
		if n > 0 {
			if sent == 0 {
				h.hub.Send(clientID, progress.Event{Status: "downloading", Progress: progress.Percent(100), SubStatus: "Stream established"})
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			h.log.Warn("transcode stream interrupted", slog.Int64("bytes_sent", sent), slog.String("error", readErr.Error()))
			if h.metrics != nil {
				h.metrics.IncRelayErrors()
			}
			if sent > 0 {
				h.hub.Send(clientID, progress.Event{Status: "error", SubStatus: "Stream interrupted"})
			}
			return
		}
	}
}

// streamURLsResponse describes the inputs a client-side muxer needs:
// proxied stream URLs plus the output container and filename.
type streamURLsResponse struct {
	VideoURL  string `json:"videoUrl,omitempty"`
	AudioURL  string `json:"audioUrl,omitempty"`
	Container string `json:"container"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize,omitempty"`
}

func proxyURL(upstream, filename string) string {
	v := url.Values{}
	v.Set("rawUrl", upstream)
	if filename != "" {
		v.Set("filename", filename)
	}
	return "/proxy?" + v.Encode()
}

// StreamURLs handles GET /stream-urls: the tunnel descriptor for
// clients that mux locally instead of pulling /stream.
func (h *Handler) StreamURLs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sourceURL := q.Get("url")
	if sourceURL == "" || !resolver.IsSupportedURL(sourceURL) {
		writeError(w, http.StatusBadRequest, "no valid url provided")
		return
	}
	format := q.Get("format")
	if format == "" {
		format = "mp4"
	}

	media, meta, err := h.svc.ResolveStreams(r.Context(), sourceURL, q.Get("id"))
	if err != nil {
		h.log.Error("stream-urls resolve failed", slog.String("url", sourceURL), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to resolve stream")
		return
	}
	if len(media.Entries) > 0 {
		media = &media.Entries[0]
	}

	chosen, err := pickFormat(media.Formats, q.Get("formatId"), format)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	plan, err := muxplan.Plan(format, chosen, media.Formats, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot plan output stream")
		return
	}

	title := media.Title
	var artist string
	if meta != nil {
		title, artist = meta.Title, meta.Artist
	}
	resp := streamURLsResponse{
		Container: plan.OutputContainer,
		Filename:  buildFilename(title, artist, format, resolver.IsMusicServiceURL(sourceURL)),
	}
	if plan.VideoURL != "" {
		resp.VideoURL = proxyURL(plan.VideoURL, "")
		resp.TotalSize += sizeOf(media.Formats, plan.VideoURL)
	}
	audioSource := plan.AudioURL
	if audioSource == "" && plan.VideoHasAudio {
		audioSource = plan.VideoURL
	}
	if audioSource != "" && audioSource != plan.VideoURL {
		resp.AudioURL = proxyURL(audioSource, "")
		resp.TotalSize += sizeOf(media.Formats, audioSource)
	}
	writeJSON(w, http.StatusOK, resp)
}

func sizeOf(formats []resolver.StreamFormat, sourceURL string) int64 {
	for _, f := range formats {
		if f.SourceURL == sourceURL {
			return f.SizeBytes
		}
	}
	return 0
}

// Proxy handles GET /proxy?rawUrl=&filename=.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("rawUrl")
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid upstream url")
		return
	}

	if h.metrics != nil {
		h.metrics.IncRelayTransfers()
	}
	if err := h.relay.Stream(w, r, rawURL, r.URL.Query().Get("filename")); err != nil {
		h.log.Error("proxy fetch failed", slog.String("upstream", u.Host), slog.String("error", err.Error()))
		if h.metrics != nil {
			h.metrics.IncRelayErrors()
		}
		writeError(w, http.StatusBadGateway, "proxy fetch failed")
	}
}

// Events handles GET /events?id=: the progress event stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.hub.Subscribe(r.Context(), id, w); err != nil {
		h.log.Error("event subscription failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// RelayPush handles POST /relay/{stream_id}: one produced chunk.
// X-Relay-Final marks the last chunk; X-Relay-Total-Size carries the
// length hint once the producer knows it.
func (h *Handler) RelayPush(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	chunk, err := io.ReadAll(io.LimitReader(r.Body, maxPushChunk))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable chunk")
		return
	}
	final := r.Header.Get("X-Relay-Final") == "1" || strings.EqualFold(r.Header.Get("X-Relay-Final"), "true")
	totalSize, _ := strconv.ParseInt(r.Header.Get("X-Relay-Total-Size"), 10, 64)

	h.broadcast.Push(streamID, chunk, final, totalSize)
	if h.metrics != nil {
		h.metrics.SetActiveRelayEntries(h.broadcast.Len())
	}
	w.WriteHeader(http.StatusNoContent)
}

// RelayPull handles GET /relay/{stream_id}/{filename}: attach to a
// broadcast stream and serve its bytes as a download.
func (h *Handler) RelayPull(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	filename := chi.URLParam(r, "filename")
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c := h.broadcast.Attach(streamID)
	defer h.broadcast.Detach(streamID, c)

	ext := strings.TrimPrefix(path.Ext(filename), ".")
	contentType := mimeTypes[ext]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if filename != "" {
		w.Header().Set("Content-Disposition", relay.ContentDisposition(filename))
	}
	// A truncated entry can only deliver its buffered prefix, so the
	// producer's length hint would be a lie at the HTTP level.
	if total := h.broadcast.TotalSize(streamID); total > 0 && !h.broadcast.Truncated(streamID) {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if prefix := c.Replay(); len(prefix) > 0 {
		if _, err := w.Write(prefix); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-c.Live():
			if !ok {
				if err := c.Err(); err != nil && !errors.Is(err, broadcast.ErrTruncated) {
					h.log.Warn("relay pull ended early", slog.String("stream_id", streamID), slog.String("error", err.Error()))
				}
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// StemsHistory handles GET /stems/history?model=.
func (h *Handler) StemsHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.separator.History(r.URL.Query().Get("model"))
	if err != nil {
		h.log.Error("stem history scan failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
