// Package relay proxies upstream media bytes to clients, adding the
// request headers CDNs expect and forwarding range responses verbatim.
package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

// refererTable maps upstream host fragments to the Referer (and
// optionally Origin) the platform requires before serving media.
var refererTable = []struct {
	hostContains []string
	referer      string
	origin       string
}{
	{[]string{"googlevideo.com", "youtube.com"}, "https://www.youtube.com/", "https://www.youtube.com"},
	{[]string{"tiktok.com"}, "https://www.tiktok.com/", ""},
	{[]string{"instagram.com"}, "https://www.instagram.com/", ""},
	{[]string{"facebook.com", "fbcdn.net"}, "https://www.facebook.com/", ""},
	{[]string{"twitter.com", "x.com"}, "https://twitter.com/", ""},
}

// passThroughHeaders is the allow-list of upstream response headers
// copied to the client. Everything else is dropped.
var passThroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Accept-Ranges",
	"Content-Range",
	"Cache-Control",
}

// Relay streams upstream HTTP resources to clients.
type Relay struct {
	client *http.Client
	log    *slog.Logger
}

func New(log *slog.Logger) *Relay {
	// No client timeout: transfers legitimately run for minutes. The
	// request context handles cancellation.
	return &Relay{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		log: log,
	}
}

// ProxyHeaders builds the upstream request headers for rawURL. The
// client's Range header passes through; without one a full-range
// request is sent anyway because some CDNs throttle non-ranged
// requests hard.
func ProxyHeaders(rawURL, clientRange string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", resolver.UserAgent)
	h.Set("Accept", "*/*")

	if clientRange == "" {
		clientRange = "bytes=0-"
	}
	h.Set("Range", clientRange)

	u, err := url.Parse(rawURL)
	if err != nil {
		return h
	}
	host := u.Hostname()
	for _, entry := range refererTable {
		for _, frag := range entry.hostContains {
			if strings.Contains(host, frag) {
				h.Set("Referer", entry.referer)
				if entry.origin != "" {
					h.Set("Origin", entry.origin)
				}
				return h
			}
		}
	}
	return h
}

// Stream fetches upstreamURL and pumps it to w. The upstream status
// and the allow-listed headers are forwarded unchanged. A non-empty
// filename adds a download disposition. Errors before the upstream
// responds are returned so the caller can answer with an error status;
// once headers are written, failures just end the connection.
func (rl *Relay) Stream(w http.ResponseWriter, r *http.Request, upstreamURL, filename string) error {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = ProxyHeaders(upstreamURL, r.Header.Get("Range"))

	resp, err := rl.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream fetch: %w", err)
	}
	defer resp.Body.Close()

	for _, h := range passThroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
	if filename != "" {
		w.Header().Set("Content-Disposition", ContentDisposition(filename))
	}
	w.WriteHeader(resp.StatusCode)

	rl.pump(w, resp.Body, upstreamURL)
	return nil
}

// pump copies upstream bytes to the client chunk by chunk, flushing
// each chunk. Mid-stream failures are logged and the connection is
// left to close short; no trailing error body is attempted.
func (rl *Relay) pump(w http.ResponseWriter, body io.Reader, upstreamURL string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				rl.log.Debug("client disconnected", "upstream", upstreamURL)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			rl.log.Warn("upstream read failed mid-stream", "upstream", upstreamURL, "error", readErr)
			return
		}
	}
}

// ContentDisposition renders an attachment disposition with the
// filename percent-encoded so non-ASCII titles survive.
func ContentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename))
}

// SanitizeFilename strips the characters filesystems reject.
func SanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		}
		return r
	}, name)
}
