package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ejjays/nexstream-sub001/internal/broadcast"
	"github.com/ejjays/nexstream-sub001/internal/progress"
	"github.com/ejjays/nexstream-sub001/internal/relay"
	"github.com/ejjays/nexstream-sub001/internal/resolver"
	"github.com/ejjays/nexstream-sub001/internal/stems"
	"github.com/ejjays/nexstream-sub001/internal/transcode"
)

func newTestRouter(t *testing.T, res *fakeResolver) *chi.Mux {
	t.Helper()
	log := testLogger()
	hub := progress.NewHub(log)
	svc := NewService(res, stubRefiner{}, stubMeta{}, nil, hub, log)
	h := NewHandler(svc, relay.New(log), broadcast.New(log), hub, transcode.New(log), stems.New(t.TempDir(), log), log, nil)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func TestResolveEndpoint(t *testing.T) {
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": sampleMedia("A Video", 210000),
	}}
	router := newTestRouter(t, res)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resolve?url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3Dabc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp ResolveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Title != "A Video" || len(resp.AudioFormats) == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestResolveEndpoint_rejects_bad_url(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	for _, target := range []string{"/resolve", "/resolve?url=https%3A%2F%2Fevil.example.com%2Fx"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", target, rec.Code)
		}
	}
}

func TestStreamEndpoint_passthrough(t *testing.T) {
	payload := bytes.Repeat([]byte("audio"), 100)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		w.Write(payload)
	}))
	defer upstream.Close()

	media := sampleMedia("Track Title", 210000)
	media.Formats[1].SourceURL = upstream.URL
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": media,
	}}
	router := newTestRouter(t, res)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/stream?url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3Dabc&format=m4a&formatId=140", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body length = %d, want %d", rec.Body.Len(), len(payload))
	}
	disp := rec.Header().Get("Content-Disposition")
	if !strings.Contains(disp, "Track%20Title.m4a") {
		t.Errorf("disposition = %q", disp)
	}
}

func TestStreamEndpoint_head(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/stream?url=x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d", rec.Code)
	}
}

func TestStreamURLsEndpoint(t *testing.T) {
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": sampleMedia("A Video", 210000),
	}}
	router := newTestRouter(t, res)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/stream-urls?url=https%3A%2F%2Fwww.youtube.com%2Fwatch%3Fv%3Dabc&format=mp4&formatId=137", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp streamURLsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.VideoURL, "/proxy?") || !strings.HasPrefix(resp.AudioURL, "/proxy?") {
		t.Errorf("descriptor = %+v", resp)
	}
	if resp.Container != "mp4" || resp.Filename != "A Video.mp4" {
		t.Errorf("descriptor = %+v", resp)
	}
	if resp.TotalSize != 1200 {
		t.Errorf("total size = %d", resp.TotalSize)
	}
}

func TestProxyEndpoint_validates_url(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	for _, target := range []string{"/proxy", "/proxy?rawUrl=ftp%3A%2F%2Fhost%2Ff", "/proxy?rawUrl=notaurl"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", target, rec.Code)
		}
	}
}

func TestProxyEndpoint_streams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	router := newTestRouter(t, &fakeResolver{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy?rawUrl="+strings.ReplaceAll(upstream.URL, ":", "%3A")+"&filename=clip.mp4", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "clip.mp4") {
		t.Errorf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
}

func TestRelayPushPull(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	push := func(body string, final bool, total string) {
		req := httptest.NewRequest(http.MethodPost, "/relay/job-1", strings.NewReader(body))
		if final {
			req.Header.Set("X-Relay-Final", "1")
		}
		if total != "" {
			req.Header.Set("X-Relay-Total-Size", total)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("push status = %d", rec.Code)
		}
	}

	push("hello ", false, "11")
	push("world", true, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay/job-1/song.m4a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("pulled %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "audio/mp4" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Content-Length") != "11" {
		t.Errorf("content length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestRelayPull_truncated_entry_omits_length(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	push := func(body []byte, total string) {
		req := httptest.NewRequest(http.MethodPost, "/relay/job-2", bytes.NewReader(body))
		if total != "" {
			req.Header.Set("X-Relay-Total-Size", total)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("push status = %d", rec.Code)
		}
	}

	push(bytes.Repeat([]byte("x"), broadcast.BufferCap), "1048576")
	push([]byte("overflow"), "")

	// A late attacher only gets the buffered prefix, so the producer's
	// total-size hint must not be sent as Content-Length.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay/job-2/song.m4a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Errorf("content length on truncated pull = %q", got)
	}
	if rec.Body.Len() != broadcast.BufferCap {
		t.Errorf("pulled %d bytes, want the buffered prefix", rec.Body.Len())
	}
}

func TestStemsHistoryEndpoint(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stems/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHealthzEndpoint(t *testing.T) {
	router := newTestRouter(t, &fakeResolver{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limited := RateLimit(rate.NewLimiter(0, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	limited.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}

	second := httptest.NewRecorder()
	limited.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d", second.Code)
	}
}

func TestCORSMiddleware_preflight(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/resolve", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("allow-origin missing")
	}
}

func TestPickFormat(t *testing.T) {
	formats := sampleMedia("x", 0).Formats

	chosen, err := pickFormat(formats, "140", "m4a")
	if err != nil || chosen.ID != "140" {
		t.Errorf("by id = %+v, %v", chosen, err)
	}

	chosen, err = pickFormat(formats, "", "m4a")
	if err != nil || chosen.ID != "140" {
		t.Errorf("best audio = %+v, %v", chosen, err)
	}

	chosen, err = pickFormat(formats, "stale-id", "mp4")
	if err != nil || chosen.ID != "137" {
		t.Errorf("best video = %+v, %v", chosen, err)
	}

	if _, err := pickFormat(nil, "", "mp4"); err == nil {
		t.Error("expected error with no formats")
	}
}

func TestBuildFilename(t *testing.T) {
	if got := buildFilename(`A/B: Song?`, "", "mp4", false); got != "AB Song.mp4" {
		t.Errorf("filename = %q", got)
	}
	if got := buildFilename("Song", "Artist", "m4a", true); got != "Artist — Song.m4a" {
		t.Errorf("music filename = %q", got)
	}
	if got := buildFilename("Song", "Artist", "webm-audio", false); got != "Song.webm" {
		t.Errorf("webm-audio filename = %q", got)
	}
	if got := buildFilename("", "", "", false); got != "video.mp4" {
		t.Errorf("fallback filename = %q", got)
	}
}
