package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ejjays/nexstream-sub001/internal/brain"
	"github.com/ejjays/nexstream-sub001/internal/progress"
	"github.com/ejjays/nexstream-sub001/internal/refiner"
	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeResolver struct {
	media map[string]*resolver.ResolvedMedia
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, sourceURL string) (*resolver.ResolvedMedia, error) {
	f.calls = append(f.calls, sourceURL)
	if m, ok := f.media[sourceURL]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("resolution failed: no such source")
}

type stubRefiner struct {
	result refiner.Result
}

func (s stubRefiner) Refine(context.Context, refiner.Metadata) refiner.Result { return s.result }

type stubMeta struct {
	meta *TrackMetadata
	link string
}

func (s stubMeta) Lookup(context.Context, string) *TrackMetadata { return s.meta }
func (s stubMeta) DirectLink(context.Context, string) string     { return s.link }

type countingRefiner struct {
	stubRefiner
	calls int
}

func (c *countingRefiner) Refine(ctx context.Context, md refiner.Metadata) refiner.Result {
	c.calls++
	return c.stubRefiner.Refine(ctx, md)
}

func sampleMedia(title string, durationMs int64) *resolver.ResolvedMedia {
	return &resolver.ResolvedMedia{
		Title:        title,
		Uploader:     "Uploader",
		DurationMs:   durationMs,
		ThumbnailURL: "https://img/thumb.jpg",
		WebpageURL:   "https://www.youtube.com/watch?v=abc",
		Formats: []resolver.StreamFormat{
			{ID: "137", Container: "mp4", VideoCodec: "avc1.64", Height: 1080, Resolution: "1920x1080", SizeBytes: 1000, SourceURL: "https://cdn/v"},
			{ID: "140", Container: "m4a", AudioCodec: "mp4a.40.2", Bitrate: 129, SizeBytes: 200, SourceURL: "https://cdn/a"},
		},
	}
}

func newService(res *fakeResolver, ref stubRefiner, meta stubMeta, store *brain.Store) *Service {
	log := testLogger()
	return NewService(res, ref, meta, store, progress.NewHub(log), log)
}

func TestResolve_direct_link(t *testing.T) {
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": sampleMedia("A Video", 210500),
	}}
	svc := newService(res, stubRefiner{}, stubMeta{}, nil)

	resp, err := svc.Resolve(context.Background(), "https://www.youtube.com/watch?v=abc", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Title != "A Video" || resp.Artist != "Uploader" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Duration != 210.5 {
		t.Errorf("duration = %v", resp.Duration)
	}
	if len(resp.Formats) == 0 || len(resp.AudioFormats) == 0 {
		t.Errorf("format views empty: %d video, %d audio", len(resp.Formats), len(resp.AudioFormats))
	}
	if resp.FromBrain {
		t.Error("direct link marked as brain hit")
	}
}

func TestResolve_music_link_uses_refined_query(t *testing.T) {
	const query = "Artist Song US1234567890 Topic"
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:" + query: sampleMedia("Song (Official)", 210000),
	}}
	meta := &TrackMetadata{
		Title: "Song", Artist: "Artist", Album: "Album",
		ImageURL: "https://img/cover.jpg", ISRC: "US1234567890",
		Year: "2021", DurationMs: 210000,
	}
	svc := newService(res, stubRefiner{refiner.Result{Query: query, Confidence: 95}}, stubMeta{meta: meta}, nil)

	resp, err := svc.Resolve(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.calls) != 1 || !strings.Contains(res.calls[0], "US1234567890") {
		t.Errorf("resolver calls = %v", res.calls)
	}
	// Catalog metadata wins over the extraction result for display.
	if resp.Title != "Song" || resp.Artist != "Artist" || resp.Cover != "https://img/cover.jpg" {
		t.Errorf("response = %+v", resp)
	}
}

func TestResolve_music_direct_link_skips_search(t *testing.T) {
	store, err := brain.Open(filepath.Join(t.TempDir(), "brain.db"), testLogger())
	if err != nil {
		t.Fatalf("brain.Open: %v", err)
	}
	defer store.Close()

	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": sampleMedia("Song", 210000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	ref := &countingRefiner{}
	log := testLogger()
	svc := NewService(res, ref, stubMeta{meta: meta, link: "https://www.youtube.com/watch?v=abc"}, store, progress.NewHub(log), log)

	trackURL := "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT"
	resp, err := svc.Resolve(context.Background(), trackURL, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.calls != 0 {
		t.Errorf("refiner calls = %d, want none on a direct link", ref.calls)
	}
	if len(res.calls) != 1 || res.calls[0] != "https://www.youtube.com/watch?v=abc" {
		t.Errorf("resolver calls = %v", res.calls)
	}
	if resp.Title != "Song" {
		t.Errorf("response = %+v", resp)
	}
	// A direct platform mapping is authoritative and gets remembered.
	if rec, _ := store.Get(context.Background(), trackURL); rec == nil {
		t.Error("direct match not persisted")
	}
}

func TestResolve_music_direct_link_falls_back_to_search(t *testing.T) {
	const query = "Song Artist refined"
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:" + query: sampleMedia("Song", 210000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	svc := newService(res, stubRefiner{refiner.Result{Query: query}}, stubMeta{meta: meta, link: "https://www.youtube.com/watch?v=dead"}, nil)

	resp, err := svc.Resolve(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.calls) != 2 {
		t.Fatalf("resolver calls = %v, want dead link then search", res.calls)
	}
	if resp.Title != "Song" {
		t.Errorf("response = %+v", resp)
	}
}

func TestResolve_music_counts_refinements(t *testing.T) {
	const query = "Song Artist refined"
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:" + query: sampleMedia("Song", 210000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	log := testLogger()
	svc := NewService(res, stubRefiner{refiner.Result{Query: query}}, stubMeta{meta: meta}, nil, progress.NewHub(log), log)

	var counted int
	svc.SetMetrics(refinementCounterFunc(func() { counted++ }))

	if _, err := svc.Resolve(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if counted != 1 {
		t.Errorf("refinements counted = %d, want 1", counted)
	}
}

type refinementCounterFunc func()

func (f refinementCounterFunc) IncRefinements() { f() }

func TestResolve_music_drift_rejection_falls_back(t *testing.T) {
	const refined = "Wrong Version"
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:" + refined:       sampleMedia("Extended Mix", 260000),
		"ytsearch1:Song Artist":      sampleMedia("Song", 211000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	svc := newService(res, stubRefiner{refiner.Result{Query: refined}}, stubMeta{meta: meta}, nil)

	resp, err := svc.Resolve(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.calls) != 2 {
		t.Fatalf("resolver calls = %v", res.calls)
	}
	if resp.TargetURL != "https://www.youtube.com/watch?v=abc" {
		t.Errorf("target = %q", resp.TargetURL)
	}
}

func TestResolve_music_all_candidates_drift(t *testing.T) {
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:q":           sampleMedia("Way Off", 300000),
		"ytsearch1:Song Artist": sampleMedia("Also Off", 150000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	svc := newService(res, stubRefiner{refiner.Result{Query: "q"}}, stubMeta{meta: meta}, nil)

	if _, err := svc.Resolve(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", ""); err == nil {
		t.Fatal("expected resolution failure when every candidate drifts")
	}
}

func TestResolve_isrc_verified_result_is_remembered(t *testing.T) {
	store, err := brain.Open(filepath.Join(t.TempDir(), "brain.db"), testLogger())
	if err != nil {
		t.Fatalf("brain.Open: %v", err)
	}
	defer store.Close()

	const query = "Artist Song US1234567890"
	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:" + query: sampleMedia("Song", 210000),
	}}
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", ISRC: "US1234567890", DurationMs: 210000}
	svc := newService(res, stubRefiner{refiner.Result{Query: query}}, stubMeta{meta: meta}, store)

	trackURL := "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT"
	if _, err := svc.Resolve(context.Background(), trackURL, ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	resp, err := svc.Resolve(context.Background(), trackURL, "")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !resp.FromBrain {
		t.Error("second resolve did not hit the brain")
	}
	if len(res.calls) != 1 {
		t.Errorf("resolver calls = %v, want a single search", res.calls)
	}
}

func TestResolve_unverified_result_not_remembered(t *testing.T) {
	store, err := brain.Open(filepath.Join(t.TempDir(), "brain.db"), testLogger())
	if err != nil {
		t.Fatalf("brain.Open: %v", err)
	}
	defer store.Close()

	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"ytsearch1:Song Artist": sampleMedia("Song", 210000),
	}}
	// No ISRC in the catalog data, so the match cannot be verified.
	meta := &TrackMetadata{Title: "Song", Artist: "Artist", DurationMs: 210000}
	svc := newService(res, stubRefiner{}, stubMeta{meta: meta}, store)

	trackURL := "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT"
	if _, err := svc.Resolve(context.Background(), trackURL, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec, _ := store.Get(context.Background(), trackURL); rec != nil {
		t.Errorf("unverified match persisted: %+v", rec)
	}
}

func TestResolveStreams_brain_target(t *testing.T) {
	store, err := brain.Open(filepath.Join(t.TempDir(), "brain.db"), testLogger())
	if err != nil {
		t.Fatalf("brain.Open: %v", err)
	}
	defer store.Close()

	trackURL := "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT"
	store.Put(context.Background(), brain.Record{
		URL:       trackURL,
		Title:     "Song",
		Artist:    "Artist",
		TargetURL: "https://www.youtube.com/watch?v=abc",
	})

	res := &fakeResolver{media: map[string]*resolver.ResolvedMedia{
		"https://www.youtube.com/watch?v=abc": sampleMedia("Song", 210000),
	}}
	svc := newService(res, stubRefiner{}, stubMeta{}, store)

	media, meta, err := svc.ResolveStreams(context.Background(), trackURL, "")
	if err != nil {
		t.Fatalf("ResolveStreams: %v", err)
	}
	if len(res.calls) != 1 || res.calls[0] != "https://www.youtube.com/watch?v=abc" {
		t.Errorf("resolver calls = %v", res.calls)
	}
	if len(media.Formats) != 2 {
		t.Errorf("formats = %d", len(media.Formats))
	}
	if meta == nil || meta.Artist != "Artist" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestSearchQueries(t *testing.T) {
	meta := &TrackMetadata{Title: "Song", Artist: "Artist"}
	got := searchQueries(refiner.Result{Query: "refined"}, meta)
	if len(got) != 2 || got[0] != "refined" || got[1] != "Song Artist" {
		t.Errorf("queries = %v", got)
	}
	if got := searchQueries(refiner.Result{}, nil); len(got) != 0 {
		t.Errorf("queries without metadata = %v", got)
	}
	if got := searchQueries(refiner.Result{Query: "Song Artist"}, meta); len(got) != 1 {
		t.Errorf("duplicate fallback kept: %v", got)
	}
}

func TestIsrcVerified(t *testing.T) {
	meta := &TrackMetadata{ISRC: "US1234567890"}
	if !isrcVerified(refiner.Result{Query: "Song US1234567890"}, meta) {
		t.Error("query containing the ISRC should verify")
	}
	if isrcVerified(refiner.Result{Query: "Song"}, meta) {
		t.Error("query without the ISRC should not verify")
	}
	if isrcVerified(refiner.Result{Query: "any"}, &TrackMetadata{}) {
		t.Error("missing catalog ISRC should never verify")
	}
}
