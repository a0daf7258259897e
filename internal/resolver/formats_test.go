package resolver

import "testing"

func sampleMedia() *ResolvedMedia {
	return &ResolvedMedia{
		Title:      "Clip",
		DurationMs: 100000,
		Formats: []StreamFormat{
			{ID: "sb0", Container: "mhtml", VideoCodec: "png"},
			{ID: "18", Container: "mp4", VideoCodec: "avc1", AudioCodec: "mp4a", Height: 360},
			{ID: "137", Container: "mp4", VideoCodec: "avc1.640028", Height: 1080},
			{ID: "137-drc", Container: "mp4", VideoCodec: "avc1.640028", Height: 1080},
			{ID: "248", Container: "webm", VideoCodec: "vp9", Height: 1080},
			{ID: "140", Container: "m4a", AudioCodec: "mp4a.40.2", Bitrate: 129},
			{ID: "251", Container: "webm", AudioCodec: "opus", Bitrate: 140},
		},
	}
}

func TestVideoFormats(t *testing.T) {
	views := VideoFormats(sampleMedia())

	if len(views) != 2 {
		t.Fatalf("views = %d, want 2 (1080p deduped, storyboard and audio dropped): %+v", len(views), views)
	}
	if views[0].Quality != "1080p" || views[1].Quality != "360p" {
		t.Errorf("unexpected order: %q, %q", views[0].Quality, views[1].Quality)
	}
	if views[0].ID != "137" {
		t.Errorf("dedupe should keep the first 1080p entry, got %q", views[0].ID)
	}
}

func TestVideoFormats_resolution_label_fallback(t *testing.T) {
	media := &ResolvedMedia{Formats: []StreamFormat{
		{ID: "v1", Container: "mp4", VideoCodec: "avc1", Resolution: "1280x720"},
	}}
	views := VideoFormats(media)
	if len(views) != 1 || views[0].Quality != "720p" {
		t.Errorf("expected 720p from resolution pair, got %+v", views)
	}
}

func TestAudioFormats(t *testing.T) {
	views := AudioFormats(sampleMedia())

	if len(views) < 2 {
		t.Fatalf("views = %d, want at least 2", len(views))
	}
	// Pure-audio streams come first, highest bitrate first.
	if views[0].ID != "251" {
		t.Errorf("expected 251 (opus 140kbps) first, got %q", views[0].ID)
	}
	if views[0].Quality != "140kbps" {
		t.Errorf("quality label = %q, want 140kbps", views[0].Quality)
	}
	for i, v := range views {
		if v.HasVideo && i == 0 {
			t.Errorf("video-bearing stream sorted before pure audio")
		}
	}
}

func TestAudioFormats_known_format_label(t *testing.T) {
	media := &ResolvedMedia{Formats: []StreamFormat{
		{ID: "18", Container: "mp4", VideoCodec: "avc1", AudioCodec: "mp4a"},
	}}
	views := AudioFormats(media)
	if len(views) != 1 || views[0].Quality != "128kbps (HQ)" {
		t.Errorf("expected the fixed label for format 18, got %+v", views)
	}
}
