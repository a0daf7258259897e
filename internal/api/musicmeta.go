package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

const (
	soundchartsEndpoint = "https://customer.api.soundcharts.com/api/v2.25"
	oembedEndpoint      = "https://open.spotify.com/oembed"
	odesliEndpoint      = "https://api.odesli.co/v1-alpha.1/links"

	metaCacheTTL = 24 * time.Hour
	metaTimeout  = 8 * time.Second
)

// TrackMetadata is what the external catalog knows about a track. ISRC
// is empty when the catalog lookup failed or the track has none.
type TrackMetadata struct {
	Title      string
	Artist     string
	Album      string
	ImageURL   string
	ISRC       string
	Year       string
	PreviewURL string
	DurationMs int64
}

type cachedMeta struct {
	meta    *TrackMetadata
	fetched time.Time
}

// MetaClient resolves music-service track links to catalog metadata.
// The primary source is a commercial catalog API; without credentials
// it falls back to the public oembed endpoint, which only yields a
// title and cover.
type MetaClient struct {
	appID    string
	apiKey   string
	endpoint string
	oembed   string
	odesli   string
	client   *http.Client
	log      *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedMeta
}

func NewMetaClient(appID, apiKey string, log *slog.Logger) *MetaClient {
	return &MetaClient{
		appID:    appID,
		apiKey:   apiKey,
		endpoint: soundchartsEndpoint,
		oembed:   oembedEndpoint,
		odesli:   odesliEndpoint,
		client:   &http.Client{Timeout: metaTimeout},
		log:      log,
		cache:    make(map[string]cachedMeta),
	}
}

// Lookup returns metadata for sourceURL, or nil when nothing could be
// fetched. Failures are never errors; the caller degrades to whatever
// the extraction subprocess reports.
func (c *MetaClient) Lookup(ctx context.Context, sourceURL string) *TrackMetadata {
	trackID := resolver.TrackID(sourceURL)
	if trackID == "" {
		return nil
	}

	c.mu.Lock()
	if cached, ok := c.cache[trackID]; ok && time.Since(cached.fetched) < metaCacheTTL {
		c.mu.Unlock()
		return cached.meta
	}
	c.mu.Unlock()

	meta := c.fromCatalog(ctx, trackID)
	if meta == nil {
		meta = c.fromOembed(ctx, trackID)
	}
	if meta == nil {
		return nil
	}

	c.mu.Lock()
	c.cache[trackID] = cachedMeta{meta: meta, fetched: time.Now()}
	c.mu.Unlock()
	return meta
}

// DirectLink asks the cross-platform link service for the YouTube URL
// of a music-service track. Empty means no mapping; the caller falls
// back to search. Failures are never errors.
func (c *MetaClient) DirectLink(ctx context.Context, sourceURL string) string {
	if resolver.TrackID(sourceURL) == "" {
		return ""
	}

	u := fmt.Sprintf("%s?url=%s", c.odesli, url.QueryEscape(sourceURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug("link service lookup failed", "url", sourceURL, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var payload struct {
		LinksByPlatform map[string]struct {
			URL string `json:"url"`
		} `json:"linksByPlatform"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	if link := payload.LinksByPlatform["youtube"].URL; link != "" {
		return link
	}
	return payload.LinksByPlatform["youtubeMusic"].URL
}

func (c *MetaClient) fromCatalog(ctx context.Context, trackID string) *TrackMetadata {
	if c.appID == "" || c.apiKey == "" {
		return nil
	}

	u := fmt.Sprintf("%s/song/by-platform/spotify/%s", c.endpoint, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("x-app-id", c.appID)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug("catalog lookup failed", "track_id", trackID, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Object struct {
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Labels []struct {
				Name string `json:"name"`
			} `json:"labels"`
			ImageURL string  `json:"imageUrl"`
			Duration float64 `json:"duration"`
			ISRC     struct {
				Value string `json:"value"`
			} `json:"isrc"`
			ReleaseDate string `json:"releaseDate"`
			PreviewURL  string `json:"previewUrl"`
		} `json:"object"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	obj := payload.Object
	if obj.Name == "" {
		return nil
	}

	meta := &TrackMetadata{
		Title:      obj.Name,
		Artist:     "Unknown Artist",
		ImageURL:   obj.ImageURL,
		ISRC:       obj.ISRC.Value,
		Year:       "Unknown",
		PreviewURL: obj.PreviewURL,
		DurationMs: int64(obj.Duration * 1000),
	}
	if len(obj.Artists) > 0 {
		meta.Artist = obj.Artists[0].Name
	}
	if len(obj.Labels) > 0 {
		meta.Album = obj.Labels[0].Name
	}
	if obj.ReleaseDate != "" {
		meta.Year, _, _ = strings.Cut(obj.ReleaseDate, "-")
	}
	return meta
}

func (c *MetaClient) fromOembed(ctx context.Context, trackID string) *TrackMetadata {
	trackURL := "https://open.spotify.com/track/" + trackID
	u := fmt.Sprintf("%s?url=%s", c.oembed, url.QueryEscape(trackURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug("oembed lookup failed", "track_id", trackID, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Title == "" {
		return nil
	}
	return &TrackMetadata{Title: payload.Title, ImageURL: payload.ThumbnailURL, Year: "Unknown"}
}
