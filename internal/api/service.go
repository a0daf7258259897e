// Package api exposes the resolution and delivery pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ejjays/nexstream-sub001/internal/brain"
	"github.com/ejjays/nexstream-sub001/internal/progress"
	"github.com/ejjays/nexstream-sub001/internal/refiner"
	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

// maxDurationDrift is how far a search result's duration may deviate
// from the catalog's before the match is rejected as the wrong track.
const maxDurationDrift = 8 * time.Second

type mediaResolver interface {
	Resolve(ctx context.Context, sourceURL string) (*resolver.ResolvedMedia, error)
}

type queryRefiner interface {
	Refine(ctx context.Context, md refiner.Metadata) refiner.Result
}

type metaLookup interface {
	Lookup(ctx context.Context, sourceURL string) *TrackMetadata
	DirectLink(ctx context.Context, sourceURL string) string
}

// refinementCounter is the slice of the metrics surface the service
// touches. Nil disables recording.
type refinementCounter interface {
	IncRefinements()
}

// ResolveResponse is the /resolve payload: display metadata plus the
// derived format views clients pick from.
type ResolveResponse struct {
	Title        string                `json:"title"`
	Artist       string                `json:"artist,omitempty"`
	Album        string                `json:"album,omitempty"`
	Cover        string                `json:"cover,omitempty"`
	Thumbnail    string                `json:"thumbnail,omitempty"`
	Duration     float64               `json:"duration"`
	TargetURL    string                `json:"targetUrl,omitempty"`
	Formats      []resolver.FormatView `json:"formats"`
	AudioFormats []resolver.FormatView `json:"audioFormats"`
	FromBrain    bool                  `json:"fromBrain,omitempty"`
}

// Service runs the resolution flow: direct links go straight to the
// resolver; music-service links go through the Brain, the external
// catalog, the refiner, and a duration-checked search.
type Service struct {
	resolver mediaResolver
	refiner  queryRefiner
	meta     metaLookup
	brain    *brain.Store
	hub      *progress.Hub
	log      *slog.Logger
	metrics  refinementCounter
}

func NewService(res mediaResolver, ref queryRefiner, meta metaLookup, store *brain.Store, hub *progress.Hub, log *slog.Logger) *Service {
	return &Service{resolver: res, refiner: ref, meta: meta, brain: store, hub: hub, log: log}
}

// SetMetrics attaches the refinement counter. Nil leaves recording off.
func (s *Service) SetMetrics(m refinementCounter) {
	s.metrics = m
}

func (s *Service) progress(clientID, status string, pct int, subStatus string) {
	if clientID == "" {
		return
	}
	s.hub.Send(clientID, progress.Event{Status: status, Progress: progress.Percent(pct), SubStatus: subStatus})
}

// Resolve turns a source URL into display metadata and format views.
func (s *Service) Resolve(ctx context.Context, sourceURL, clientID string) (*ResolveResponse, error) {
	if resolver.IsMusicServiceURL(sourceURL) {
		return s.resolveMusic(ctx, sourceURL, clientID)
	}

	s.progress(clientID, "fetching_info", 20, "Extracting media metadata...")
	media, err := s.resolver.Resolve(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	s.progress(clientID, "fetching_info", 85, "Resolving target data...")
	return buildResponse(media, nil), nil
}

func (s *Service) resolveMusic(ctx context.Context, sourceURL, clientID string) (*ResolveResponse, error) {
	s.progress(clientID, "fetching_info", 15, "Checking track memory...")

	if rec, _ := s.brain.Get(ctx, sourceURL); rec != nil && rec.TargetURL != "" && len(rec.AudioFormats) > 0 {
		s.log.Info("brain hit", "title", rec.Title, "url", sourceURL)
		return responseFromRecord(rec), nil
	}

	media, meta, verified, err := s.locateMusic(ctx, sourceURL, clientID)
	if err != nil {
		return nil, err
	}
	s.progress(clientID, "fetching_info", 85, "Resolving target data...")

	resp := buildResponse(media, meta)
	if verified && meta != nil {
		s.brain.Put(ctx, brain.Record{
			URL:          sourceURL,
			Title:        resp.Title,
			Artist:       resp.Artist,
			Album:        resp.Album,
			ImageURL:     resp.Cover,
			DurationMs:   meta.DurationMs,
			ISRC:         meta.ISRC,
			PreviewURL:   meta.PreviewURL,
			TargetURL:    media.WebpageURL,
			Formats:      resp.Formats,
			AudioFormats: resp.AudioFormats,
			Year:         meta.Year,
		})
	}
	return resp, nil
}

// locateMusic maps a music-service link that missed the Brain to
// playable media: a direct platform-link translation when the link
// service knows the track, otherwise the catalog-refine-search chain.
// The returned bool reports whether the match is trusted enough to
// remember (direct link, or a search whose query carried the ISRC).
func (s *Service) locateMusic(ctx context.Context, sourceURL, clientID string) (*resolver.ResolvedMedia, *TrackMetadata, bool, error) {
	meta := s.meta.Lookup(ctx, sourceURL)
	if meta != nil {
		s.sendMetadataUpdate(clientID, meta)
	}

	// The link service maps tracks across platforms itself, so a hit
	// here needs no refinement and no duration check.
	if target := s.meta.DirectLink(ctx, sourceURL); target != "" {
		s.progress(clientID, "fetching_info", 55, "Following direct platform link...")
		media, err := s.resolver.Resolve(ctx, target)
		if err == nil {
			return media, meta, true, nil
		}
		s.log.Warn("direct link unresolvable, falling back to search", "target", target, "error", err)
	}

	refined := s.refineQuery(ctx, meta)
	queries := searchQueries(refined, meta)
	if len(queries) == 0 {
		return nil, nil, false, fmt.Errorf("music link carries no searchable metadata")
	}

	s.progress(clientID, "fetching_info", 60, "Mapping authoritative stream...")
	media, err := s.searchWithDriftCheck(ctx, queries, meta)
	return media, meta, isrcVerified(refined, meta), err
}

// ResolveStreams resolves sourceURL down to the raw stream list the
// mux planner needs. Music-service links resolve through the Brain's
// remembered target when available, otherwise the full search chain.
func (s *Service) ResolveStreams(ctx context.Context, sourceURL, clientID string) (*resolver.ResolvedMedia, *TrackMetadata, error) {
	if !resolver.IsMusicServiceURL(sourceURL) {
		media, err := s.resolver.Resolve(ctx, sourceURL)
		return media, nil, err
	}

	if rec, _ := s.brain.Get(ctx, sourceURL); rec != nil && rec.TargetURL != "" {
		media, err := s.resolver.Resolve(ctx, rec.TargetURL)
		if err == nil {
			return media, metaFromRecord(rec), nil
		}
		s.log.Warn("brain target unresolvable, falling back to search", "url", rec.TargetURL, "error", err)
	}

	media, meta, _, err := s.locateMusic(ctx, sourceURL, clientID)
	return media, meta, err
}

// isrcVerified reports whether the refined query itself carried the
// catalog ISRC, meaning the search was pinned to the exact recording.
func isrcVerified(refined refiner.Result, meta *TrackMetadata) bool {
	return meta != nil && meta.ISRC != "" && strings.Contains(refined.Query, meta.ISRC)
}

func metaFromRecord(rec *brain.Record) *TrackMetadata {
	return &TrackMetadata{
		Title:      rec.Title,
		Artist:     rec.Artist,
		Album:      rec.Album,
		ImageURL:   rec.ImageURL,
		ISRC:       rec.ISRC,
		Year:       rec.Year,
		PreviewURL: rec.PreviewURL,
		DurationMs: rec.DurationMs,
	}
}

func (s *Service) refineQuery(ctx context.Context, meta *TrackMetadata) refiner.Result {
	if meta == nil || meta.Title == "" {
		return refiner.Result{}
	}
	if s.metrics != nil {
		s.metrics.IncRefinements()
	}
	return s.refiner.Refine(ctx, refiner.Metadata{
		Title:      meta.Title,
		Artist:     meta.Artist,
		Album:      meta.Album,
		Year:       meta.Year,
		ISRC:       meta.ISRC,
		DurationMs: meta.DurationMs,
	})
}

// searchQueries orders the search attempts: the refined query first,
// then a plain title-artist fallback.
func searchQueries(refined refiner.Result, meta *TrackMetadata) []string {
	var queries []string
	if refined.Query != "" {
		queries = append(queries, refined.Query)
	}
	if meta != nil && meta.Title != "" {
		fallback := strings.TrimSpace(meta.Title + " " + meta.Artist)
		if len(queries) == 0 || queries[0] != fallback {
			queries = append(queries, fallback)
		}
	}
	return queries
}

func (s *Service) searchWithDriftCheck(ctx context.Context, queries []string, meta *TrackMetadata) (*resolver.ResolvedMedia, error) {
	var lastErr error
	for _, query := range queries {
		media, err := s.resolver.Resolve(ctx, "ytsearch1:"+query)
		if err != nil {
			lastErr = err
			continue
		}
		if len(media.Entries) > 0 {
			media = &media.Entries[0]
		}
		if drift := durationDrift(media, meta); drift > maxDurationDrift {
			s.log.Info("search result rejected",
				"query", query,
				"title", media.Title,
				"drift", drift.Round(100*time.Millisecond).String())
			lastErr = fmt.Errorf("no result within duration tolerance")
			continue
		}
		return media, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no search candidates")
	}
	return nil, fmt.Errorf("music resolution failed: %w", lastErr)
}

func durationDrift(media *resolver.ResolvedMedia, meta *TrackMetadata) time.Duration {
	if meta == nil || meta.DurationMs <= 0 {
		return 0
	}
	drift := media.DurationMs - meta.DurationMs
	if drift < 0 {
		drift = -drift
	}
	return time.Duration(drift) * time.Millisecond
}

func (s *Service) sendMetadataUpdate(clientID string, meta *TrackMetadata) {
	if clientID == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"title":  meta.Title,
		"artist": meta.Artist,
		"cover":  meta.ImageURL,
	})
	if err != nil {
		return
	}
	s.hub.Send(clientID, progress.Event{
		Status:         "fetching_info",
		Progress:       progress.Percent(40),
		SubStatus:      "Synchronizing catalog metadata...",
		MetadataUpdate: []byte(payload),
	})
}

func buildResponse(media *resolver.ResolvedMedia, meta *TrackMetadata) *ResolveResponse {
	resp := &ResolveResponse{
		Title:        media.Title,
		Artist:       media.Uploader,
		Cover:        media.ThumbnailURL,
		Thumbnail:    media.ThumbnailURL,
		Duration:     float64(media.DurationMs) / 1000,
		TargetURL:    media.WebpageURL,
		Formats:      resolver.VideoFormats(media),
		AudioFormats: resolver.AudioFormats(media),
	}
	if meta != nil {
		resp.Title = meta.Title
		resp.Artist = meta.Artist
		resp.Album = meta.Album
		if meta.ImageURL != "" {
			resp.Cover = meta.ImageURL
			resp.Thumbnail = meta.ImageURL
		}
	}
	if resp.Formats == nil {
		resp.Formats = []resolver.FormatView{}
	}
	if resp.AudioFormats == nil {
		resp.AudioFormats = []resolver.FormatView{}
	}
	return resp
}

func responseFromRecord(rec *brain.Record) *ResolveResponse {
	resp := &ResolveResponse{
		Title:        rec.Title,
		Artist:       rec.Artist,
		Album:        rec.Album,
		Cover:        rec.ImageURL,
		Thumbnail:    rec.ImageURL,
		Duration:     float64(rec.DurationMs) / 1000,
		TargetURL:    rec.TargetURL,
		Formats:      rec.Formats,
		AudioFormats: rec.AudioFormats,
		FromBrain:    true,
	}
	if resp.Formats == nil {
		resp.Formats = []resolver.FormatView{}
	}
	if resp.AudioFormats == nil {
		resp.AudioFormats = []resolver.FormatView{}
	}
	return resp
}
