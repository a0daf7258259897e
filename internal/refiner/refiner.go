// Package refiner turns sparse music-service metadata into a high-precision
// search query for the upstream resolver, using one or more language-model
// providers with local fallback. Refine never fails: any provider error
// degrades to the neutral "no refinement" result.
package refiner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Metadata is the partial track description available from a metadata-only
// source.
type Metadata struct {
	Title      string
	Artist     string
	Album      string
	Year       string
	ISRC       string
	DurationMs int64
}

// Result is a refined search query with the provider's self-reported
// confidence. A zero-value Result means no refinement was possible.
type Result struct {
	Query      string `json:"query"`
	Confidence int    `json:"confidence"`
}

// Provider is one refinement backend. TryRefine returns nil when the provider
// produced no usable result; errors are informational only and never stop the
// chain.
type Provider interface {
	Name() string
	TryRefine(ctx context.Context, prompt string) (*Result, error)
}

// Refiner runs the provider chain with a process-lifetime result cache keyed
// by lowercase "title-artist".
type Refiner struct {
	providers []Provider
	log       *slog.Logger

	mu    sync.Mutex
	cache map[string]Result
}

// New returns a Refiner over the given providers, tried in order. Providers
// whose credentials are absent should simply not be passed in.
func New(providers []Provider, log *slog.Logger) *Refiner {
	return &Refiner{
		providers: providers,
		log:       log,
		cache:     make(map[string]Result),
	}
}

// Refine produces a search query for md. The cache is consulted first and a
// hit bypasses every provider. Never returns an error; the fallback is the
// neutral Result{}.
func (r *Refiner) Refine(ctx context.Context, md Metadata) Result {
	key := cacheKey(md)

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	prompt := buildPrompt(md)
	for _, p := range r.providers {
		result, err := p.TryRefine(ctx, prompt)
		if err != nil {
			r.log.Debug("refinement provider failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if result == nil || result.Query == "" {
			continue
		}
		r.mu.Lock()
		r.cache[key] = *result
		r.mu.Unlock()
		return *result
	}
	return Result{}
}

func cacheKey(md Metadata) string {
	return strings.ToLower(md.Title + "-" + md.Artist)
}

// buildPrompt renders the deterministic refinement prompt. The ISRC sentinel
// and rounded duration keep identical inputs producing identical prompts so
// provider-side caching can help too.
func buildPrompt(md Metadata) string {
	isrc := md.ISRC
	if isrc == "" {
		isrc = "NONE"
	}
	seconds := (md.DurationMs + 500) / 1000
	return fmt.Sprintf(`Act as a Professional Music Query Architect.
        DATA: Title: %q, Artist: %q, Album: %q, Year: %q, VERIFIED_ISRC: %q, Duration: %ds
        TASK: Create a high-precision YouTube search query. Include ISRC if provided. RETURN JSON ONLY: {"query": "Artist Title [ISRC] Topic", "confidence": 100}`,
		md.Title, md.Artist, md.Album, md.Year, isrc, seconds)
}
