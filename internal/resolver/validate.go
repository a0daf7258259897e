package resolver

import (
	"net/url"
	"regexp"
	"strings"
)

// supportedDomains is the fixed allow-list of source platforms. A URL is
// accepted when its hostname equals one of these or is a subdomain of one.
var supportedDomains = []string{
	"youtube.com",
	"youtu.be",
	"spotify.com",
	"open.spotify.com",
	"facebook.com",
	"fb.watch",
	"instagram.com",
	"tiktok.com",
	"twitter.com",
	"x.com",
	"soundcloud.com",
	"reddit.com",
}

var trackIDPattern = regexp.MustCompile(`/track/([a-zA-Z0-9]{22})`)

// IsSupportedURL reports whether raw points at one of the supported source
// platforms. Search expressions (ytsearch1:...) are accepted as-is.
func IsSupportedURL(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "ytsearch") {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	host := parsed.Hostname()
	for _, domain := range supportedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// IsMusicServiceURL reports whether raw is a metadata-only music-service link
// that needs cross-platform refinement before media can be fetched.
func IsMusicServiceURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == "open.spotify.com" || host == "spotify.com"
}

// TrackID extracts the 22-character track identifier from a music-service
// link, or returns "" when the link does not denote a single track.
func TrackID(raw string) string {
	if !IsMusicServiceURL(raw) {
		return ""
	}
	m := trackIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}

// CleanURL strips the query string from a source URL. Cache keys use the
// cleaned form so share-link tracking parameters do not split cache entries.
func CleanURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
