// Package brain persists resolved track metadata in SQLite so repeat
// requests for the same source skip the external lookup chain.
package brain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ejjays/nexstream-sub001/internal/resolver"
)

// Record is one remembered track mapping. The source URL (query string
// stripped) is the primary key; writes replace the whole row.
type Record struct {
	URL          string                `json:"url"`
	Title        string                `json:"title"`
	Artist       string                `json:"artist"`
	Album        string                `json:"album,omitempty"`
	ImageURL     string                `json:"image_url,omitempty"`
	DurationMs   int64                 `json:"duration"`
	ISRC         string                `json:"isrc,omitempty"`
	PreviewURL   string                `json:"preview_url,omitempty"`
	TargetURL    string                `json:"target_url,omitempty"`
	Formats      []resolver.FormatView `json:"formats,omitempty"`
	AudioFormats []resolver.FormatView `json:"audio_formats,omitempty"`
	Year         string                `json:"year,omitempty"`
	Timestamp    int64                 `json:"timestamp"`
}

// Store is the SQLite-backed mapping store. A nil *Store is valid and
// behaves as an always-miss, write-discarding store, which is how the
// service runs when no database is configured.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS track_mappings (
	url TEXT PRIMARY KEY,
	title TEXT,
	artist TEXT,
	album TEXT,
	image_url TEXT,
	duration INTEGER,
	isrc TEXT,
	preview_url TEXT,
	target_url TEXT,
	formats TEXT,
	audio_formats TEXT,
	year TEXT,
	timestamp INTEGER
);
`

// Open opens (creating if needed) the store at dbPath. An empty path
// returns a nil store, which disables persistence without erroring.
func Open(dbPath string, log *slog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open brain database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping brain database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create track_mappings: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Get looks up the mapping for sourceURL. A miss, a decode problem, or
// any store error all return (nil, nil): the caller falls through to a
// fresh resolution either way.
func (s *Store) Get(ctx context.Context, sourceURL string) (*Record, error) {
	if s == nil {
		return nil, nil
	}

	key := resolver.CleanURL(sourceURL)
	row := s.db.QueryRowContext(ctx, `
		SELECT url, title, artist, album, image_url, duration, isrc,
		       preview_url, target_url, formats, audio_formats, year, timestamp
		FROM track_mappings WHERE url = ?`, key)

	var rec Record
	var formats, audioFormats sql.NullString
	err := row.Scan(&rec.URL, &rec.Title, &rec.Artist, &rec.Album, &rec.ImageURL,
		&rec.DurationMs, &rec.ISRC, &rec.PreviewURL, &rec.TargetURL,
		&formats, &audioFormats, &rec.Year, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.log.Warn("brain lookup failed", "url", key, "error", err)
		return nil, nil
	}

	if formats.Valid && formats.String != "" {
		if err := json.Unmarshal([]byte(formats.String), &rec.Formats); err != nil {
			s.log.Warn("brain formats corrupted", "url", key, "error", err)
			return nil, nil
		}
	}
	if audioFormats.Valid && audioFormats.String != "" {
		if err := json.Unmarshal([]byte(audioFormats.String), &rec.AudioFormats); err != nil {
			s.log.Warn("brain audio formats corrupted", "url", key, "error", err)
			return nil, nil
		}
	}
	return &rec, nil
}

// Put stores rec under its cleaned URL, replacing any previous row.
// Storage failures are logged and swallowed; remembering a track is
// never worth failing the request that produced it.
func (s *Store) Put(ctx context.Context, rec Record) {
	if s == nil {
		return
	}

	if rec.Title == "" {
		rec.Title = "Unknown Title"
	}
	if rec.Artist == "" {
		rec.Artist = "Unknown Artist"
	}
	if rec.Year == "" {
		rec.Year = "Unknown"
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	key := resolver.CleanURL(rec.URL)

	formats, err := json.Marshal(rec.Formats)
	if err != nil {
		s.log.Warn("brain formats encode failed", "url", key, "error", err)
		return
	}
	audioFormats, err := json.Marshal(rec.AudioFormats)
	if err != nil {
		s.log.Warn("brain audio formats encode failed", "url", key, "error", err)
		return
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO track_mappings
		(url, title, artist, album, image_url, duration, isrc,
		 preview_url, target_url, formats, audio_formats, year, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, rec.Title, rec.Artist, rec.Album, rec.ImageURL, rec.DurationMs,
		rec.ISRC, rec.PreviewURL, rec.TargetURL, string(formats),
		string(audioFormats), rec.Year, rec.Timestamp)
	if err != nil {
		s.log.Warn("brain store failed", "url", key, "error", err)
	}
}
