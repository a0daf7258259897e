// Package progress pushes per-session status updates to clients over
// server-sent events.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const heartbeatInterval = 20 * time.Second

// Event is one progress frame. Zero-valued fields are omitted so a
// pure status update does not reset the progress bar.
type Event struct {
	Status         string          `json:"status,omitempty"`
	Progress       *int            `json:"progress,omitempty"`
	SubStatus      string          `json:"subStatus,omitempty"`
	MetadataUpdate json.RawMessage `json:"metadata_update,omitempty"`
}

// Percent is a convenience for building Event.Progress.
func Percent(p int) *int { return &p }

type session struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	mu       sync.Mutex
	lastPct  int
	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *session) write(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Hub tracks event-stream subscribers by session id. Events sent to an
// unknown id are dropped silently; producers do not care whether
// anyone is watching.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{sessions: make(map[string]*session), log: log}
}

// Subscribe attaches w as the event stream for id and blocks until the
// client disconnects. A second subscriber with the same id replaces
// the first.
func (h *Hub) Subscribe(ctx context.Context, id string, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer cannot stream")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusOK)

	s := &session{w: w, flusher: flusher, lastPct: -1, done: make(chan struct{})}
	if err := s.write(": ok\n\n"); err != nil {
		return err
	}

	h.mu.Lock()
	if old, exists := h.sessions[id]; exists {
		old.close()
	}
	h.sessions[id] = s
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.sessions[id] == s {
			delete(h.sessions, id)
		}
		h.mu.Unlock()
		s.close()
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if err := s.write(": heartbeat\n\n"); err != nil {
				return nil
			}
		}
	}
}

// Send delivers ev to the subscriber for id, if any. Progress values
// below the session's high-water mark are clamped up so the client
// never sees the bar move backwards.
func (h *Hub) Send(id string, ev Event) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	if ev.Progress != nil {
		s.mu.Lock()
		if *ev.Progress < s.lastPct {
			ev.Progress = Percent(s.lastPct)
		} else {
			s.lastPct = *ev.Progress
		}
		s.mu.Unlock()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("progress event encode failed", "session_id", id, "error", err)
		return
	}
	if err := s.write(fmt.Sprintf("data: %s\n\n", payload)); err != nil {
		h.log.Debug("progress subscriber gone", "session_id", id)
		s.close()
	}
}
