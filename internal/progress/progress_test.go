package progress

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func subscribe(t *testing.T, h *Hub, id string) (*httptest.ResponseRecorder, context.CancelFunc, chan error) {
	t.Helper()
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, id, rec) }()

	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		_, ok := h.sessions[id]
		h.mu.Unlock()
		if ok {
			return rec, cancel, done
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func finish(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe never returned")
	}
}

func TestHub_sends_event_frames(t *testing.T) {
	h := NewHub(testLogger())
	rec, cancel, done := subscribe(t, h, "job-1")

	h.Send("job-1", Event{Status: "downloading", Progress: Percent(10), SubStatus: "video"})
	finish(t, cancel, done)

	body := rec.Body.String()
	if !strings.HasPrefix(body, ": ok\n\n") {
		t.Errorf("stream does not open with the ok comment: %q", body)
	}
	if !strings.Contains(body, `data: {"status":"downloading","progress":10,"subStatus":"video"}`+"\n\n") {
		t.Errorf("event frame missing: %q", body)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestHub_progress_never_regresses(t *testing.T) {
	h := NewHub(testLogger())
	rec, cancel, done := subscribe(t, h, "job-2")

	h.Send("job-2", Event{Progress: Percent(50)})
	h.Send("job-2", Event{Progress: Percent(20)})
	h.Send("job-2", Event{Progress: Percent(80)})
	finish(t, cancel, done)

	body := rec.Body.String()
	if strings.Contains(body, `"progress":20`) {
		t.Errorf("progress regressed: %q", body)
	}
	for _, want := range []string{`"progress":50`, `"progress":80`} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %s in %q", want, body)
		}
	}
	// The clamped frame still goes out, pinned at the high-water mark.
	if strings.Count(body, `"progress":50`) != 2 {
		t.Errorf("clamped frame not re-sent at high-water mark: %q", body)
	}
}

func TestHub_unknown_session_dropped(t *testing.T) {
	h := NewHub(testLogger())
	h.Send("nobody", Event{Status: "lost"})
}

func TestHub_status_only_event_omits_progress(t *testing.T) {
	h := NewHub(testLogger())
	rec, cancel, done := subscribe(t, h, "job-3")

	h.Send("job-3", Event{Status: "finalizing"})
	finish(t, cancel, done)

	if strings.Contains(rec.Body.String(), "progress") {
		t.Errorf("progress key leaked into a status-only frame: %q", rec.Body.String())
	}
}
