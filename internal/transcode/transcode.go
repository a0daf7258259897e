// Package transcode runs ffmpeg for mux plans and exposes its output
// as a stream.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/ejjays/nexstream-sub001/internal/muxplan"
)

const maxStderr = 16 * 1024

// Executor spawns the transcoder binary. The binary name is injectable
// for tests.
type Executor struct {
	binary string
	log    *slog.Logger
}

func New(log *slog.Logger) *Executor {
	return &Executor{binary: "ffmpeg", log: log}
}

// stream wraps the transcoder's stdout pipe. Close kills the process
// and reaps it; a non-zero exit after partial output surfaces there,
// so callers that hit a read error must discard what they wrote.
type stream struct {
	io.ReadCloser
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	log     *slog.Logger
	waitErr error
	once    sync.Once
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.ReadCloser.Close()
		s.waitErr = s.cmd.Wait()
		if s.waitErr != nil {
			s.log.Debug("transcoder exited", "error", s.waitErr, "stderr", firstLine(s.stderr))
		}
	})
	return s.waitErr
}

// Run starts the transcoder with the plan's argument vector and returns
// its stdout. Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, plan muxplan.MuxPlan) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := muxplan.Args(plan)
	cmd := exec.CommandContext(ctx, e.binary, args...)

	stderr := &bytes.Buffer{}
	cmd.Stderr = &boundedWriter{buf: stderr, limit: maxStderr}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	e.log.Debug("transcoder started", "container", plan.OutputContainer, "audio_only", plan.IsAudioOnly)
	return &stream{ReadCloser: stdout, cancel: cancel, cmd: cmd, stderr: stderr, log: e.log}, nil
}

type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func firstLine(b *bytes.Buffer) string {
	line, _, _ := strings.Cut(strings.TrimSpace(b.String()), "\n")
	return line
}
