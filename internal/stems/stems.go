// Package stems drives the audio source-separation tool and tracks its
// output directory.
package stems

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultModel is the fine-tuned separation model; it produces cleaner
// vocals than the base one.
const DefaultModel = "htdemucs_ft"

// Separation is the result of one run: where the stems landed and what
// files the model produced.
type Separation struct {
	Folder string   `json:"folder"`
	Files  []string `json:"files"`
}

// HistoryEntry is one past separation, newest first.
type HistoryEntry struct {
	Name string `json:"name"`
	Time int64  `json:"time"`
}

// Separator runs the separation subprocess. outputRoot is where the
// tool writes `<model>/<inputBase>/<stem>.wav`.
type Separator struct {
	binary     string
	outputRoot string
	log        *slog.Logger
}

func New(outputRoot string, log *slog.Logger) *Separator {
	return &Separator{binary: "demucs", outputRoot: outputRoot, log: log}
}

// Separate splits inputPath into a vocals and an accompaniment stem
// under the output root. An empty model selects DefaultModel.
// Cancelling ctx kills the subprocess.
func (s *Separator) Separate(ctx context.Context, inputPath, model string) (*Separation, error) {
	if model == "" {
		model = DefaultModel
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	args := []string{"--two-stems=vocals", "-n", model, inputPath, "-o", s.outputRoot}
	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.log.Info("separation started", "input", base, "model", model)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		line, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n")
		return nil, fmt.Errorf("separation failed: %s: %w", line, err)
	}
	s.log.Info("separation complete", "input", base, "duration", time.Since(start).Round(time.Second).String())

	dir := filepath.Join(s.outputRoot, model, base)
	files, err := stemFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("separation output missing: %w", err)
	}
	return &Separation{Folder: base, Files: files}, nil
}

func stemFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wav") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no stems in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// History lists past separations for model under the output root,
// newest first by directory modification time. A missing directory is
// an empty history, not an error.
func (s *Separator) History(model string) ([]HistoryEntry, error) {
	if model == "" {
		model = DefaultModel
	}
	dir := filepath.Join(s.outputRoot, model)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	history := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		history = append(history, HistoryEntry{Name: e.Name(), Time: info.ModTime().UnixMilli()})
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Time > history[j].Time })
	return history, nil
}
