package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// Reader loads audio files of any container ffmpeg understands. Plain PCM
// WAV is decoded in-process; everything else is converted to a temporary
// 16kHz mono WAV first.
type Reader struct {
	ffmpeg string
	runner commandRunner
	log    *slog.Logger
}

// NewReader returns a Reader using the ffmpeg binary at ffmpegPath
// (looked up on PATH when it has no directory component).
func NewReader(ffmpegPath string, logger *slog.Logger) *Reader {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{ffmpeg: ffmpegPath, runner: execRunner{}, log: logger}
}

// ReadFile returns mono samples at SampleRate for the file at path.
func (r *Reader) ReadFile(ctx context.Context, path string) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		samples, err := readWAVFile(path)
		if err == nil {
			return samples, nil
		}
		// Compressed or float WAV variants still go through ffmpeg.
		r.log.Debug("In-process WAV decode failed, converting", "path", path, "error", err)
	}
	return r.convert(ctx, path)
}

func (r *Reader) convert(ctx context.Context, path string) ([]float32, error) {
	tmpDir, err := os.MkdirTemp("", "gostt-convert-")
	if err != nil {
		return nil, fmt.Errorf("audio: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	out := filepath.Join(tmpDir, "audio.wav")
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", path,
		"-vn", "-ac", "1", "-ar", fmt.Sprint(SampleRate), "-c:a", "pcm_s16le",
		out,
	}
	if err := r.runner.Run(ctx, r.ffmpeg, args...); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("audio: ffmpeg not found at %q: %w", r.ffmpeg, err)
		}
		return nil, fmt.Errorf("audio: ffmpeg convert %s: %w", filepath.Base(path), err)
	}

	samples, err := readWAVFile(out)
	if err != nil {
		return nil, fmt.Errorf("audio: read converted %s: %w", filepath.Base(path), err)
	}
	return samples, nil
}

func readWAVFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWAV(f)
}
