// Package models locates whisper.cpp ggml artifacts on disk and downloads
// missing ones from HuggingFace.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-server/internal/model"
)

// DefaultBaseURL hosts the ggml conversions of the whisper models.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// ErrMissing is returned when an artifact is not on disk and downloads are
// disabled.
var ErrMissing = errors.New("models: model file not found")

// FileName returns the ggml artifact for cfg. Reduced precisions map to the
// quantized conversions; large-v3 is only published as q5_0.
func FileName(cfg model.Config) string {
	switch cfg.Precision {
	case "int8", "int8_float16":
		quant := "q8_0"
		if cfg.Size == "large-v3" {
			quant = "q5_0"
		}
		return "ggml-" + cfg.Size + "-" + quant + ".bin"
	default:
		return "ggml-" + cfg.Size + ".bin"
	}
}

// Store manages the model directory.
type Store struct {
	Dir          string
	BaseURL      string
	AutoDownload bool
	Client       *http.Client

	log *slog.Logger
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, autoDownload bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Dir:          dir,
		BaseURL:      DefaultBaseURL,
		AutoDownload: autoDownload,
		Client:       &http.Client{Timeout: 30 * time.Minute},
		log:          logger,
	}
}

// Path returns where the artifact for cfg lives, whether or not it exists.
func (s *Store) Path(cfg model.Config) string {
	return filepath.Join(s.Dir, FileName(cfg))
}

// Ensure returns the path of the artifact for cfg, downloading it first
// when it is missing and AutoDownload is set.
func (s *Store) Ensure(ctx context.Context, cfg model.Config) (string, error) {
	path := s.Path(cfg)
	if exists(path) {
		return path, nil
	}
	if !s.AutoDownload {
		return "", fmt.Errorf("%w: %s (run 'gostt-server download %s')", ErrMissing, path, cfg.Size)
	}
	return s.Download(ctx, FileName(cfg))
}

// Installed lists the ggml artifacts present in the directory.
func (s *Store) Installed() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("models: listing %s: %w", s.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ggml-") && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Download fetches one artifact into the directory and returns its path.
// An existing file is left alone.
func (s *Store) Download(ctx context.Context, name string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating models dir: %w", err)
	}

	destPath := filepath.Join(s.Dir, name)
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		s.log.Info("Model already exists", "path", destPath, "size_mb", info.Size()/(1<<20))
		return destPath, nil
	}

	url := strings.TrimSuffix(s.BaseURL, "/") + "/" + name
	s.log.Info("Downloading model", "url", url, "dest", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", name, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: HTTP %d", name, resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	pw := &progressWriter{
		writer: f,
		total:  resp.ContentLength,
		label:  name,
		log:    s.log,
	}

	written, err := io.Copy(pw, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing model file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("moving model file: %w", err)
	}

	s.log.Info("Downloaded model", "name", name, "size_mb", written/(1<<20))
	return destPath, nil
}

// DownloadAll fetches several artifacts with at most parallel downloads in
// flight. The first failure cancels the rest.
func (s *Store) DownloadAll(ctx context.Context, names []string, parallel int) error {
	if parallel <= 0 {
		parallel = 2
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, name := range names {
		g.Go(func() error {
			_, err := s.Download(ctx, name)
			return err
		})
	}
	return g.Wait()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// progressWriter wraps an io.Writer and logs download progress every 10%.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
	log     *slog.Logger

	lastPct int
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := int(pw.written * 100 / pw.total)
		if pct/10 > pw.lastPct/10 {
			pw.lastPct = pct
			pw.log.Info("Download progress",
				"name", pw.label,
				"mb", pw.written/(1<<20),
				"total_mb", pw.total/(1<<20),
				"percent", pct)
		}
	}
	return n, err
}
