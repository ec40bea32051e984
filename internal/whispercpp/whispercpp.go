// Package whispercpp runs speech-to-text on whisper.cpp through its Go
// bindings. Engine implements model.Loader.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/models"
)

// AutoLanguage asks whisper.cpp to detect the spoken language.
const AutoLanguage = "auto"

// Engine loads ggml models from a models.Store.
type Engine struct {
	store   *models.Store
	reader  *audio.Reader
	threads int
	log     *slog.Logger
}

// NewEngine returns an Engine. threads <= 0 uses every CPU.
func NewEngine(store *models.Store, reader *audio.Reader, threads int, logger *slog.Logger) *Engine {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, reader: reader, threads: threads, log: logger}
}

// Load resolves (and if allowed downloads) the artifact for cfg and loads
// it. Whether inference uses the GPU is fixed when whisper.cpp is built,
// so cfg.Device only selects the artifact alongside cfg.Precision.
func (e *Engine) Load(ctx context.Context, cfg model.Config) (model.Model, error) {
	path, err := e.store.Ensure(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load %q: %w", path, err)
	}
	e.log.Debug("whisper.cpp model ready", "path", path, "multilingual", m.IsMultilingual(), "threads", e.threads)
	return &Model{
		model:   m,
		cfg:     cfg,
		threads: e.threads,
		reader:  e.reader,
		log:     e.log,
	}, nil
}

// Model is one loaded ggml model. Transcribe may be called from several
// goroutines; each call gets its own whisper.cpp context.
type Model struct {
	model   whisper.Model
	cfg     model.Config
	threads int
	reader  *audio.Reader
	log     *slog.Logger
}

// Transcribe decodes the file at audioPath and runs inference on it. An
// empty language or "auto" enables language detection. Once inference has
// started it runs to completion regardless of ctx.
func (m *Model) Transcribe(ctx context.Context, audioPath, language string) (model.Transcript, error) {
	samples, err := m.reader.ReadFile(ctx, audioPath)
	if err != nil {
		return model.Transcript{}, err
	}
	if len(samples) == 0 {
		return model.Transcript{}, errors.New("whispercpp: empty audio")
	}
	if err := ctx.Err(); err != nil {
		return model.Transcript{}, err
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return model.Transcript{}, fmt.Errorf("whispercpp: create context: %w", err)
	}
	wctx.SetThreads(uint(m.threads))
	wctx.SetTranslate(false)

	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = AutoLanguage
	}
	if m.model.IsMultilingual() {
		if err := wctx.SetLanguage(lang); err != nil {
			return model.Transcript{}, fmt.Errorf("whispercpp: set language %q: %w", lang, err)
		}
	} else {
		if lang != "en" && lang != AutoLanguage {
			m.log.Warn("Model is English-only, ignoring requested language", "language", lang, "model", m.cfg.Size)
		}
		lang = "en"
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return model.Transcript{}, fmt.Errorf("whispercpp: process: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Transcript{}, fmt.Errorf("whispercpp: next segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}

	detected := lang
	if lang == AutoLanguage {
		detected = wctx.DetectedLanguage()
	}
	return model.Transcript{
		Segments: segments,
		Duration: audio.Duration(samples),
		Language: detected,
	}, nil
}

// Close releases the whisper.cpp model.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}
