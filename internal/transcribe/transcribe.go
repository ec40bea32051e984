// Package transcribe is the speech-to-text entry point. It resolves the
// model configuration, makes sure that model is loaded, stages the upload
// and runs inference on the worker pool.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/pool"
	"github.com/chaz8081/gostt-server/internal/profile"
	"github.com/chaz8081/gostt-server/internal/stage"
)

// DefaultLanguage is used when a request names no language.
const DefaultLanguage = "de"

// Request is one transcription call.
type Request struct {
	Audio    []byte
	Encoding string // declared media type, e.g. "audio/webm;codecs=opus"
	Language string // ISO 639-1 code or "auto"
	Size     string // optional model size
}

// Result is the outcome of a transcription.
type Result struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Model    string  `json:"model"`
}

// LoadResult describes the model made current by Load.
type LoadResult struct {
	Status      string `json:"status"`
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
}

// InferenceError reports a failure inside the inference call. The model
// stays loaded and later requests may succeed.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("transcribe: inference with %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Service composes the model manager, the stager and the worker pool.
type Service struct {
	models   *model.Manager
	workers  *pool.Pool
	stager   *stage.Stager
	resolver *profile.Resolver
	log      *slog.Logger
}

// NewService wires the components together. The Service takes ownership
// of models and workers and closes them in Close.
func NewService(models *model.Manager, workers *pool.Pool, stager *stage.Stager, resolver *profile.Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		models:   models,
		workers:  workers,
		stager:   stager,
		resolver: resolver,
		log:      logger,
	}
}

// Transcribe runs speech-to-text on req.Audio. An explicit size different
// from the configured one loads that model and makes it the default for
// later requests.
func (s *Service) Transcribe(ctx context.Context, req Request) (Result, error) {
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = DefaultLanguage
	}

	lease, err := s.acquire(ctx, req.Size)
	if err != nil {
		return Result{}, err
	}

	audio, err := s.stager.Stage(req.Audio, req.Encoding)
	if err != nil {
		lease.Release()
		return Result{}, err
	}

	cleanup := func() {
		audio.Release()
		lease.Release()
	}

	start := time.Now()
	future, err := pool.Submit(ctx, s.workers, func(ctx context.Context) (model.Transcript, error) {
		return lease.Transcribe(ctx, audio.Path, language)
	})
	if err != nil {
		cleanup()
		return Result{}, err
	}

	tr, err := future.Wait(ctx)

	// The staged file and lease belong to the task until it has finished,
	// which may be after the caller stopped waiting.
	select {
	case <-future.Done():
		cleanup()
	default:
		go func() {
			<-future.Done()
			cleanup()
		}()
	}

	size := lease.Config().Size
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, pool.ErrCanceled) {
			return Result{}, err
		}
		s.log.Error("Transcription failed", "model", size, "error", err)
		return Result{}, &InferenceError{Model: size, Err: err}
	}

	res := Result{
		Text:     JoinSegments(tr.Segments),
		Duration: tr.Duration,
		Language: tr.Language,
		Model:    size,
	}
	if res.Language == "" {
		res.Language = language
	}
	s.log.Info("Transcription finished",
		"model", size,
		"chars", len(res.Text),
		"audio_seconds", fmt.Sprintf("%.1f", res.Duration),
		"language", res.Language,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Load makes the model of the given size current, or the default size
// when size is empty.
func (s *Service) Load(ctx context.Context, size string) (LoadResult, error) {
	lease, err := s.acquire(ctx, size)
	if err != nil {
		return LoadResult{}, err
	}
	defer lease.Release()

	cfg := lease.Config()
	return LoadResult{
		Status:      "loaded",
		Model:       cfg.Size,
		Device:      cfg.Device,
		ComputeType: cfg.Precision,
	}, nil
}

// Unload releases the current model. Requests still using it finish
// first. Unloading with no model loaded is a no-op.
func (s *Service) Unload(ctx context.Context) error {
	return s.models.Unload(ctx)
}

// acquire resolves size against the profile and leases that model.
func (s *Service) acquire(ctx context.Context, size string) (*model.Lease, error) {
	size = strings.TrimSpace(size)
	cfg := s.resolver.ModelConfig(size)

	lease, err := s.models.EnsureLoaded(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if size != "" && size != s.resolver.DefaultSize() {
		s.log.Info("Default model size changed", "from", s.resolver.DefaultSize(), "to", size)
		s.resolver.SetDefaultSize(size)
	}
	return lease, nil
}

// Status is a snapshot of the speech-to-text side.
type Status struct {
	Loaded  bool         `json:"loaded"`
	Model   string       `json:"model"`   // loaded size, or the size the next request loads
	Default model.Config `json:"default"` // configuration used when none is requested
	Workers pool.Stats   `json:"workers"`
	Models  model.Status `json:"-"`
}

// Status reports the loaded model and worker occupancy.
func (s *Service) Status() Status {
	ms := s.models.Status()
	st := Status{
		Loaded:  ms.Loaded,
		Default: s.resolver.ModelConfig(""),
		Workers: s.workers.Stats(),
		Models:  ms,
	}
	st.Model = st.Default.Size
	if ms.Loaded {
		st.Model = ms.Config.Size
	}
	return st
}

// Close drains the worker pool and unloads the model.
func (s *Service) Close() error {
	s.workers.Close()
	return s.models.Close()
}

// JoinSegments joins segment texts in order with single spaces, dropping
// segments that are empty after trimming.
func JoinSegments(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg = strings.TrimSpace(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, " ")
}
