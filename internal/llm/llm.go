// Package llm is a thin client for the text-generation backend. It speaks
// the Ollama native API or any OpenAI-compatible API and translates
// requests and responses; it keeps no state beyond a short-lived model
// list cache.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/chaz8081/gostt-server/internal/config"
)

// Request limits and defaults.
const (
	DefaultMaxTokens   = 2048
	MaxMaxTokens       = 8192
	DefaultTemperature = 0.7
	MaxTemperature     = 2.0
)

// ErrUnavailable means the backend could not be reached at all.
var ErrUnavailable = errors.New("llm: backend unavailable")

// UpstreamError reports a failed backend call. StatusCode is 0 when no
// HTTP response was received.
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// unavailable wraps a transport failure.
func unavailable(op string, err error) error {
	return &UpstreamError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation. Zero values take the defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

func (o Options) withDefaults(model string) Options {
	if o.Model == "" {
		o.Model = model
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == nil {
		t := DefaultTemperature
		o.Temperature = &t
	}
	return o
}

// Validate checks the ranges accepted by the API.
func (o Options) Validate() error {
	if o.MaxTokens < 0 || o.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens must be in 1..%d, got %d", MaxMaxTokens, o.MaxTokens)
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > MaxTemperature) {
		return fmt.Errorf("temperature must be in 0..%g, got %g", MaxTemperature, *o.Temperature)
	}
	return nil
}

// GenerateRequest is a single-prompt completion.
type GenerateRequest struct {
	Prompt string
	System string
	Options
}

// ChatRequest is a multi-turn completion.
type ChatRequest struct {
	Messages []Message
	Options
}

// Response is the generated text plus whatever usage data the backend
// reported.
type Response struct {
	Text           string `json:"text"`
	Model          string `json:"model"`
	TokensUsed     *int64 `json:"tokens_used"`
	EvalDurationMS *int64 `json:"eval_duration_ms"`
}

// ModelInfo describes one model installed on the backend.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       string `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// Backend is a text-generation service.
type Backend interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, req GenerateRequest) (Response, error)
	Chat(ctx context.Context, req ChatRequest) (Response, error)
}

// New builds the backend selected by cfg. defaultModel is used when a
// request names none and cfg.DefaultModel is empty.
func New(cfg config.GenerationConfig, defaultModel string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultModel != "" {
		defaultModel = cfg.DefaultModel
	}

	var b Backend
	switch cfg.Backend {
	case "ollama", "":
		b = NewOllama(cfg.BaseURL, cfg.Timeout, defaultModel, logger)
	case "openai":
		b = NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Timeout, defaultModel, logger)
	default:
		return nil, fmt.Errorf("llm: unknown backend %q (supported: ollama, openai)", cfg.Backend)
	}
	if cfg.ModelsCacheTTL > 0 {
		b = NewCached(b, cfg.ModelsCacheTTL)
	}
	return b, nil
}

// Cached wraps a Backend and remembers the model list for a while.
// Concurrent lookups on a cold cache share one backend call.
type Cached struct {
	Backend

	cache *expirable.LRU[string, []ModelInfo]
	group singleflight.Group
}

const modelsKey = "models"

// NewCached caches b's model list for ttl.
func NewCached(b Backend, ttl time.Duration) *Cached {
	return &Cached{
		Backend: b,
		cache:   expirable.NewLRU[string, []ModelInfo](1, nil, ttl),
	}
}

// ListModels returns the cached list or fetches it. Failures are not cached.
func (c *Cached) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if models, ok := c.cache.Get(modelsKey); ok {
		return models, nil
	}
	v, err, _ := c.group.Do(modelsKey, func() (any, error) {
		models, err := c.Backend.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Add(modelsKey, models)
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ModelInfo), nil
}

// ModelNames returns just the names from ListModels.
func ModelNames(models []ModelInfo) []string {
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names
}

// sizeFromTag extracts a parameter size from a model tag, e.g.
// "llama3.2:8b" gives "8B". Tags without digits give "".
func sizeFromTag(name string) string {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return ""
	}
	tag := strings.ToUpper(name[i+1:])
	if !strings.ContainsAny(tag, "0123456789") {
		return ""
	}
	return tag
}

// roleValid reports whether role is a chat role the backends accept.
func roleValid(role string) bool {
	switch role {
	case "system", "user", "assistant":
		return true
	}
	return false
}

// ValidateMessages checks a chat transcript.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range msgs {
		if !roleValid(m.Role) {
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}
