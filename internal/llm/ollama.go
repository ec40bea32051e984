package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama defaults.
const (
	DefaultOllamaURL = "http://localhost:11434"
	DefaultTimeout   = 120 * time.Second
)

// Ollama talks to the Ollama native API.
type Ollama struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	log          *slog.Logger
}

// NewOllama creates a client for the Ollama server at baseURL.
func NewOllama(baseURL string, timeout time.Duration, defaultModel string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		log:          logger,
	}
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

// ollamaResponse covers both /api/generate and /api/chat replies.
type ollamaResponse struct {
	Model        string   `json:"model"`
	Response     string   `json:"response"`
	Message      *Message `json:"message"`
	EvalCount    *int64   `json:"eval_count"`
	EvalDuration *int64   `json:"eval_duration"` // nanoseconds
}

func (r ollamaResponse) toResponse(text string) Response {
	out := Response{Text: text, Model: r.Model, TokensUsed: r.EvalCount}
	if r.EvalDuration != nil {
		ms := *r.EvalDuration / int64(time.Millisecond)
		out.EvalDurationMS = &ms
	}
	return out
}

// ListModels returns the models installed on the server.
func (c *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Models []struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
			Digest     string `json:"digest"`
		} `json:"models"`
	}
	if err := c.do(ctx, "list models", http.MethodGet, "/api/tags", nil, &result); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, len(result.Models))
	for i, m := range result.Models {
		models[i] = ModelInfo{
			Name:       m.Name,
			Size:       sizeFromTag(m.Name),
			ModifiedAt: m.ModifiedAt,
			Digest:     m.Digest,
		}
	}
	return models, nil
}

// Generate completes a single prompt.
func (c *Ollama) Generate(ctx context.Context, req GenerateRequest) (Response, error) {
	opts := req.Options.withDefaults(c.defaultModel)
	body := ollamaGenerateRequest{
		Model:   opts.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Options: ollamaOptions{NumPredict: opts.MaxTokens, Temperature: *opts.Temperature},
	}

	start := time.Now()
	var result ollamaResponse
	if err := c.do(ctx, "generate", http.MethodPost, "/api/generate", body, &result); err != nil {
		return Response{}, err
	}
	c.log.Debug("Ollama generate finished", "model", result.Model, "elapsed", time.Since(start).Round(time.Millisecond))
	return result.toResponse(result.Response), nil
}

// Chat completes a conversation.
func (c *Ollama) Chat(ctx context.Context, req ChatRequest) (Response, error) {
	opts := req.Options.withDefaults(c.defaultModel)
	body := ollamaChatRequest{
		Model:    opts.Model,
		Messages: req.Messages,
		Options:  ollamaOptions{NumPredict: opts.MaxTokens, Temperature: *opts.Temperature},
	}

	start := time.Now()
	var result ollamaResponse
	if err := c.do(ctx, "chat", http.MethodPost, "/api/chat", body, &result); err != nil {
		return Response{}, err
	}
	var text string
	if result.Message != nil {
		text = result.Message.Content
	}
	c.log.Debug("Ollama chat finished", "model", result.Model, "elapsed", time.Since(start).Round(time.Millisecond))
	return result.toResponse(text), nil
}

// do sends one JSON request and decodes the reply into out.
func (c *Ollama) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("llm: %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("llm: %s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: ollamaError(data)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// ollamaError extracts the message from an {"error": "..."} body.
func ollamaError(body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return errors.New(e.Error)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "empty response"
	}
	return errors.New(msg)
}
