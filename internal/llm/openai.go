package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI talks to any OpenAI-compatible chat completions API
// (vLLM, LM Studio, llama.cpp server and the hosted service).
type OpenAI struct {
	client       openai.Client
	defaultModel string
	log          *slog.Logger
}

// NewOpenAI creates a client for the API at baseURL, e.g.
// "http://localhost:8000/v1/". An empty apiKey falls back to the
// OPENAI_API_KEY environment variable.
func NewOpenAI(baseURL, apiKey string, timeout time.Duration, defaultModel string, logger *slog.Logger) *OpenAI {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
		log:          logger,
	}
}

// ListModels returns the models the server advertises.
func (c *OpenAI) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, c.wrap(ctx, "list models", err)
	}
	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		info := ModelInfo{Name: m.ID, Size: sizeFromTag(m.ID)}
		if m.Created > 0 {
			info.ModifiedAt = time.Unix(m.Created, 0).UTC().Format(time.RFC3339)
		}
		models = append(models, info)
	}
	return models, nil
}

// Generate completes a single prompt as a one-turn chat.
func (c *OpenAI) Generate(ctx context.Context, req GenerateRequest) (Response, error) {
	var msgs []Message
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	return c.complete(ctx, "generate", msgs, req.Options)
}

// Chat completes a conversation.
func (c *OpenAI) Chat(ctx context.Context, req ChatRequest) (Response, error) {
	return c.complete(ctx, "chat", req.Messages, req.Options)
}

func (c *OpenAI) complete(ctx context.Context, op string, msgs []Message, opts Options) (Response, error) {
	opts = opts.withDefaults(c.defaultModel)

	params := openai.ChatCompletionNewParams{
		Model:    opts.Model,
		Messages: openAIMessages(msgs),
	}
	params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	params.Temperature = openai.Float(*opts.Temperature)

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, c.wrap(ctx, op, err)
	}
	elapsed := time.Since(start).Milliseconds()

	out := Response{Model: resp.Model, EvalDurationMS: &elapsed}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	if n := resp.Usage.CompletionTokens; n > 0 {
		out.TokensUsed = &n
	}
	c.log.Debug("OpenAI completion finished", "op", op, "model", out.Model, "elapsed_ms", elapsed)
	return out, nil
}

func openAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			params = append(params, openai.SystemMessage(m.Content))
		case "assistant":
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// wrap classifies a client error as an HTTP failure, a cancellation or an
// unreachable server.
func (c *OpenAI) wrap(ctx context.Context, op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{Op: op, StatusCode: apiErr.StatusCode, Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable(op, err)
}
