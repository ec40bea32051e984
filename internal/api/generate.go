package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chaz8081/gostt-server/internal/llm"
)

// maxJSONBody caps generation request bodies.
const maxJSONBody = 1 << 20

type generateRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model"`
	MaxTokens    *int     `json:"max_tokens"`
	Temperature  *float64 `json:"temperature"`
}

type chatRequest struct {
	Messages    []llm.Message `json:"messages"`
	Model       string        `json:"model"`
	MaxTokens   *int          `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
}

// options validates the tuning fields shared by both request types.
func options(model string, maxTokens *int, temperature *float64) (llm.Options, error) {
	opts := llm.Options{Model: strings.TrimSpace(model), Temperature: temperature}
	if maxTokens != nil {
		if *maxTokens < 1 {
			return opts, invalid(fmt.Sprintf("max_tokens must be in 1..%d, got %d", llm.MaxMaxTokens, *maxTokens))
		}
		opts.MaxTokens = *maxTokens
	}
	if err := opts.Validate(); err != nil {
		return opts, invalid(err.Error())
	}
	return opts, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return invalid("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.llm.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, r, invalid("prompt must not be empty"))
		return
	}
	opts, err := options(req.Model, req.MaxTokens, req.Temperature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.llm.Generate(r.Context(), llm.GenerateRequest{
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Options: opts,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := llm.ValidateMessages(req.Messages); err != nil {
		s.writeError(w, r, invalid(err.Error()))
		return
	}
	opts, err := options(req.Model, req.MaxTokens, req.Temperature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.llm.Chat(r.Context(), llm.ChatRequest{Messages: req.Messages, Options: opts})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
