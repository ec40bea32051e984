package api

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-server/internal/llm"
	"github.com/chaz8081/gostt-server/internal/pool"
	"github.com/chaz8081/gostt-server/internal/profile"
)

// Health is the /health response.
type Health struct {
	Status           string        `json:"status"`
	Version          string        `json:"version"`
	GPUProfile       string        `json:"gpu_profile"`
	OllamaAvailable  bool          `json:"ollama_available"`
	OllamaModels     []string      `json:"ollama_models"`
	WhisperAvailable bool          `json:"whisper_available"`
	WhisperModel     *string       `json:"whisper_model"`
	Workers          pool.Stats    `json:"workers"`
	Host             *profile.Host `json:"host,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	st := s.stt.Status()
	h := Health{
		Status:           "ok",
		Version:          s.version,
		GPUProfile:       s.profile,
		OllamaModels:     []string{},
		WhisperAvailable: st.Loaded,
		Workers:          st.Workers,
	}
	if st.Loaded {
		h.WhisperModel = &st.Model
	}

	// Probes degrade the report instead of failing it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		models, err := s.llm.ListModels(gctx)
		if err != nil {
			s.log.Debug("Generation backend probe failed", "error", err)
			return nil
		}
		h.OllamaAvailable = true
		h.OllamaModels = llm.ModelNames(models)
		return nil
	})
	g.Go(func() error {
		host, err := s.hostInfo(gctx)
		if err != nil {
			s.log.Debug("Host info unavailable", "error", err)
			return nil
		}
		h.Host = &host
		return nil
	})
	g.Wait()

	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, profile.All())
}
