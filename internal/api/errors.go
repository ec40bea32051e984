package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chaz8081/gostt-server/internal/llm"
	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/pool"
	"github.com/chaz8081/gostt-server/internal/stage"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

// Error kinds reported in the "error" field of a failed response.
const (
	kindInvalidRequest = "invalid_request"
	kindTooLarge       = "too_large"
	kindBackpressure   = "backpressure"
	kindModelLoad      = "model_load"
	kindInference      = "inference"
	kindStaging        = "staging"
	kindUnavailable    = "upstream_unavailable"
	kindUpstream       = "upstream"
	kindShuttingDown   = "shutting_down"
	kindTimeout        = "timeout"
	kindInternal       = "internal"
)

// retryAfterSeconds is advertised on backpressure rejections.
const retryAfterSeconds = "1"

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// badRequest marks a malformed request detected by a handler.
type badRequest struct {
	msg string
}

func (e *badRequest) Error() string { return e.msg }

func invalid(msg string) error { return &badRequest{msg: msg} }

// classify maps an error to an HTTP status and error kind.
func classify(err error) (int, string) {
	var (
		br       *badRequest
		tooLarge *http.MaxBytesError
		loadErr  *model.LoadError
		stageErr *stage.Error
		inferErr *transcribe.InferenceError
		upErr    *llm.UpstreamError
	)
	switch {
	case errors.As(err, &br), errors.Is(err, model.ErrInvalidConfig):
		return http.StatusBadRequest, kindInvalidRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, kindTooLarge
	case errors.Is(err, pool.ErrBackpressure):
		return http.StatusTooManyRequests, kindBackpressure
	case errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable, kindShuttingDown
	case errors.As(err, &loadErr):
		return http.StatusInternalServerError, kindModelLoad
	case errors.As(err, &stageErr):
		return http.StatusInsufficientStorage, kindStaging
	case errors.As(err, &inferErr):
		return http.StatusInternalServerError, kindInference
	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable, kindUnavailable
	case errors.As(err, &upErr):
		return http.StatusBadGateway, kindUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kindTimeout
	}
	return http.StatusInternalServerError, kindInternal
}

// writeError reports err to the client. Nothing is written when the client
// has already gone away.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil && errors.Is(err, context.Canceled) {
		s.log.Debug("Client went away", "request_id", requestID(r.Context()), "path", r.URL.Path)
		return
	}

	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		s.log.Warn("Request rejected", "request_id", requestID(r.Context()), "path", r.URL.Path, "kind", kind, "error", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, errorBody{Error: kind, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
