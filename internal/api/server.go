// Package api is the HTTP surface of the server: speech-to-text, text
// generation and health endpoints on a net/http ServeMux.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chaz8081/gostt-server/internal/llm"
	"github.com/chaz8081/gostt-server/internal/profile"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

// Transcriber is the speech-to-text side as seen by the handlers.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error)
	Load(ctx context.Context, size string) (transcribe.LoadResult, error)
	Unload(ctx context.Context) error
	Status() transcribe.Status
}

// Options configures a Server.
type Options struct {
	STT         Transcriber
	LLM         llm.Backend
	Profile     string // active GPU profile name
	Origins     []string
	MaxUploadMB int
	Version     string
	Logger      *slog.Logger

	// HostInfo reports machine figures for /health. Defaults to
	// profile.HostInfo.
	HostInfo func(ctx context.Context) (profile.Host, error)
}

// Server routes HTTP requests to the services.
type Server struct {
	stt       Transcriber
	llm       llm.Backend
	profile   string
	origins   []string
	maxUpload int64
	version   string
	hostInfo  func(ctx context.Context) (profile.Host, error)
	log       *slog.Logger
	handler   http.Handler
}

// healthTimeout bounds the backend probes made by /health.
const healthTimeout = 3 * time.Second

// New builds the router and middleware chain.
func New(opts Options) *Server {
	s := &Server{
		stt:       opts.STT,
		llm:       opts.LLM,
		profile:   opts.Profile,
		origins:   opts.Origins,
		maxUpload: int64(opts.MaxUploadMB) << 20,
		version:   opts.Version,
		hostInfo:  opts.HostInfo,
		log:       opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.hostInfo == nil {
		s.hostInfo = profile.HostInfo
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 100 << 20
	}
	if s.version == "" {
		s.version = "dev"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/gpu-profiles", s.handleProfiles)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("POST /api/v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)

	for _, prefix := range []string{"/api/v1", ""} {
		mux.HandleFunc("POST "+prefix+"/transcribe", s.handleTranscribe)
		mux.HandleFunc("POST "+prefix+"/whisper/load", s.handleLoad)
		mux.HandleFunc("POST "+prefix+"/whisper/unload", s.handleUnload)
	}

	s.handler = s.withLogging(s.withCORS(mux))
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down,
// giving in-flight requests up to shutdownTimeout to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("HTTP server shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "gostt-server",
		"version": s.version,
		"health":  "/health",
	})
}
