package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/config"
	"github.com/chaz8081/gostt-server/internal/logging"
	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/models"
	"github.com/chaz8081/gostt-server/internal/pool"
	"github.com/chaz8081/gostt-server/internal/profile"
	"github.com/chaz8081/gostt-server/internal/stage"
	"github.com/chaz8081/gostt-server/internal/transcribe"
	"github.com/chaz8081/gostt-server/internal/whispercpp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "gostt-server",
	Short: "Local speech-to-text and LLM inference server",
	Long: `gostt-server exposes whisper.cpp speech-to-text and an Ollama or
OpenAI-compatible generation backend over one HTTP API.

Model defaults are chosen from a GPU profile (8gb, 16gb, 24gb, cpu), detected
with nvidia-smi unless gpu_profile is set in the config file.

Configuration is read from ~/.config/gostt-server/config.yaml (written with
defaults on first start) and may be overridden by environment variables such
as BACKEND_PORT, WHISPER_MODEL and OLLAMA_BASE_URL.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/gostt-server/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig loads the config from the specified path, or from the default
// path (writing a default file there if none exists), then applies
// environment overrides and validates the result.
func loadConfig(path string, getenv func(string) string) (*config.Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	if written, err := config.WriteDefault(); err != nil {
		slog.Warn("Could not write default config", "error", err)
	} else if written != "" {
		slog.Info("Wrote default config", "path", written)
	}
	return config.Default(), nil
}

// setup loads the config and builds the logger. The caller closes the
// logger.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(logger.Logger)
	return cfg, logger, nil
}

// resolveProfile picks the GPU profile and applies config overrides.
func resolveProfile(ctx context.Context, cfg *config.Config) *profile.Resolver {
	return profile.Resolve(ctx, cfg.GPUProfile, &profile.NvidiaSMI{}, profile.Overrides{
		Model:       cfg.Whisper.Model,
		Device:      cfg.Whisper.Device,
		ComputeType: cfg.Whisper.ComputeType,
		LLMModel:    cfg.Generation.DefaultModel,
	})
}

// newSTT wires the speech-to-text stack: model store, whisper.cpp engine,
// lifecycle manager, worker pool and stager.
func newSTT(cfg *config.Config, resolver *profile.Resolver, logger *slog.Logger) (*transcribe.Service, *stage.Stager, error) {
	store := models.NewStore(cfg.Whisper.ModelsDir, cfg.Whisper.AutoDownload, logger)
	reader := audio.NewReader(cfg.Whisper.FFmpegPath, logger)
	engine := whispercpp.NewEngine(store, reader, cfg.Whisper.Threads, logger)

	stager, err := stage.New(cfg.Whisper.StagingDir, logger)
	if err != nil {
		return nil, nil, err
	}
	workers := pool.New(pool.Options{Workers: cfg.Whisper.Workers, QueueSize: cfg.Whisper.QueueSize}, logger)
	manager := model.NewManager(engine, logger)
	return transcribe.NewService(manager, workers, stager, resolver, logger), stager, nil
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config, resolver *profile.Resolver) {
	p := resolver.Profile()
	fmt.Fprintln(w, "=== gostt-server ===")
	fmt.Fprintf(w, "  Listen:   %s\n", cfg.Addr())
	fmt.Fprintf(w, "  Profile:  %s (%d GB VRAM)\n", p.Name, p.VRAMGB)
	fmt.Fprintf(w, "  Whisper:  %s\n", resolver.ModelConfig(""))
	fmt.Fprintf(w, "  Workers:  %d (queue %d)\n", cfg.Whisper.Workers, cfg.Whisper.QueueSize)
	fmt.Fprintf(w, "  LLM:      %s %s (%s)\n", cfg.Generation.Backend, cfg.Generation.BaseURL, resolver.DefaultLLM())
	fmt.Fprintf(w, "  CORS:     %s\n", strings.Join(cfg.AllowedOrigins(), ", "))
	fmt.Fprintf(w, "  Log:      %s\n", cfg.Log.Level)
	fmt.Fprintln(w, "====================")
}
