package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-server/internal/api"
	"github.com/chaz8081/gostt-server/internal/llm"
)

// orphanAge is how old a staged file must be before startup removes it.
// Younger files may belong to another instance sharing the directory.
const orphanAge = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		resolver := resolveProfile(ctx, cfg)
		printBanner(cmd.OutOrStdout(), cfg, resolver)

		stt, stager, err := newSTT(cfg, resolver, logger.Logger)
		if err != nil {
			return fmt.Errorf("staging: %w", err)
		}
		defer func() {
			logger.Info("Shutting down speech-to-text")
			if err := stt.Close(); err != nil {
				logger.Error("Unloading model failed", "error", err)
			}
		}()

		if n, err := stager.Sweep(orphanAge); err != nil {
			logger.Warn("Sweeping staged files failed", "dir", stager.Dir(), "error", err)
		} else if n > 0 {
			logger.Info("Removed orphaned staged files", "count", n, "dir", stager.Dir())
		}

		backend, err := llm.New(cfg.Generation, resolver.DefaultLLM(), logger.Logger)
		if err != nil {
			return err
		}

		if cfg.Whisper.Preload {
			logger.Info("Preloading whisper model", "config", resolver.ModelConfig("").String())
			if _, err := stt.Load(ctx, ""); err != nil {
				logger.Error("Preloading whisper model failed; it will be loaded on first request", "error", err)
			}
		}

		srv := api.New(api.Options{
			STT:         stt,
			LLM:         backend,
			Profile:     resolver.Profile().Name,
			Origins:     cfg.AllowedOrigins(),
			MaxUploadMB: cfg.Server.MaxUploadMB,
			Version:     version,
			Logger:      logger.Logger,
		})
		if err := srv.ListenAndServe(ctx, cfg.Addr(), cfg.Server.ShutdownTimeout); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		logger.Info("HTTP server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
