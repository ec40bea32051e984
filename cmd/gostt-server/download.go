package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/models"
)

var (
	downloadAll       bool
	downloadPrecision string
	downloadParallel  int
)

var downloadCmd = &cobra.Command{
	Use:   "download [size...]",
	Short: "Fetch whisper model files",
	Long: `Download ggml whisper models into whisper.models_dir.

Without arguments the default model for the active profile is fetched.
Files already present are skipped.`,
	Example: `  gostt-server download
  gostt-server download tiny small --precision int8
  gostt-server download --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx := cmd.Context()
		resolver := resolveProfile(ctx, cfg)

		sizes := args
		switch {
		case downloadAll:
			sizes = model.Sizes
		case len(sizes) == 0:
			sizes = []string{resolver.DefaultSize()}
		}
		precision := downloadPrecision
		if precision == "" {
			precision = resolver.Precision()
		}

		names := make([]string, 0, len(sizes))
		for _, size := range sizes {
			mc := model.Config{Size: size, Device: resolver.Device(), Precision: precision}
			if err := mc.Validate(); err != nil {
				return err
			}
			names = append(names, models.FileName(mc))
		}

		store := models.NewStore(cfg.Whisper.ModelsDir, true, logger.Logger)
		if err := store.DownloadAll(ctx, names, downloadParallel); err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(store.Dir, name))
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().BoolVar(&downloadAll, "all", false, "download every supported size")
	downloadCmd.Flags().StringVar(&downloadPrecision, "precision", "", "int8, int8_float16, float16 or float32 (default: from profile)")
	downloadCmd.Flags().IntVarP(&downloadParallel, "parallel", "p", 2, "concurrent downloads")
	rootCmd.AddCommand(downloadCmd)
}
