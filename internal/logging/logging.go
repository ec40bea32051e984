// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chaz8081/gostt-server/internal/config"
)

// Logger is the application logger plus the rotating file sink, if any.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New creates a text logger on stderr at the configured level. When
// cfg.File is set, the same records are also written to a size-rotated file.
func New(cfg config.LogConfig) (*Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, console io.Writer) (*Logger, error) {
	var w io.Writer = console
	var file *lumberjack.Logger

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(console, file)
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)})
	l := &Logger{Logger: slog.New(h), file: file}

	l.Debug("System information",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()))

	return l, nil
}

// Close flushes and closes the rotating file, if one is open.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
