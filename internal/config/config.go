package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	GPUProfile string           `yaml:"gpu_profile"` // "auto", "8gb", "16gb", "24gb" or "cpu"
	Whisper    WhisperConfig    `yaml:"whisper"`
	Generation GenerationConfig `yaml:"generation"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigins     string        `yaml:"cors_origins"` // "*" or comma-separated origins
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WhisperConfig holds speech-to-text settings. Empty or "auto" values are
// resolved from the active GPU profile.
type WhisperConfig struct {
	Model        string `yaml:"model"`
	Device       string `yaml:"device"`       // "auto", "cpu" or "cuda"
	ComputeType  string `yaml:"compute_type"` // "auto", "int8", "int8_float16", "float16", "float32"
	ModelsDir    string `yaml:"models_dir"`
	AutoDownload bool   `yaml:"auto_download"`
	Threads      int    `yaml:"threads"` // 0 = runtime.NumCPU()
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
	StagingDir   string `yaml:"staging_dir"` // empty = os.TempDir()
	FFmpegPath   string `yaml:"ffmpeg_path"`
	Preload      bool   `yaml:"preload"`
}

// GenerationConfig holds settings for the text-generation backend.
type GenerationConfig struct {
	Backend        string        `yaml:"backend"` // "ollama" or "openai"
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	DefaultModel   string        `yaml:"default_model"`
	APIKey         string        `yaml:"api_key"`
	ModelsCacheTTL time.Duration `yaml:"models_cache_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-server")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the default directory for whisper model files.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".local", "share", "gostt-server", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     "*",
			MaxUploadMB:     100,
			ShutdownTimeout: 10 * time.Second,
		},
		GPUProfile: "auto",
		Whisper: WhisperConfig{
			Device:       "auto",
			ComputeType:  "auto",
			ModelsDir:    DefaultModelsDir(),
			AutoDownload: true,
			Workers:      2,
			QueueSize:    8,
			FFmpegPath:   "ffmpeg",
		},
		Generation: GenerationConfig{
			Backend:        "ollama",
			BaseURL:        "http://localhost:11434",
			Timeout:        120 * time.Second,
			ModelsCacheTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  32,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.expandPaths()

	return cfg, nil
}

// ApplyEnv overrides config values from environment variables. The variable
// names match the ones accepted by earlier deployments of the backend.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	setString("BACKEND_HOST", &c.Server.Host)
	setString("CORS_ORIGINS", &c.Server.CORSOrigins)
	setString("GPU_PROFILE", &c.GPUProfile)
	setString("WHISPER_MODEL", &c.Whisper.Model)
	setString("WHISPER_DEVICE", &c.Whisper.Device)
	setString("WHISPER_COMPUTE_TYPE", &c.Whisper.ComputeType)
	setString("OLLAMA_BASE_URL", &c.Generation.BaseURL)
	setString("OLLAMA_DEFAULT_MODEL", &c.Generation.DefaultModel)
	setString("LOG_LEVEL", &c.Log.Level)
	c.Log.Level = strings.ToLower(c.Log.Level)

	if v := strings.TrimSpace(getenv("BACKEND_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKEND_PORT: %w", err)
		}
		c.Server.Port = port
	}

	// OLLAMA_TIMEOUT is given in (possibly fractional) seconds.
	if v := strings.TrimSpace(getenv("OLLAMA_TIMEOUT")); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("OLLAMA_TIMEOUT: %w", err)
		}
		c.Generation.Timeout = time.Duration(secs * float64(time.Second))
	}

	c.expandPaths()
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0")
	}

	switch c.GPUProfile {
	case "auto", "8gb", "16gb", "24gb", "cpu":
	default:
		return fmt.Errorf("gpu_profile must be auto, 8gb, 16gb, 24gb, or cpu, got %q", c.GPUProfile)
	}

	switch c.Whisper.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("whisper.device must be \"auto\", \"cpu\" or \"cuda\", got %q", c.Whisper.Device)
	}

	switch c.Whisper.ComputeType {
	case "auto", "int8", "int8_float16", "float16", "float32":
	default:
		return fmt.Errorf("whisper.compute_type must be auto, int8, int8_float16, float16, or float32, got %q", c.Whisper.ComputeType)
	}

	if c.Whisper.ModelsDir == "" {
		return fmt.Errorf("whisper.models_dir must not be empty")
	}
	if c.Whisper.Workers <= 0 {
		return fmt.Errorf("whisper.workers must be > 0")
	}
	if c.Whisper.QueueSize < 0 {
		return fmt.Errorf("whisper.queue_size must be >= 0")
	}
	if c.Whisper.Threads < 0 {
		return fmt.Errorf("whisper.threads must be >= 0")
	}

	switch c.Generation.Backend {
	case "ollama", "openai":
	default:
		return fmt.Errorf("generation.backend must be \"ollama\" or \"openai\", got %q", c.Generation.Backend)
	}
	if c.Generation.BaseURL == "" {
		return fmt.Errorf("generation.base_url must not be empty")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be > 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AllowedOrigins returns the CORS allow list. "*" maps to the local
// development origins rather than a wildcard.
func (c *Config) AllowedOrigins() []string {
	if strings.TrimSpace(c.Server.CORSOrigins) == "*" {
		return []string{"http://localhost:3000", "http://127.0.0.1:3000", "http://localhost:8080"}
	}
	var origins []string
	for _, o := range strings.Split(c.Server.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// WriteDefault writes a default config file to DefaultConfigPath if one does
// not already exist. It returns the written path, or "" when a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# gostt-server configuration\n" +
		"# Empty or \"auto\" whisper settings are resolved from the detected GPU profile.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) expandPaths() {
	c.Whisper.ModelsDir = expandTilde(c.Whisper.ModelsDir)
	c.Whisper.StagingDir = expandTilde(c.Whisper.StagingDir)
	c.Log.File = expandTilde(c.Log.File)
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
