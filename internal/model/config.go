// Package model owns the lifecycle of the single active speech-to-text
// model: loading, reuse, swapping and unloading, with reference-counted
// handles so a swap never releases a model that inference is still using.
package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Supported values for each Config field.
var (
	Sizes      = []string{"tiny", "base", "small", "medium", "large-v2", "large-v3"}
	Devices    = []string{DeviceCPU, DeviceCUDA}
	Precisions = []string{"int8", "int8_float16", "float16", "float32"}
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// ErrInvalidConfig is returned for a Config naming an unsupported size,
// device or precision.
var ErrInvalidConfig = errors.New("invalid model configuration")

// Config identifies one loadable model variant. It is a comparable value;
// changing any field means a different model.
type Config struct {
	Size      string `json:"model"`
	Device    string `json:"device"`
	Precision string `json:"compute_type"`
}

// Validate reports whether every field holds a supported value.
func (c Config) Validate() error {
	if !slices.Contains(Sizes, c.Size) {
		return fmt.Errorf("%w: unknown size %q (supported: %v)", ErrInvalidConfig, c.Size, Sizes)
	}
	if !slices.Contains(Devices, c.Device) {
		return fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, c.Device)
	}
	if !slices.Contains(Precisions, c.Precision) {
		return fmt.Errorf("%w: unknown precision %q", ErrInvalidConfig, c.Precision)
	}
	return nil
}

func (c Config) String() string {
	return c.Size + "/" + c.Device + "/" + c.Precision
}

// Transcript is the raw output of one inference call.
type Transcript struct {
	Segments []string
	Duration float64 // seconds of input audio
	Language string  // detected, or the requested language
}

// Model is a loaded inference engine instance. Transcribe blocks for the
// duration of the computation and is not interruptible once started.
type Model interface {
	Transcribe(ctx context.Context, audioPath, language string) (Transcript, error)
	Close() error
}

// Loader creates Model instances. Load is slow and memory-hungry; the
// Manager guarantees it is never called concurrently.
type Loader interface {
	Load(ctx context.Context, cfg Config) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, cfg Config) (Model, error)

// Load calls f(ctx, cfg).
func (f LoaderFunc) Load(ctx context.Context, cfg Config) (Model, error) {
	return f(ctx, cfg)
}

// LoadError reports a failed load together with the configuration that
// was attempted.
type LoadError struct {
	Config Config
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model: load %s: %v", e.Config, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
