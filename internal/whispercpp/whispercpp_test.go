package whispercpp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/chaz8081/gostt-server/internal/audio"
	"github.com/chaz8081/gostt-server/internal/model"
	"github.com/chaz8081/gostt-server/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testModelsDir resolves the project models directory, skipping the test
// when the tiny model has not been downloaded.
func testModelsDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join("..", "..", "models")
	path := filepath.Join(dir, "ggml-tiny.bin")
	if _, err := os.Stat(path); err != nil {
		t.Skipf("model not found at %s (run 'gostt-server download tiny' first): %v", path, err)
	}
	return dir
}

func newTestEngine(dir string, autoDownload bool) *Engine {
	store := models.NewStore(dir, autoDownload, discardLogger())
	return NewEngine(store, audio.NewReader("ffmpeg", discardLogger()), 2, discardLogger())
}

func TestLoadMissingModel(t *testing.T) {
	e := newTestEngine(t.TempDir(), false)

	_, err := e.Load(context.Background(), model.Config{Size: "tiny", Device: model.DeviceCPU, Precision: "float16"})
	if !errors.Is(err, models.ErrMissing) {
		t.Fatalf("Load() error = %v, want models.ErrMissing", err)
	}
}

func TestLoadCorruptModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-tiny.bin"), []byte("not a ggml file"), 0644); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(dir, false)

	if _, err := e.Load(context.Background(), model.Config{Size: "tiny", Device: model.DeviceCPU, Precision: "float16"}); err == nil {
		t.Fatal("Load() with corrupt artifact should fail")
	}
}

func TestNewEngineDefaultsThreads(t *testing.T) {
	e := NewEngine(models.NewStore(t.TempDir(), false, nil), nil, 0, nil)
	if e.threads <= 0 {
		t.Errorf("threads = %d, want > 0", e.threads)
	}
}

func TestTranscribeTone(t *testing.T) {
	dir := testModelsDir(t)
	e := newTestEngine(dir, false)

	m, err := e.Load(context.Background(), model.Config{Size: "tiny", Device: model.DeviceCPU, Precision: "float16"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer m.Close()

	// Two seconds of a quiet tone: whisper may or may not emit text, but
	// the call must succeed and report the input duration.
	samples := make([]float32, 2*audio.SampleRate)
	for i := range samples {
		samples[i] = 0.1 * float32(math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.EncodeWAV(f, samples, audio.SampleRate); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := m.Transcribe(context.Background(), path, "en")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Duration != 2 {
		t.Errorf("Duration = %f, want 2", got.Duration)
	}
	if got.Language != "en" {
		t.Errorf("Language = %q, want en", got.Language)
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	dir := testModelsDir(t)
	e := newTestEngine(dir, false)

	m, err := e.Load(context.Background(), model.Config{Size: "tiny", Device: model.DeviceCPU, Precision: "float16"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer m.Close()

	path := filepath.Join(t.TempDir(), "empty.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.EncodeWAV(f, nil, audio.SampleRate); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := m.Transcribe(context.Background(), path, "de"); err == nil {
		t.Error("Transcribe() of empty audio should fail")
	}
}
