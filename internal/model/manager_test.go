package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLoader records load/close events and can hold loads behind a gate.
type fakeLoader struct {
	gate chan struct{} // when non-nil, Load blocks until it is closed
	fail map[string]error

	mu     sync.Mutex
	events []string

	active    atomic.Int32
	maxActive atomic.Int32
	loads     atomic.Int32
}

func (f *fakeLoader) Load(ctx context.Context, cfg Config) (Model, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.record("load " + cfg.Size)
	if err := f.fail[cfg.Size]; err != nil {
		return nil, err
	}
	f.loads.Add(1)
	return &fakeModel{cfg: cfg, loader: f}, nil
}

func (f *fakeLoader) record(ev string) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeLoader) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

type fakeModel struct {
	cfg    Config
	loader *fakeLoader
	closed atomic.Bool
}

func (m *fakeModel) Transcribe(ctx context.Context, audioPath, language string) (Transcript, error) {
	if m.closed.Load() {
		return Transcript{}, errors.New("model used after close")
	}
	return Transcript{Segments: []string{"hello"}, Duration: 1, Language: language}, nil
}

func (m *fakeModel) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return errors.New("double close")
	}
	m.loader.record("close " + m.cfg.Size)
	return nil
}

func testConfig(size string) Config {
	return Config{Size: size, Device: DeviceCPU, Precision: "int8"}
}

func newTestManager(l *fakeLoader) *Manager {
	return NewManager(l, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Manager) waiters(cfg Config) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.inflight[cfg]; ok {
		return c.waiters
	}
	return 0
}

func TestEnsureLoadedReusesModel(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	a, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	b, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}

	if a.h != b.h {
		t.Error("second EnsureLoaded with same config returned a different model")
	}
	if got := l.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	if got := m.Status().InUse; got != 2 {
		t.Errorf("Status().InUse = %d, want 2", got)
	}

	a.Release()
	b.Release()
	if got := m.Status().InUse; got != 0 {
		t.Errorf("Status().InUse after release = %d, want 0", got)
	}
}

func TestEnsureLoadedSingleFlight(t *testing.T) {
	l := &fakeLoader{gate: make(chan struct{})}
	m := newTestManager(l)
	cfg := testConfig("medium")

	const callers = 8
	leases := make([]*Lease, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leases[i], errs[i] = m.EnsureLoaded(context.Background(), cfg)
		}()
	}

	waitFor(t, "all callers to join the load", func() bool { return m.waiters(cfg) == callers })
	close(l.gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: EnsureLoaded() error = %v", i, errs[i])
		}
		if leases[i].h != leases[0].h {
			t.Errorf("caller %d got a different model", i)
		}
	}
	if got := l.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	if got := m.Status().InUse; got != callers {
		t.Errorf("Status().InUse = %d, want %d", got, callers)
	}
}

func TestConcurrentDistinctConfigsAreSerialized(t *testing.T) {
	l := &fakeLoader{gate: make(chan struct{})}
	m := newTestManager(l)
	sizes := []string{"small", "medium", "large-v3"}

	const perSize = 4
	type result struct {
		size  string
		lease *Lease
		err   error
	}
	results := make(chan result, len(sizes)*perSize)
	var wg sync.WaitGroup
	for _, size := range sizes {
		for range perSize {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := m.EnsureLoaded(context.Background(), testConfig(size))
				results <- result{size, lease, err}
			}()
		}
	}

	waitFor(t, "all callers to join", func() bool {
		for _, size := range sizes {
			if m.waiters(testConfig(size)) != perSize {
				return false
			}
		}
		return true
	})
	close(l.gate)
	wg.Wait()
	close(results)

	bySize := map[string]*handle{}
	var leases []*Lease
	for r := range results {
		if r.err != nil {
			t.Fatalf("EnsureLoaded(%s) error = %v", r.size, r.err)
		}
		if r.lease.Config().Size != r.size {
			t.Errorf("lease for %s has config %s", r.size, r.lease.Config())
		}
		if h, ok := bySize[r.size]; ok && h != r.lease.h {
			t.Errorf("callers for %s got different models", r.size)
		}
		bySize[r.size] = r.lease.h
		leases = append(leases, r.lease)
	}

	if got := l.loads.Load(); got != int32(len(sizes)) {
		t.Errorf("loads = %d, want %d (one per distinct config)", got, len(sizes))
	}
	if got := l.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent loads = %d, want 1", got)
	}

	st := m.Status()
	if !st.Loaded {
		t.Fatal("no model current after loads")
	}
	if st.Draining != len(sizes)-1 {
		t.Errorf("Status().Draining = %d, want %d", st.Draining, len(sizes)-1)
	}

	for _, lease := range leases {
		lease.Release()
	}
	if got := m.Status().Draining; got != 0 {
		t.Errorf("Status().Draining after release = %d, want 0", got)
	}
	current, _ := m.Current()
	for size, h := range bySize {
		closed := h.model.(*fakeModel).closed.Load()
		if size == current.Size && closed {
			t.Errorf("current model %s was closed", size)
		}
		if size != current.Size && !closed {
			t.Errorf("retired model %s was not closed after its leases were released", size)
		}
	}
}

func TestSwapUnloadsBeforeLoading(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	small, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded(small) error = %v", err)
	}
	small.Release()

	large, err := m.EnsureLoaded(ctx, testConfig("large-v3"))
	if err != nil {
		t.Fatalf("EnsureLoaded(large-v3) error = %v", err)
	}
	large.Release()

	want := []string{"load small", "close small", "load large-v3"}
	if got := l.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if cfg, ok := m.Current(); !ok || cfg.Size != "large-v3" {
		t.Errorf("Current() = %v, %v; want large-v3", cfg, ok)
	}
}

func TestRetiredModelDrainsUntilReleased(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	old, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded(small) error = %v", err)
	}

	next, err := m.EnsureLoaded(ctx, testConfig("medium"))
	if err != nil {
		t.Fatalf("EnsureLoaded(medium) error = %v", err)
	}
	defer next.Release()

	if slices.Contains(l.Events(), "close small") {
		t.Fatal("small was closed while a lease still held it")
	}
	if got := m.Status().Draining; got != 1 {
		t.Errorf("Status().Draining = %d, want 1", got)
	}

	// The old lease still works while draining.
	if _, err := old.Transcribe(ctx, "a.wav", "de"); err != nil {
		t.Errorf("Transcribe on draining model error = %v", err)
	}

	old.Release()
	if !slices.Contains(l.Events(), "close small") {
		t.Error("small not closed after its last lease was released")
	}
	if got := m.Status().Draining; got != 0 {
		t.Errorf("Status().Draining = %d, want 0", got)
	}
}

func TestLoadFailure(t *testing.T) {
	boom := errors.New("model artifact missing")

	t.Run("reported with attempted config", func(t *testing.T) {
		l := &fakeLoader{fail: map[string]error{"medium": boom}}
		m := newTestManager(l)

		_, err := m.EnsureLoaded(context.Background(), testConfig("medium"))
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("error = %v, want *LoadError", err)
		}
		if le.Config != testConfig("medium") {
			t.Errorf("LoadError.Config = %v, want medium", le.Config)
		}
		if !errors.Is(err, boom) {
			t.Errorf("error does not wrap cause: %v", err)
		}
		if _, ok := m.Current(); ok {
			t.Error("failed load installed a model")
		}
	})

	t.Run("draining model is restored", func(t *testing.T) {
		l := &fakeLoader{fail: map[string]error{"medium": boom}}
		m := newTestManager(l)
		ctx := context.Background()

		held, err := m.EnsureLoaded(ctx, testConfig("small"))
		if err != nil {
			t.Fatalf("EnsureLoaded(small) error = %v", err)
		}
		defer held.Release()

		if _, err := m.EnsureLoaded(ctx, testConfig("medium")); err == nil {
			t.Fatal("EnsureLoaded(medium) should fail")
		}
		if cfg, ok := m.Current(); !ok || cfg.Size != "small" {
			t.Errorf("Current() = %v, %v; want small restored", cfg, ok)
		}

		again, err := m.EnsureLoaded(ctx, testConfig("small"))
		if err != nil {
			t.Fatalf("retry EnsureLoaded(small) error = %v", err)
		}
		again.Release()
		if got := l.loads.Load(); got != 1 {
			t.Errorf("loads = %d, want 1 (small reused)", got)
		}
	})

	t.Run("retry with previous config succeeds", func(t *testing.T) {
		l := &fakeLoader{fail: map[string]error{"medium": boom}}
		m := newTestManager(l)
		ctx := context.Background()

		first, err := m.EnsureLoaded(ctx, testConfig("small"))
		if err != nil {
			t.Fatalf("EnsureLoaded(small) error = %v", err)
		}
		first.Release()

		if _, err := m.EnsureLoaded(ctx, testConfig("medium")); err == nil {
			t.Fatal("EnsureLoaded(medium) should fail")
		}
		if cfg, ok := m.Current(); ok {
			t.Errorf("Current() = %v after failed switch from a closed model, want empty", cfg)
		}
		retry, err := m.EnsureLoaded(ctx, testConfig("small"))
		if err != nil {
			t.Fatalf("retry EnsureLoaded(small) error = %v", err)
		}
		retry.Release()
	})
}

func TestEnsureLoadedInvalidConfig(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)

	tests := []Config{
		{Size: "huge", Device: DeviceCPU, Precision: "int8"},
		{Size: "small", Device: "tpu", Precision: "int8"},
		{Size: "small", Device: DeviceCPU, Precision: "bf16"},
	}
	for _, cfg := range tests {
		t.Run(cfg.String(), func(t *testing.T) {
			_, err := m.EnsureLoaded(context.Background(), cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if got := l.loads.Load(); got != 0 {
		t.Errorf("loader called %d times for invalid configs", got)
	}
}

func TestEnsureLoadedCallerCancelled(t *testing.T) {
	l := &fakeLoader{gate: make(chan struct{})}
	m := newTestManager(l)
	cfg := testConfig("base")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureLoaded(ctx, cfg)
		done <- err
	}()

	waitFor(t, "caller to join", func() bool { return m.waiters(cfg) == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("EnsureLoaded() error = %v, want context.Canceled", err)
	}

	// The load still completes and becomes current with no leases.
	close(l.gate)
	waitFor(t, "load to finish", func() bool { _, ok := m.Current(); return ok })
	if got := m.Status().InUse; got != 0 {
		t.Errorf("Status().InUse = %d, want 0", got)
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	if err := m.Unload(ctx); err != nil {
		t.Fatalf("Unload() on empty manager error = %v", err)
	}

	lease, err := m.EnsureLoaded(ctx, testConfig("tiny"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	lease.Release()

	for i := range 2 {
		if err := m.Unload(ctx); err != nil {
			t.Fatalf("Unload() #%d error = %v", i+1, err)
		}
		if _, ok := m.Current(); ok {
			t.Errorf("Current() reports a model after Unload() #%d", i+1)
		}
	}
	if want := []string{"load tiny", "close tiny"}; !slices.Equal(l.Events(), want) {
		t.Errorf("events = %v, want %v", l.Events(), want)
	}
}

func TestUnloadWaitsForLeases(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	lease, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	if err := m.Unload(ctx); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if slices.Contains(l.Events(), "close small") {
		t.Fatal("model closed while leased")
	}
	if _, err := lease.Transcribe(ctx, "a.wav", "en"); err != nil {
		t.Errorf("Transcribe during drain error = %v", err)
	}

	lease.Release()
	if !slices.Contains(l.Events(), "close small") {
		t.Error("model not closed after last lease released")
	}
}

func TestLeaseRelease(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)
	ctx := context.Background()

	a, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	b, err := m.EnsureLoaded(ctx, testConfig("small"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}

	a.Release()
	a.Release()
	if got := m.Status().InUse; got != 1 {
		t.Errorf("Status().InUse = %d, want 1 after double release", got)
	}
	if _, err := a.Transcribe(ctx, "a.wav", "de"); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("Transcribe on released lease error = %v, want ErrLeaseReleased", err)
	}
	b.Release()
}

func TestCloseUnloads(t *testing.T) {
	l := &fakeLoader{}
	m := newTestManager(l)

	lease, err := m.EnsureLoaded(context.Background(), testConfig("base"))
	if err != nil {
		t.Fatalf("EnsureLoaded() error = %v", err)
	}
	lease.Release()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("model still current after Close()")
	}
	if _, err := m.EnsureLoaded(context.Background(), testConfig("base")); err == nil {
		t.Error("EnsureLoaded() after Close() should fail")
	}
}

func TestConfigString(t *testing.T) {
	cfg := Config{Size: "large-v3", Device: DeviceCUDA, Precision: "float16"}
	if got, want := cfg.String(), "large-v3/cuda/float16"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
