package model

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLeaseReleased is returned when a released Lease is used for inference.
var ErrLeaseReleased = errors.New("model: lease already released")

// Manager owns at most one active model. All loads and unloads go through
// it; callers only ever see a Lease.
type Manager struct {
	loader Loader
	log    *slog.Logger

	ctx    context.Context // parent of every load
	cancel context.CancelFunc

	// swap is held for the whole of every load and unload, so config
	// changes are totally ordered and no two loads overlap.
	swap *semaphore.Weighted

	mu       sync.Mutex
	current  *handle
	inflight map[Config]*call
	draining int
	loads    int64
}

// handle is a loaded model plus its use count. refs, retiring and released
// are guarded by Manager.mu.
type handle struct {
	cfg      Config
	model    Model
	loadedAt time.Time

	refs     int
	retiring bool
	released bool
}

// call is one in-flight load shared by every caller asking for the same
// Config while it runs.
type call struct {
	done    chan struct{}
	waiters int // refs handed to the new handle on success
	h       *handle
	err     error
}

// Status is a point-in-time view of the manager.
type Status struct {
	Loaded   bool
	Config   Config
	InUse    int   // leases held on the current model
	Draining int   // retired models still waiting for their leases
	Loading  int   // loads queued or running
	Loads    int64 // successful loads since start
}

// NewManager creates an empty manager that loads models with loader.
func NewManager(loader Loader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		loader:   loader,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		swap:     semaphore.NewWeighted(1),
		inflight: make(map[Config]*call),
	}
}

// EnsureLoaded returns a Lease on a model loaded with cfg, loading it first
// if needed. Concurrent callers for the same cfg share one load. The load
// runs on its own goroutine, so a caller whose ctx ends stops waiting
// without aborting the load for everyone else. A failed switch to a new
// cfg can leave no model loaded when the previous one had no leases.
//
// The returned Lease must be released once the caller is done with it.
func (m *Manager) EnsureLoaded(ctx context.Context, cfg Config) (*Lease, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Config: cfg, Err: err}
	}

	m.mu.Lock()
	if h := m.current; h != nil && h.cfg == cfg {
		h.refs++
		m.mu.Unlock()
		return &Lease{m: m, h: h}, nil
	}
	c, ok := m.inflight[cfg]
	if !ok {
		c = &call{done: make(chan struct{})}
		m.inflight[cfg] = c
		go m.load(cfg, c)
	}
	c.waiters++
	m.mu.Unlock()

	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return &Lease{m: m, h: c.h}, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-c.done:
		// Finished while we were giving up; our ref was already granted.
		m.mu.Unlock()
		if c.err == nil {
			m.release(c.h)
		}
	default:
		c.waiters--
		m.mu.Unlock()
	}
	return nil, ctx.Err()
}

// load runs one call to completion. The previous model is retired before
// the new one is loaded so two full models are never both active; it is
// physically closed once its last lease is released. If the load fails,
// the previous model becomes current again only while leases still hold
// it; a previous model that was already closed leaves the manager empty,
// and a later EnsureLoaded with its config loads it again.
func (m *Manager) load(cfg Config, c *call) {
	finish := func(h *handle, err error) {
		m.mu.Lock()
		delete(m.inflight, cfg)
		if err == nil {
			h.refs = c.waiters
			m.current = h
		}
		c.h, c.err = h, err
		close(c.done)
		m.mu.Unlock()
	}

	if err := m.swap.Acquire(m.ctx, 1); err != nil {
		finish(nil, &LoadError{Config: cfg, Err: err})
		return
	}
	defer m.swap.Release(1)

	m.mu.Lock()
	prev := m.current
	var closeNow *handle
	if prev != nil {
		m.current = nil
		closeNow = m.retireLocked(prev)
	}
	m.mu.Unlock()

	if prev != nil {
		m.log.Info("Switching model", "from", prev.cfg.String(), "to", cfg.String())
	}
	m.closeHandle(closeNow)

	m.log.Info("Loading model", "model", cfg.Size, "device", cfg.Device, "compute_type", cfg.Precision)
	start := time.Now()
	mdl, err := m.loader.Load(m.ctx, cfg)
	if err != nil {
		m.log.Error("Model load failed", "model", cfg.String(), "error", err)
		m.mu.Lock()
		// A retired model that is still draining has not been freed, so it
		// can go back to being current.
		if prev != nil && !prev.released && m.current == nil {
			prev.retiring = false
			m.draining--
			m.current = prev
		}
		m.mu.Unlock()
		finish(nil, &LoadError{Config: cfg, Err: err})
		return
	}

	m.log.Info("Model loaded", "model", cfg.String(), "elapsed", time.Since(start).Round(time.Millisecond))
	h := &handle{cfg: cfg, model: mdl, loadedAt: time.Now()}

	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
	finish(h, nil)
}

// Current returns the configuration of the active model without blocking.
// It is only a hint: the model may be swapped right after it returns, so
// inference must go through EnsureLoaded.
func (m *Manager) Current() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Config{}, false
	}
	return m.current.cfg, true
}

// Unload retires the active model. Its resources are freed as soon as no
// lease holds it. Unloading with nothing loaded is a no-op. Unload waits
// for any load already in progress so the two are ordered.
func (m *Manager) Unload(ctx context.Context) error {
	if err := m.swap.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.swap.Release(1)

	m.mu.Lock()
	h := m.current
	m.current = nil
	var closeNow *handle
	if h != nil {
		closeNow = m.retireLocked(h)
	}
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	m.log.Info("Unloading model", "model", h.cfg.String(), "draining", closeNow == nil)
	return m.closeHandle(closeNow)
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Draining: m.draining,
		Loading:  len(m.inflight),
		Loads:    m.loads,
	}
	if m.current != nil {
		s.Loaded = true
		s.Config = m.current.cfg
		s.InUse = m.current.refs
	}
	return s
}

// Close cancels pending loads and unloads the active model.
func (m *Manager) Close() error {
	m.cancel()
	return m.Unload(context.Background())
}

// retireLocked marks h as retiring and returns it if it can be closed
// right away. Caller must hold m.mu.
func (m *Manager) retireLocked(h *handle) *handle {
	h.retiring = true
	if h.refs == 0 {
		h.released = true
		return h
	}
	m.draining++
	return nil
}

func (m *Manager) release(h *handle) {
	m.mu.Lock()
	h.refs--
	var closeNow *handle
	if h.refs == 0 && h.retiring && !h.released {
		h.released = true
		m.draining--
		closeNow = h
	}
	m.mu.Unlock()
	m.closeHandle(closeNow)
}

func (m *Manager) closeHandle(h *handle) error {
	if h == nil {
		return nil
	}
	if err := h.model.Close(); err != nil {
		m.log.Warn("Closing model failed", "model", h.cfg.String(), "error", err)
		return err
	}
	m.log.Info("Model released", "model", h.cfg.String(), "lifetime", time.Since(h.loadedAt).Round(time.Second))
	return nil
}

// Lease is a counted reference to a loaded model. The model stays alive
// until every Lease on it is released, even if it has been swapped out.
type Lease struct {
	m        *Manager
	h        *handle
	released atomic.Bool
}

// Config returns the configuration the leased model was loaded with.
func (l *Lease) Config() Config {
	return l.h.cfg
}

// Transcribe runs inference on the leased model.
func (l *Lease) Transcribe(ctx context.Context, audioPath, language string) (Transcript, error) {
	if l.released.Load() {
		return Transcript{}, ErrLeaseReleased
	}
	return l.h.model.Transcribe(ctx, audioPath, language)
}

// Release gives the reference back. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.m.release(l.h)
	}
}
