package pool

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

func newTestPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	p := New(Options{Workers: workers, QueueSize: queue}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(p.Close)
	return p
}

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

// blocker occupies a worker until release is closed.
func blocker(release <-chan struct{}) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		<-release
		return 0, nil
	}
}

func TestSubmitReturnsResult(t *testing.T) {
	p := newTestPool(t, 2, 2)

	f, err := Submit(context.Background(), p, func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	got, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Wait() = %q, want %q", got, "hello")
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := newTestPool(t, 1, 0)
	boom := errors.New("boom")

	f, err := Submit(context.Background(), p, func(context.Context) (int, error) { return 0, boom })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Wait() error = %v, want %v", err, boom)
	}
}

func TestBackpressure(t *testing.T) {
	p := newTestPool(t, 1, 1)
	release := make(chan struct{})
	defer close(release)

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	waitFor(t, "first task to start", func() bool { return p.Stats().Busy == 1 })

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("second Submit() should queue, got %v", err)
	}
	if got := p.Stats(); got != (Stats{Workers: 1, Busy: 1, Queued: 1}) {
		t.Errorf("Stats() = %+v", got)
	}

	start := time.Now()
	_, err := Submit(context.Background(), p, blocker(release))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("third Submit() error = %v, want ErrBackpressure", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %v, want immediate", elapsed)
	}
}

func TestCancelBeforeStartSkipsTask(t *testing.T) {
	p := newTestPool(t, 1, 2)
	release := make(chan struct{})

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	var ran atomic.Bool
	f, err := Submit(context.Background(), p, func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !f.Cancel() {
		t.Fatal("Cancel() on queued task = false, want true")
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done() not closed after Cancel()")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Errorf("Wait() error = %v, want ErrCanceled", err)
	}

	close(release)
	p.Close()
	if ran.Load() {
		t.Error("cancelled task ran")
	}
}

func TestCancelFreesQueueSlot(t *testing.T) {
	p := newTestPool(t, 1, 1)
	release := make(chan struct{})
	defer close(release)

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	queued, err := Submit(context.Background(), p, blocker(release))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !queued.Cancel() {
		t.Fatal("Cancel() on queued task = false, want true")
	}
	if got := p.Stats(); got != (Stats{Workers: 1, Busy: 1, Queued: 0}) {
		t.Errorf("Stats() after Cancel() = %+v", got)
	}

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() after cancelling the queued task error = %v, want nil", err)
	}
	if got := p.Stats().Queued; got != 1 {
		t.Errorf("Queued = %d, want 1", got)
	}
}

func TestWaitTimeoutFreesQueueSlot(t *testing.T) {
	p := newTestPool(t, 1, 1)
	release := make(chan struct{})
	defer close(release)

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	f, err := Submit(context.Background(), p, blocker(release))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want DeadlineExceeded", err)
	}

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Errorf("Submit() after waiter gave up error = %v, want nil", err)
	}
}

func TestDefaultWorkers(t *testing.T) {
	if got := DefaultOptions().Workers; got != 2 {
		t.Errorf("DefaultOptions().Workers = %d, want 2", got)
	}
	p := New(Options{QueueSize: 1}, nil)
	defer p.Close()
	if got := p.Stats().Workers; got != 2 {
		t.Errorf("Stats().Workers with zero Options = %d, want 2", got)
	}
}

func TestContextDoneBeforeStartSkipsTask(t *testing.T) {
	p := newTestPool(t, 1, 2)
	release := make(chan struct{})

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	f, err := Submit(ctx, p, func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	cancel()
	close(release)

	<-f.Done()
	if _, err := f.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Error("task ran after its context was cancelled")
	}
}

func TestWaitContextCancelsPendingTask(t *testing.T) {
	p := newTestPool(t, 1, 1)
	release := make(chan struct{})

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	var ran atomic.Bool
	f, err := Submit(context.Background(), p, func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want DeadlineExceeded", err)
	}

	close(release)
	p.Close()
	if ran.Load() {
		t.Error("task ran after its waiter gave up")
	}
}

func TestRunningTaskIsNotCancelled(t *testing.T) {
	p := newTestPool(t, 1, 0)
	release := make(chan struct{})

	f, err := Submit(context.Background(), p, func(context.Context) (string, error) {
		<-release
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "task to start", func() bool { return p.Stats().Busy == 1 })

	if f.Cancel() {
		t.Error("Cancel() on running task = true, want false")
	}
	close(release)
	got, err := f.Wait(context.Background())
	if err != nil || got != "done" {
		t.Errorf("Wait() = %q, %v; want %q, nil", got, err, "done")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	p := newTestPool(t, 1, 5)
	release := make(chan struct{})

	if _, err := Submit(context.Background(), p, blocker(release)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "blocker to start", func() bool { return p.Stats().Busy == 1 })

	var (
		mu    sync.Mutex
		order []int
	)
	var futures []*Future[int]
	for i := range 5 {
		f, err := Submit(context.Background(), p, func(context.Context) (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		futures = append(futures, f)
	}
	close(release)
	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if want := []int{0, 1, 2, 3, 4}; !slices.Equal(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 3
	p := newTestPool(t, workers, 20)

	var active, maxActive atomic.Int32
	var futures []*Future[struct{}]
	for range 20 {
		f, err := Submit(context.Background(), p, func(context.Context) (struct{}, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		<-f.Done()
	}
	if got := maxActive.Load(); got > workers {
		t.Errorf("max concurrent tasks = %d, want <= %d", got, workers)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 3}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var count atomic.Int32
	for range 3 {
		if _, err := Submit(context.Background(), p, func(context.Context) (int, error) {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return 0, nil
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	p.Close()
	if got := count.Load(); got != 3 {
		t.Errorf("completed tasks after Close() = %d, want 3", got)
	}
	if _, err := Submit(context.Background(), p, func(context.Context) (int, error) { return 0, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close() error = %v, want ErrClosed", err)
	}
	p.Close()
}

func TestPanicBecomesError(t *testing.T) {
	p := newTestPool(t, 1, 1)

	f, err := Submit(context.Background(), p, func(context.Context) (int, error) {
		panic("engine exploded")
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := f.Wait(context.Background()); err == nil {
		t.Fatal("Wait() error = nil, want panic error")
	}

	// The worker survives.
	f, err = Submit(context.Background(), p, func(context.Context) (int, error) { return 7, nil })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got, err := f.Wait(context.Background()); err != nil || got != 7 {
		t.Errorf("Wait() = %d, %v; want 7, nil", got, err)
	}
}
