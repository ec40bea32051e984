// Package pool runs blocking inference work on a fixed set of workers fed
// by a bounded FIFO queue. Submissions beyond the queue capacity are
// rejected immediately instead of blocking the caller.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrBackpressure is returned by Submit when every worker is busy and
	// the queue is full.
	ErrBackpressure = errors.New("pool: all workers busy and queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("pool: closed")

	// ErrCanceled is the result of a task that was cancelled before a
	// worker picked it up.
	ErrCanceled = errors.New("pool: task canceled before start")
)

// Options configures a Pool.
type Options struct {
	Workers   int // concurrent tasks (default 2)
	QueueSize int // tasks waiting for a worker; 0 means none wait
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Workers:   2,
		QueueSize: 8,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"slots"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// job is the type-erased side of a Future that workers operate on.
type job interface {
	begin() bool // false when the task must be skipped
	exec()
}

// Pool is a fixed-size worker pool. The zero value is not usable; create
// one with New.
type Pool struct {
	opts Options
	log  *slog.Logger

	wg   sync.WaitGroup
	busy atomic.Int32

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *list.List // of job, oldest first
	idle   int        // workers waiting for a job
	closed bool
}

// New starts opts.Workers workers.
func New(opts Options, logger *slog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		opts:  opts,
		log:   logger,
		queue: list.New(),
		idle:  opts.Workers,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(opts.Workers)
	for i := range opts.Workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		j, ok := p.next()
		if !ok {
			break
		}
		if j.begin() {
			p.busy.Add(1)
			j.exec()
			p.busy.Add(-1)
		}
		p.mu.Lock()
		p.idle++
		p.mu.Unlock()
	}
	p.log.Debug("Worker stopped", "worker", id)
}

// next blocks until a job is queued and takes it. It returns false once
// the pool is closed and the queue is drained.
func (p *Pool) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.queue.Len() == 0 {
		return nil, false
	}
	p.idle--
	return p.queue.Remove(p.queue.Front()).(job), true
}

// enqueue appends j to the queue without blocking. Idle workers count as
// extra capacity since they take a job as soon as it arrives.
func (p *Pool) enqueue(j job) (*list.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.queue.Len() >= p.opts.QueueSize+p.idle {
		p.log.Warn("Rejecting task, pool saturated", "workers", p.opts.Workers, "queue", p.opts.QueueSize)
		return nil, ErrBackpressure
	}
	e := p.queue.PushBack(j)
	p.cond.Signal()
	return e, nil
}

// dequeue drops e from the queue if a worker has not taken it yet.
func (p *Pool) dequeue(e *list.Element) {
	p.mu.Lock()
	p.queue.Remove(e)
	p.mu.Unlock()
}

// Stats reports worker occupancy and queue depth.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.queue.Len()
	p.mu.Unlock()
	return Stats{
		Workers: p.opts.Workers,
		Busy:    int(p.busy.Load()),
		Queued:  queued,
	}
}

// Close stops accepting tasks, lets queued and running tasks finish and
// waits for every worker to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

const (
	statePending int32 = iota
	stateRunning
	stateCanceled
)

// Future is the pending result of a submitted task.
type Future[T any] struct {
	ctx   context.Context
	fn    func(context.Context) (T, error)
	log   *slog.Logger
	state atomic.Int32

	pool *Pool
	elem *list.Element

	done chan struct{}
	val  T
	err  error
}

// Submit queues fn for execution. It never blocks: when the queue is full
// it returns ErrBackpressure. fn is skipped, and the Future resolves with
// the context error, if ctx is done before a worker picks it up.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	f := &Future[T]{
		ctx:  ctx,
		fn:   fn,
		log:  p.log,
		pool: p,
		done: make(chan struct{}),
	}
	e, err := p.enqueue(f)
	if err != nil {
		return nil, err
	}
	f.elem = e
	return f, nil
}

func (f *Future[T]) begin() bool {
	if !f.state.CompareAndSwap(statePending, stateRunning) {
		return false
	}
	if err := f.ctx.Err(); err != nil {
		var zero T
		f.resolve(zero, err)
		return false
	}
	return true
}

func (f *Future[T]) exec() {
	var (
		val T
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				f.log.Error("Task panicked", "panic", r)
				err = fmt.Errorf("pool: task panicked: %v", r)
			}
		}()
		val, err = f.fn(f.ctx)
	}()
	f.resolve(val, err)
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Cancel prevents the task from starting and frees its queue slot. It
// reports whether it did so; a task that is already running is left to
// complete.
func (f *Future[T]) Cancel() bool {
	if !f.state.CompareAndSwap(statePending, stateCanceled) {
		return false
	}
	f.pool.dequeue(f.elem)
	var zero T
	f.resolve(zero, ErrCanceled)
	return true
}

// Done is closed once the task has finished or was cancelled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task resolves or ctx is done. When ctx ends first
// the task is cancelled if it has not started, and ctx.Err() is returned.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		f.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}
