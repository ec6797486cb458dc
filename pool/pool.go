package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/fzft/agent-ipc/log"
	"go.uber.org/zap"
)

var ErrPoolShutdown = errors.New("pool: shut down")

type options struct {
	logger *zap.Logger
}

type Option func(opts *options)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
// Tasks wait in an unbounded FIFO until a worker is free.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    *queue.Queue
	shutdown bool

	workers int
	wg      sync.WaitGroup
	done    chan struct{}
	logger  *zap.Logger
}

// New starts a pool with the given number of workers, runtime.NumCPU() when size <= 0.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	o := &options{logger: log.Logger}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pool{
		tasks:   queue.New(),
		workers: size,
		done:    make(chan struct{}),
		logger:  o.logger,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p
}

// Submit queues task for execution. It fails with ErrPoolShutdown once Shutdown was called.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrPoolShutdown
	}
	p.tasks.Add(task)
	p.cond.Signal()
	return nil
}

// Shutdown stops accepting new tasks. Queued and running tasks still complete.
// It does not wait, use AwaitTermination for that.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	p.shutdown = true
	p.cond.Broadcast()
}

func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Pending returns the number of queued tasks not yet picked by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.workers
}

// AwaitTermination blocks until every worker exited after Shutdown, or ctx is done.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		task, ok := p.take()
		if !ok {
			return
		}
		p.execute(task)
	}
}

// take blocks for the next task. ok is false once the pool is shut down and drained.
func (p *Pool) take() (task func(), ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.tasks.Length() == 0 {
		if p.shutdown {
			return nil, false
		}
		p.cond.Wait()
	}
	return p.tasks.Remove().(func()), true
}

func (p *Pool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
