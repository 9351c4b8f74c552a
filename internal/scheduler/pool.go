package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"farview/internal/metrics"
)

// Pool runs fire-and-forget tasks on a fixed number of worker goroutines.
// The queue is unbounded so Schedule never blocks, which lets callers schedule
// work while holding locks.
type Pool struct {
	name    string
	logger  *zap.Logger
	onPanic func(any)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	workers sync.WaitGroup
}

type Option func(*Pool)

// WithPanicHandler replaces the default handler, which logs the panic and
// re-raises it on the worker goroutine.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

func New(name string, workers int, logger *zap.Logger, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}

	p := &Pool{
		name:   name,
		logger: logger.Named(name),
	}
	p.cond = sync.NewCond(&p.mu)
	p.onPanic = p.rethrow
	for _, opt := range opts {
		opt(p)
	}

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}

	p.logger.Info("Worker pool started", zap.Int("workers", workers))
	return p
}

// Schedule queues task for execution. Tasks scheduled after Close are dropped.
func (p *Pool) Schedule(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("Dropping task scheduled on closed pool")
		return
	}
	p.queue = append(p.queue, task)
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.SchedulerQueueDepth.WithLabelValues(p.name).Set(float64(depth))
	p.cond.Signal()
}

// Pending is the number of queued tasks that no worker has picked up yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks, lets the workers drain what is already queued
// and waits for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.workers.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) work() {
	defer p.workers.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		metrics.SchedulerQueueDepth.WithLabelValues(p.name).Set(float64(depth))
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.WithLabelValues(p.name).Inc()
			p.onPanic(r)
		}
	}()

	task()
	metrics.SchedulerTasks.WithLabelValues(p.name).Inc()
}

func (p *Pool) rethrow(r any) {
	p.logger.Error("Worker task panicked",
		zap.String("panic", fmt.Sprint(r)),
		zap.ByteString("stack", debug.Stack()),
	)
	panic(r)
}
