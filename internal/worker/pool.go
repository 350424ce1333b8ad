// Package worker runs background tasks on a fixed number of goroutines fed
// by a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolStopped is returned by Submit after Shutdown has begun.
	ErrPoolStopped = errors.New("worker pool has been stopped")
)

// Task is a unit of background work. ctx is cancelled only when Shutdown
// gives up waiting.
type Task func(ctx context.Context)

// Observer receives pool gauges. Implementations must be safe for concurrent use.
type Observer interface {
	SetQueueDepth(n int)
	SetInFlight(n int)
}

type nopObserver struct{}

func (nopObserver) SetQueueDepth(int) {}
func (nopObserver) SetInFlight(int)   {}

// Pool executes submitted tasks with at most Workers running at once.
type Pool struct {
	tasks    chan Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	inFlight atomic.Int64
	observer Observer
	logger   *zap.Logger
	once     sync.Once
}

// New starts a pool with the given number of workers and queue capacity.
// observer may be nil.
func New(workers, queueSize int, observer Observer, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:    make(chan Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		observer: observer,
		logger:   logger.Named("worker_pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("worker: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		p.observer.SetQueueDepth(len(p.tasks))
		return nil
	default:
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(p.tasks))
	}
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx expires first, the context passed to running tasks is
// cancelled and ctx.Err() is returned without waiting further.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.observer.SetQueueDepth(len(p.tasks))
		p.observer.SetInFlight(int(p.inFlight.Add(1)))
		p.run(id, task)
		p.observer.SetInFlight(int(p.inFlight.Add(-1)))
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	task(p.ctx)
}
