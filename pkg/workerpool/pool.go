// Package workerpool provides a bounded worker pool with retry and
// backpressure. Submit blocks while the queue is full so a consumer never
// reads faster than it can process.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop was called.
var ErrStopped = errors.New("worker pool is stopped")

// Handler processes one task payload.
type Handler[T any] func(ctx context.Context, payload T) error

// FailureFunc is called once for a task whose retries are exhausted.
type FailureFunc[T any] func(id string, payload T, err error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for remote generator calls.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               64,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task[T any] struct {
	id      string
	payload T
	ctx     context.Context
	done    chan error
}

// Pool runs submitted payloads on a fixed number of workers.
type Pool[T any] struct {
	config    Config
	handler   Handler[T]
	onFailure FailureFunc[T]
	logger    *zap.Logger

	tasks   chan task[T]
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Start must be called before tasks run.
func New[T any](cfg Config, h Handler[T], logger *zap.Logger) (*Pool[T], error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:  cfg,
		handler: h,
		logger:  logger,
		tasks:   make(chan task[T], cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// OnFailure registers fn for tasks that failed permanently.
func (p *Pool[T]) OnFailure(fn FailureFunc[T]) {
	p.onFailure = fn
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues payload, blocking while the queue is full. ctx is also the
// context the handler runs with.
func (p *Pool[T]) Submit(ctx context.Context, id string, payload T) error {
	return p.enqueue(ctx, task[T]{id: id, payload: payload, ctx: ctx})
}

// Do queues payload and waits for its final result after retries.
func (p *Pool[T]) Do(ctx context.Context, id string, payload T) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, task[T]{id: id, payload: payload, ctx: ctx, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) enqueue(ctx context.Context, t task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- t:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop waits for queued tasks to finish, up to the shutdown timeout.
func (p *Pool[T]) Stop() error {
	p.logger.Info("stopping worker pool")

	p.cancel()
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(id, t)
	}
}

func (p *Pool[T]) run(workerID int, t task[T]) {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = p.handler(ctx, t.payload); err == nil {
			p.completed.Add(1)
			t.finish(nil)
			return
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", t.id),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	p.failed.Add(1)
	p.logger.Error("task failed",
		zap.String("task_id", t.id),
		zap.Int("worker_id", workerID),
		zap.Error(err))
	if p.onFailure != nil {
		p.onFailure(t.id, t.payload, err)
	}
	t.finish(err)
}

func (t task[T]) finish(err error) {
	if t.done != nil {
		t.done <- err
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Queued    int
	Workers   int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Queued:    len(p.tasks),
		Workers:   p.config.Workers,
	}
}
