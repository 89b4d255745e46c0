// Package workerpool provides a bounded pool for concurrent event handling
// with per-task retry and graceful drain.
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

// Task is one unit of work.
type Task struct {
	ID      string
	Payload interface{}
}

// Result is the outcome of one task.
type Result struct {
	TaskID string
	Err    error
}

// WorkerFunc handles one task. Errors trigger retries up to the configured
// limit.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds pool settings.
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for the dispensing worker: release
// operations are short database transactions, so a modest pool suffices.
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ErrQueueFull indicates the task queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped indicates the pool is draining.
var ErrStopped = errors.New("pool is shutting down")

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
}

// New creates a pool; Start launches the workers.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for w := 0; w < p.config.Workers; w++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results exposes task outcomes for callers that want them.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop drains queued tasks and waits for workers, up to ShutdownTimeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	close(p.results)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task *Task) {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.fn(p.ctx, task)
		if err == nil || attempt >= p.config.MaxRetries {
			break
		}
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-p.ctx.Done():
			err = p.ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			continue
		}
		break
	}

	if err != nil {
		err = fmt.Errorf("task %s: %w", task.ID, err)
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("task failed", zap.String("task_id", task.ID), zap.Error(err))
	} else {
		atomic.AddInt64(&p.completed, 1)
	}

	select {
	case p.results <- &Result{TaskID: task.ID, Err: err}:
	default:
		// Caller is not draining results; drop rather than block a worker.
	}
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Queued    int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Queued:    len(p.tasks),
	}
}
