package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is one unit of work run by the pool. The context passed in is the
// pool's own context and is cancelled when the pool stops.
type Job func(ctx context.Context)

// WorkerPool manages a fixed set of worker goroutines shared by every
// scheduling cycle and by immediate asynchronous executions. Submit blocks
// while all workers are busy and the buffer is full, which is what bounds
// the amount of work a single cycle can queue.
type WorkerPool struct {
	// jobs carries submitted work to the workers
	jobs chan Job

	// workerCount is the number of concurrent workers to start
	workerCount int

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for cancellation and shutdown signaling
	ctx context.Context

	// cancel is the function to call to cancel the context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once

	// logger for structured logging
	logger *slog.Logger

	// errorHandler is called when a job panics
	// If nil, panics are only logged
	errorHandler func(err error)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// QueueSize is the number of submitted jobs that may wait for a free
	// worker. Zero means Submit hands over directly to a worker.
	QueueSize int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 8,
		QueueSize:   0,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	// Apply defaults for invalid config values
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}
	queueSize := config.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With(slog.String("component", "worker_pool")),
	}
}

// SetErrorHandler sets a callback for jobs that panic.
func (p *WorkerPool) SetErrorHandler(handler func(err error)) {
	p.errorHandler = handler
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker pool", "worker_count", p.workerCount)
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Submit hands job to the pool, blocking until a worker or buffer slot is
// free. It returns ErrPoolStopped once Stop has been called, or the
// context error if ctx ends first. A job accepted by Submit always runs.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the workers to finish and waits for them. Jobs still
// buffered are run before the workers exit.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		p.cancel()
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-p.ctx.Done():
			p.drain(id)
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case job := <-p.jobs:
			p.run(job, id)
		}
	}
}

func (p *WorkerPool) drain(id int) {
	for {
		select {
		case job := <-p.jobs:
			p.run(job, id)
		default:
			return
		}
	}
}

func (p *WorkerPool) run(job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job panicked: %v", r)
			p.logger.Error("recovered from job panic",
				"worker_id", workerID,
				"error", err)
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
		}
	}()
	job(p.ctx)
}
