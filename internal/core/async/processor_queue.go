package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is shutting down")

// ProcessorQueue is a bounded pool of workers draining a job channel in
// FIFO order. After Stop, jobs still in the channel are handed to the
// skip callback instead of the handler; jobs already running finish.
type ProcessorQueue struct {
	handle  Handler
	skip    func(Job)
	onPanic func(Job, any)
	logger  *slog.Logger
	workers int
	timeout time.Duration
	base    context.Context

	ch      chan Job
	wg      sync.WaitGroup
	once    sync.Once
	stopped atomic.Bool

	mu     sync.Mutex
	closed bool
}

type Option func(*ProcessorQueue)

func WithWorkers(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *ProcessorQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *ProcessorQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithBaseContext sets the parent of every per-job context.
func WithBaseContext(ctx context.Context) Option {
	return func(q *ProcessorQueue) {
		if ctx != nil {
			q.base = ctx
		}
	}
}

// WithSkipHandler is called for jobs dequeued after Stop.
func WithSkipHandler(fn func(Job)) Option {
	return func(q *ProcessorQueue) { q.skip = fn }
}

// WithPanicHandler is called when the handler panics on a job.
func WithPanicHandler(fn func(Job, any)) Option {
	return func(q *ProcessorQueue) { q.onPanic = fn }
}

func NewProcessorQueue(handle Handler, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		handle:  handle,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
		base:    context.Background(),
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *ProcessorQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("worker started", "worker_id", workerID)

				for job := range q.ch {
					if q.stopped.Load() {
						if q.skip != nil {
							q.skip(job)
						}
						continue
					}
					q.run(workerID, job)
				}

				q.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *ProcessorQueue) run(workerID int, job Job) {
	timeout := q.timeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}
	ctx, cancel := context.WithTimeout(q.base, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker panic recovered", "worker_id", workerID, "index", job.Index, "panic", r)
			if q.onPanic != nil {
				q.onPanic(job, r)
			}
		}
	}()
	q.handle(ctx, job)
}

func (q *ProcessorQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "index", job.Index)
		return ErrQueueClosed
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	select {
	case q.ch <- job:
	default:
		q.logger.Debug("queue full, applying backpressure", "index", job.Index)
		q.ch <- job
	}
	return nil
}

// Stop halts dispatch of queued jobs. Running jobs are not interrupted.
func (q *ProcessorQueue) Stop() {
	if q.stopped.CompareAndSwap(false, true) {
		q.logger.Info("queue dispatch stopped")
	}
}

func (q *ProcessorQueue) Stopped() bool {
	return q.stopped.Load()
}

// Shutdown closes the queue and waits for workers to drain it.
func (q *ProcessorQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Debug("queue drained, shutdown complete")
	}
}
