// Package async runs queued document processing on a bounded worker pool.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one queued processing request.
type Job struct {
	DocumentID  uuid.UUID
	SubmittedAt time.Time
}

// Queue accepts jobs and drains them on shutdown.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}

// DocumentProcessor runs the pipeline for one queue document.
type DocumentProcessor interface {
	ProcessQueued(ctx context.Context, docID uuid.UUID) error
}

// ProcessorQueue is a fixed-size worker pool over a buffered channel. A full
// channel blocks the producer, which is the backpressure we want on uploads.
type ProcessorQueue struct {
	proc    DocumentProcessor
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

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

func NewProcessorQueue(proc DocumentProcessor, logger *slog.Logger, opts ...Option) *ProcessorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ProcessorQueue{
		proc:    proc,
		logger:  logger,
		workers: 4,
		timeout: 5 * time.Minute,
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
				q.logger.Info("async.worker.started", "worker_id", workerID)

				for job := range q.ch {
					q.runJob(workerID, job)
				}

				q.logger.Info("async.worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// runJob processes one job, confining a processor panic to that job so a
// single pathological document cannot take the worker down.
func (q *ProcessorQueue) runJob(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("async.worker.panic", "worker_id", workerID, "document_id", job.DocumentID, "panic", p)
		}
	}()

	if err := q.proc.ProcessQueued(ctx, job.DocumentID); err != nil {
		q.logger.Error("async.worker.failed", "worker_id", workerID, "document_id", job.DocumentID, "error", err)
		return
	}
	q.logger.Info("async.worker.done", "worker_id", workerID, "document_id", job.DocumentID)
}

func (q *ProcessorQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("async.enqueue.rejected_shutdown", "document_id", job.DocumentID)
		return nil
	}
	select {
	case q.ch <- job:
		q.logger.Info("async.enqueue.ok", "document_id", job.DocumentID)
	default:
		q.logger.Warn("async.enqueue.backpressure", "document_id", job.DocumentID)
		q.ch <- job
	}
	return nil
}

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
		q.logger.Warn("async.shutdown.interrupted")
	case <-done:
		q.logger.Info("async.shutdown.drained")
	}
}
