package ingest

import (
	"context"
	"sync"
)

// Job is a unit of work submitted to the WorkerPool.
type Job func(ctx context.Context) error

// Pool abstracts the worker pool so tests can inject failing implementations.
type Pool interface {
	Start(ctx context.Context)
	Submit(Job) error
	// SubmitCtx attempts to enqueue a job but returns promptly if ctx is canceled.
	SubmitCtx(ctx context.Context, job Job) error
	Close()
	// Err returns the first error returned by a job.
	Err() error
}

// WorkerPool runs jobs using a fixed number of goroutines. Once a job fails the
// remaining queued jobs are skipped.
type WorkerPool struct {
	jobs    chan Job
	quit    chan struct{}
	wg      sync.WaitGroup
	workers int

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewWorkerPool creates a new worker pool with the specified number of workers
// and job queue capacity.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 2
	}
	return &WorkerPool{
		jobs:    make(chan Job, queue),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Start begins the worker goroutines. They run until Close drains the queue or ctx is done.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.fail(ctx.Err())
					return
				case job, ok := <-p.jobs:
					if !ok {
						return
					}
					if p.Err() != nil {
						continue
					}
					if err := job(ctx); err != nil {
						p.fail(err)
					}
				}
			}
		}()
	}
}

// Submit enqueues a job for processing. Returns ErrPoolClosed if the pool is closed.
func (p *WorkerPool) Submit(job Job) error {
	return p.SubmitCtx(context.Background(), job)
}

// SubmitCtx enqueues a job, giving up when ctx is done or the pool closes.
func (p *WorkerPool) SubmitCtx(ctx context.Context, job Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new jobs and waits for queued jobs to finish.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.closeMu.Lock()
		p.closed = true
		close(p.jobs)
		p.closeMu.Unlock()
	})
	p.wg.Wait()
}

// Err returns the first job error, if any.
func (p *WorkerPool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *WorkerPool) fail(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

// ErrPoolClosed is returned if a Submit is attempted after Close.
var ErrPoolClosed = &PoolError{"worker pool closed"}

// PoolError provides a simple typed error for pool operations.
type PoolError struct{ msg string }

func (e *PoolError) Error() string { return e.msg }
