package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	p := NewWorkerPool(4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	var ran int32
	jobs := 100
	for i := 0; i < jobs; i++ {
		if err := p.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	p.Close()

	if got := atomic.LoadInt32(&ran); int(got) != jobs {
		t.Fatalf("expected %d jobs executed, got %d", jobs, got)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
}

func TestWorkerPoolSkipsJobsAfterFailure(t *testing.T) {
	p := NewWorkerPool(1, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("tokenizer unavailable")
	var ran int32
	// Queue everything before starting so the single worker sees the failure first.
	if err := p.Submit(func(ctx context.Context) error { return boom }); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	p.Start(ctx)
	p.Close()

	if !errors.Is(p.Err(), boom) {
		t.Fatalf("expected first job error, got %v", p.Err())
	}
	if got := atomic.LoadInt32(&ran); got != 0 {
		t.Fatalf("expected queued jobs to be skipped, %d ran", got)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Close()
	cancel()
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSubmitUnblocksOnClose(t *testing.T) {
	p := NewWorkerPool(1, 1)
	// No workers: the second Submit blocks on the full queue.
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- p.Submit(func(ctx context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()

	if err := <-done; err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSubmitCtxHonorsCancellation(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.SubmitCtx(ctx, func(ctx context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestContextCancellationStopsWorkers(t *testing.T) {
	p := NewWorkerPool(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	done := make(chan struct{}, 1)
	go func() {
		p.Close()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("Close blocked after context cancellation")
	}
	if !errors.Is(p.Err(), context.Canceled) {
		t.Fatalf("expected cancellation recorded, got %v", p.Err())
	}
}
