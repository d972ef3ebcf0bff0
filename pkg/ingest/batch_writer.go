package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// WriteFunc is a callback that performs database writes inside a transaction.
type WriteFunc func(ctx context.Context, tx *sql.Tx) error

// BatchWriter buffers write operations and commits them together in one transaction on
// Flush. Flushes are synchronous, so batches commit strictly in submission order.
type BatchWriter struct {
	db *sql.DB
	// Guard runs first in every transaction. An error from it discards the batch.
	Guard WriteFunc

	mu        sync.Mutex
	buf       []WriteFunc
	closed    bool
	committed int
}

// NewBatchWriter creates a new BatchWriter. A nil db runs callbacks with a nil tx.
func NewBatchWriter(db *sql.DB) *BatchWriter {
	return &BatchWriter{db: db}
}

// Submit enqueues a write function for the next Flush.
func (bw *BatchWriter) Submit(w WriteFunc) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrBatchWriterClosed
	}
	bw.buf = append(bw.buf, w)
	return nil
}

// Flush commits everything submitted since the last flush. On error nothing of the batch
// is kept.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buf) == 0 {
		return nil
	}
	batch := bw.buf
	bw.buf = nil
	if err := bw.executeBatch(ctx, batch); err != nil {
		return err
	}
	bw.committed++
	return nil
}

func (bw *BatchWriter) executeBatch(ctx context.Context, batch []WriteFunc) error {
	if bw.Guard != nil {
		batch = append([]WriteFunc{bw.Guard}, batch...)
	}
	if bw.db == nil {
		for _, w := range batch {
			if err := w(ctx, nil); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ignored if committed
	}()
	for _, w := range batch {
		if err := w(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch (%d items): %w", len(batch), err)
	}
	return nil
}

// Committed returns how many batches were committed.
func (bw *BatchWriter) Committed() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.committed
}

// Close flushes pending writes and stops accepting submissions.
func (bw *BatchWriter) Close(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrBatchWriterClosed
	}
	bw.closed = true
	return bw.flushLocked(ctx)
}

var ErrBatchWriterClosed = &BatchWriterError{"batch writer closed"}

type BatchWriterError struct{ msg string }

func (e *BatchWriterError) Error() string { return e.msg }
