package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batcher closed")

// ProcessFunc handles one batch of items.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a ProcessFunc when the batch is
// full or the interval elapses, whichever comes first. Batches are processed
// one at a time in the order items were added.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	process       ProcessFunc[T]
	onError       func(err error, items []T)

	mu      sync.Mutex
	pending []T
	closed  bool

	processMu sync.Mutex

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Batcher.
type Option[T any] func(*Batcher[T])

// WithErrorHandler sets the callback for batches the background worker
// failed to process. Without one those errors are dropped.
func WithErrorHandler[T any](fn func(err error, items []T)) Option[T] {
	return func(b *Batcher[T]) { b.onError = fn }
}

// New creates a batcher and starts its worker goroutine.
func New[T any](batchSize int, batchInterval time.Duration, process ProcessFunc[T], opts ...Option[T]) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		process:       process,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()

	return b
}

// Add queues an item. It never blocks on processing.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.processMu.Lock()
	defer b.processMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	return b.process(ctx, items)
}

func (b *Batcher[T]) flushInBackground() {
	b.processMu.Lock()
	b.mu.Lock()
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	var err error
	if len(items) > 0 {
		err = b.process(context.Background(), items)
	}
	b.processMu.Unlock()

	if err != nil && b.onError != nil {
		b.onError(err, items)
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushInBackground()
		case <-b.flushChan:
			b.flushInBackground()
		case <-b.stopChan:
			b.flushInBackground()
			return
		}
	}
}

// Close stops accepting items, processes what is pending and waits for the
// worker to exit or ctx to expire.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stopChan)
	})

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of queued items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
