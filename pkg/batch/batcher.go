// Package batch coalesces items into bounded batches flushed on an
// interval, on overflow, or on demand.
package batch

import (
	"context"
	"sync"
	"time"
)

type Batcher[T any] struct {
	size     int
	interval time.Duration
	flush    func(context.Context, []T) error

	mu      sync.Mutex
	pending []T

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewBatcher[T any](size int, interval time.Duration, flush func(context.Context, []T) error) *Batcher[T] {
	b := &Batcher[T]{
		size:     size,
		interval: interval,
		flush:    flush,
		pending:  make([]T, 0, size),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues an item. A full batch nudges the flusher instead of blocking
// the caller on the write.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything pending right now. Used by readers that need
// their own writes visible.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.size)
	b.mu.Unlock()

	return b.flush(ctx, items)
}

// Pending reports how many items await the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes whatever is pending and stops the background flusher,
// returning once it has exited.
func (b *Batcher[T]) Close() {
	close(b.stop)
	<-b.done
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.kick:
			b.Flush(context.Background())
		case <-b.stop:
			b.Flush(context.Background())
			return
		}
	}
}
