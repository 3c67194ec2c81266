// Package resilience holds the backpressure stack protecting the write path:
// per-identifier rate limiting, bulkhead isolation, load shedding, and a
// failure-count circuit breaker.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// Bulkhead bounds a named resource pool: at most limit concurrent executions
// plus at most queueSize FIFO waiters. Anything beyond that is rejected
// immediately with a capacity failure.
//
// Pools are independent: saturating one bulkhead never blocks another.
type Bulkhead struct {
	name      string
	limit     int64
	queueSize int64

	sem    *semaphore.Weighted
	queued atomic.Int64
	active atomic.Int64
}

// NewBulkhead constructs a pool with the given concurrency limit and queue bound.
func NewBulkhead(name string, limit, queueSize int) *Bulkhead {
	if limit < 1 {
		limit = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Bulkhead{
		name:      name,
		limit:     int64(limit),
		queueSize: int64(queueSize),
		sem:       semaphore.NewWeighted(int64(limit)),
	}
}

// Name returns the pool name.
func (b *Bulkhead) Name() string { return b.name }

// QueueDepth reports the number of waiters currently queued.
func (b *Bulkhead) QueueDepth() int64 { return b.queued.Load() }

// Active reports the number of executions currently holding a slot.
func (b *Bulkhead) Active() int64 { return b.active.Load() }

// Run executes fn under the pool. If a slot is free it runs immediately;
// otherwise the caller queues FIFO up to the queue bound, then is rejected
// with ServiceOverloaded. Waiting honors ctx cancellation.
func (b *Bulkhead) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.sem.TryAcquire(1) {
		if b.queued.Add(1) > b.queueSize {
			b.queued.Add(-1)
			return apperr.Overloaded("bulkhead "+b.name+" at capacity", time.Second)
		}
		err := b.sem.Acquire(ctx, 1)
		b.queued.Add(-1)
		if err != nil {
			return err
		}
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return fn(ctx)
}
