// Package keymutex serializes asynchronous work per key: one in-flight
// function per key, FIFO by arrival, fully parallel across distinct keys.
package keymutex

import (
	"context"
	"fmt"
	"sync"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// Serializer chains callers per key. Each Acquire publishes itself as the
// key's tail and waits for the previous tail to settle, so same-key work runs
// in arrival order while distinct keys never contend. Memory is O(active
// keys): the map entry is removed when the settling tail is still the
// published one.
type Serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New constructs an empty serializer.
func New() *Serializer {
	return &Serializer{tails: make(map[string]chan struct{})}
}

// Acquire runs fn while holding the exclusive logical lock on key, releasing
// only once fn has fully terminated. Waiting for the lock honors ctx
// cancellation; a panic inside fn is recovered and surfaced as InternalError
// without poisoning the key.
func (s *Serializer) Acquire(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.mu.Unlock()

	settle := func() {
		close(done)
		s.mu.Lock()
		// A later acquirer may have replaced the tail; only the owner cleans up.
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// done is the link successors wait on; it must not close until
			// the predecessor has settled, or the next waiter would run
			// concurrently with the current holder. Hand the chain off.
			go func() {
				<-prev
				settle()
			}()
			return ctx.Err()
		}
	}

	defer settle()
	return runProtected(ctx, fn)
}

// ActiveKeys reports the number of keys with in-flight or queued work.
func (s *Serializer) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}

func runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Internal(fmt.Errorf("panic in serialized section: %v", r))
		}
	}()
	return fn(ctx)
}
