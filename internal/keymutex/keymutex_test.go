package keymutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

func TestMutualExclusionPerKey(t *testing.T) {
	s := New()

	var inFlight, maxInFlight atomic.Int64
	counter := 0 // intentionally unguarded; the serializer is the lock

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Acquire(context.Background(), "sku-1", func(context.Context) error {
				cur := inFlight.Add(1)
				for {
					max := maxInFlight.Load()
					if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
						break
					}
				}
				counter++
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Equal(t, int64(1), maxInFlight.Load())
	assert.Equal(t, 0, s.ActiveKeys())
}

func TestDistinctKeysRunInParallel(t *testing.T) {
	s := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), "sku-a", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// sku-b must not wait for sku-a.
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := s.Acquire(context.Background(), "sku-b", func(context.Context) error { return nil })
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquisition on a distinct key blocked behind an unrelated holder")
	}
	close(release)
}

func TestFIFOOrderPerKey(t *testing.T) {
	s := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), "sku-1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Acquire(context.Background(), "sku-1", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let waiter i publish itself as the tail before launching i+1.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestWaiterHonorsContextCancellation(t *testing.T) {
	s := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), "sku-1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Acquire(ctx, "sku-1", func(context.Context) error { return nil })
	}()
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	close(release)
}

func TestCancelledWaiterDoesNotBreakExclusion(t *testing.T) {
	s := New()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Acquire(context.Background(), "sku-1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// Queue a waiter that will give up, then a second waiter behind it.
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- s.Acquire(ctx, "sku-1", func(context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	var entered atomic.Bool
	behind := make(chan struct{})
	go func() {
		defer close(behind)
		_ = s.Acquire(context.Background(), "sku-1", func(context.Context) error {
			entered.Store(true)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-cancelled:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// The key is still held; the waiter queued behind the cancelled one must
	// not slip into the critical section.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, entered.Load(), "acquirer entered while the key was still held")

	close(release)
	select {
	case <-behind:
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquirer never ran after the holder released")
	}
	assert.True(t, entered.Load())
	assert.Equal(t, 0, s.ActiveKeys())
}

func TestPanicDoesNotPoisonKey(t *testing.T) {
	s := New()

	err := s.Acquire(context.Background(), "sku-1", func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.As(err).Code)

	// The key is released; the next acquisition runs normally.
	ran := false
	require.NoError(t, s.Acquire(context.Background(), "sku-1", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, 0, s.ActiveKeys())
}

func TestErrorPropagates(t *testing.T) {
	s := New()
	sentinel := errors.New("nope")
	err := s.Acquire(context.Background(), "sku-1", func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
