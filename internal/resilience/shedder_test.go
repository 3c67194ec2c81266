package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// saturate occupies the bulkhead's only slot and parks n waiters in its queue.
// The returned release function unblocks everything and joins the goroutines.
func saturate(t *testing.T, b *Bulkhead, n int) (release func()) {
	t.Helper()

	stop := make(chan struct{})
	holding := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Run(context.Background(), func(context.Context) error {
			close(holding)
			<-stop
			return nil
		})
	}()
	<-holding

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Run(context.Background(), func(context.Context) error { return nil })
		}()
	}
	require.Eventually(t, func() bool { return b.QueueDepth() == int64(n) }, 2*time.Second, time.Millisecond)

	return func() {
		close(stop)
		wg.Wait()
	}
}

func TestShedderAdmitsUnderThreshold(t *testing.T) {
	api := NewBulkhead("api", 1, 100)
	s := NewLoadShedder(10, api)

	assert.NoError(t, s.Admit())

	release := saturate(t, api, 10) // depth == maxQueued: still admitted
	defer release()
	assert.Equal(t, int64(10), s.Depth())
	assert.NoError(t, s.Admit())
}

func TestShedderRejectsWithDepthScaledHint(t *testing.T) {
	api := NewBulkhead("api", 1, 100)
	s := NewLoadShedder(10, api)

	release := saturate(t, api, 25)
	defer release()

	err := s.Admit()
	require.Error(t, err)
	ae := apperr.As(err)
	assert.Equal(t, apperr.CodeOverloaded, ae.Code)
	assert.Equal(t, 3*time.Second, ae.RetryAfter) // ceil(25/10)
}

func TestShedderHintIsCappedAt60s(t *testing.T) {
	api := NewBulkhead("api", 1, 1000)
	s := NewLoadShedder(10, api)

	release := saturate(t, api, 700)
	defer release()

	ae := apperr.As(s.Admit())
	assert.Equal(t, 60*time.Second, ae.RetryAfter)
}

func TestShedderSumsObservedPools(t *testing.T) {
	api := NewBulkhead("api", 1, 100)
	syncPool := NewBulkhead("sync", 1, 100)
	s := NewLoadShedder(10, api, syncPool)

	releaseAPI := saturate(t, api, 6)
	defer releaseAPI()
	releaseSync := saturate(t, syncPool, 6)
	defer releaseSync()

	assert.Equal(t, int64(12), s.Depth())
	assert.Error(t, s.Admit())
}
