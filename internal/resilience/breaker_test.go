package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

var errPersist = errors.New("disk on fire")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(context.Background(), func(context.Context) error { return errPersist })
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	opened := 0
	b := NewBreaker(nil, "persistence", 3, time.Minute, time.Hour, func() { opened++ })

	failN(b, 2)
	assert.Equal(t, BreakerClosed, b.State())

	failN(b, 1)
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 1, opened)

	// Open fast-fails without invoking fn.
	called := false
	err := b.Do(context.Background(), func(context.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	ae := apperr.As(err)
	assert.Equal(t, apperr.CodeCircuitOpen, ae.Code)
	assert.Greater(t, ae.RetryAfter, time.Duration(0))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(nil, "persistence", 3, time.Minute, time.Hour, nil)

	failN(b, 2)
	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	failN(b, 2)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker(nil, "persistence", 1, time.Minute, 20*time.Millisecond, nil)

	failN(b, 1)
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker(nil, "persistence", 1, time.Minute, 20*time.Millisecond, nil)

	failN(b, 1)
	time.Sleep(30 * time.Millisecond)

	failN(b, 1) // the probe
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Do(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.As(err).Code)
}

func TestBreakerAdmitsSingleProbe(t *testing.T) {
	b := NewBreaker(nil, "persistence", 1, time.Minute, 20*time.Millisecond, nil)

	failN(b, 1)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	probing := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Do(context.Background(), func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	// While the probe is in flight, everyone else is rejected.
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.As(err).Code)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerWindowExpiryForgetsStaleFailures(t *testing.T) {
	b := NewBreaker(nil, "persistence", 3, 30*time.Millisecond, time.Hour, nil)

	failN(b, 2)
	time.Sleep(50 * time.Millisecond) // window rolls over

	failN(b, 2) // fresh window: 2 < threshold
	assert.Equal(t, BreakerClosed, b.State())
}
