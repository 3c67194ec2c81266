package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c := NewCache(nil, ttl, time.Hour) // sweep out of the picture
	t.Cleanup(c.Stop)
	return c
}

func mustHash(t *testing.T, payload any) string {
	t.Helper()
	h, err := PayloadHash(payload)
	require.NoError(t, err)
	return h
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute)

	res := Result{Qty: 7, Version: 3}
	require.NoError(t, c.Set("key-1", res, "hash-1"))

	got, ok := c.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, res, got)
	assert.Equal(t, int64(1), c.Hits())

	_, ok = c.Get("absent")
	assert.False(t, ok)
}

func TestCheckMatchingPayloadHits(t *testing.T) {
	c := newTestCache(t, time.Minute)
	payload := map[string]any{"op": "adjust", "delta": int64(5)}

	_, hit, err := c.Check("key-1", payload)
	require.NoError(t, err)
	assert.False(t, hit)

	res := Result{Qty: 10, Version: 2}
	require.NoError(t, c.Set("key-1", res, mustHash(t, payload)))

	got, hit, err := c.Check("key-1", payload)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, res, got)
}

func TestCheckDifferentPayloadConflicts(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Set("key-1", Result{Qty: 10, Version: 2}, mustHash(t, map[string]any{"delta": 5})))

	_, _, err := c.Check("key-1", map[string]any{"delta": 6})
	require.Error(t, err)
	ae := apperr.As(err)
	assert.Equal(t, apperr.CodeIdempotencyConflict, ae.Code)
	assert.Equal(t, string(apperr.ConflictIdempotencyConflict), ae.Details["kind"])
}

func TestSetIsIdempotentPerHash(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Set("key-1", Result{Qty: 1, Version: 1}, "h1"))

	// Same hash: no-op, original result kept.
	require.NoError(t, c.Set("key-1", Result{Qty: 99, Version: 99}, "h1"))
	got, ok := c.Get("key-1")
	require.True(t, ok)
	assert.Equal(t, Result{Qty: 1, Version: 1}, got)

	// Different hash on a live entry: conflict.
	err := c.Set("key-1", Result{Qty: 2, Version: 2}, "h2")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeIdempotencyConflict, apperr.As(err).Code)
}

func TestExpiryReadsAsAbsent(t *testing.T) {
	c := newTestCache(t, 30*time.Millisecond)
	require.NoError(t, c.Set("key-1", Result{Qty: 1, Version: 1}, "h1"))

	_, ok := c.Get("key-1")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("key-1")
	assert.False(t, ok)

	// An expired slot is reusable, even with a different payload.
	require.NoError(t, c.Set("key-1", Result{Qty: 2, Version: 2}, "h2"))
	got, ok := c.Get("key-1")
	require.True(t, ok)
	assert.Equal(t, Result{Qty: 2, Version: 2}, got)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	c := NewCache(nil, 10*time.Millisecond, 20*time.Millisecond)
	defer c.Stop()

	require.NoError(t, c.Set("key-1", Result{}, "h1"))
	require.NoError(t, c.Set("key-2", Result{}, "h2"))
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Set("key-1", Result{}, "h1"))
	c.Delete("key-1")
	_, ok := c.Get("key-1")
	assert.False(t, ok)
}

func TestEmptyKeyIsNeverCached(t *testing.T) {
	c := newTestCache(t, time.Minute)
	require.NoError(t, c.Set("", Result{Qty: 1}, "h1"))
	_, ok := c.Get("")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestPayloadHashCanonicalizesKeyOrder(t *testing.T) {
	type cmd struct {
		Op    string `json:"op"`
		Delta int64  `json:"delta"`
	}

	a := mustHash(t, map[string]any{"op": "adjust", "delta": 5})
	b := mustHash(t, map[string]any{"delta": 5, "op": "adjust"})
	assert.Equal(t, a, b)

	// Struct field order does not matter either once canonicalized.
	s := mustHash(t, cmd{Op: "adjust", Delta: 5})
	assert.Equal(t, a, s)

	other := mustHash(t, map[string]any{"op": "adjust", "delta": 6})
	assert.NotEqual(t, a, other)
}
