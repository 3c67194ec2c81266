package resilience

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// tokenBucket holds the refill state for one identifier.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter admits at most rate requests/sec per identifier with bursts up
// to burst. Rejections carry a retryAfter hint of ⌈1/rate⌉ seconds. Idle
// buckets are evicted by a periodic sweep so state stays O(active identifiers).
type RateLimiter struct {
	log     *zap.Logger
	rate    float64
	burst   float64
	idleMax time.Duration

	mu      sync.RWMutex
	buckets map[string]*tokenBucket

	stop chan struct{}
	done chan struct{}
}

// NewRateLimiter constructs a limiter and starts its eviction sweep.
// Call Stop to terminate the sweep goroutine.
func NewRateLimiter(log *zap.Logger, rate float64, burst int) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		log:     log.Named("ratelimit"),
		rate:    rate,
		burst:   float64(burst),
		idleMax: 10 * time.Minute,
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow consumes one token for id. On rejection it returns the retry hint.
func (rl *RateLimiter) Allow(id string) (bool, time.Duration) {
	b := rl.bucket(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, rl.RetryAfter()
}

// RetryAfter is the hint attached to rejections: ⌈1/rate⌉ seconds.
func (rl *RateLimiter) RetryAfter() time.Duration {
	return time.Duration(math.Ceil(1/rl.rate)) * time.Second
}

// Stop terminates the eviction sweep.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
	<-rl.done
}

func (rl *RateLimiter) bucket(id string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[id]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[id]; ok {
		return b
	}
	b = &tokenBucket{tokens: rl.burst, lastRefill: time.Now()}
	rl.buckets[id] = b
	return b
}

// sweep evicts buckets idle beyond idleMax.
func (rl *RateLimiter) sweep() {
	defer close(rl.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			evicted := 0
			for id, b := range rl.buckets {
				b.mu.Lock()
				idle := time.Since(b.lastRefill) > rl.idleMax
				b.mu.Unlock()
				if idle {
					delete(rl.buckets, id)
					evicted++
				}
			}
			rl.mu.Unlock()
			if evicted > 0 {
				rl.log.Debug("evicted idle buckets", zap.Int("count", evicted))
			}
		}
	}
}
