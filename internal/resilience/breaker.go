package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a failure-count circuit breaker guarding persistence and sync
// calls from cascading failure.
//
// Closed counts failures within an evaluation window; reaching threshold
// opens the circuit. Open fast-fails with CircuitOpen until cooldown elapses,
// then HalfOpen admits a single probe: success closes, failure re-opens.
type Breaker struct {
	log       *zap.Logger
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	onOpen    func() // metric hook

	mu          sync.Mutex
	state       BreakerState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
}

// NewBreaker constructs a closed breaker. onOpen may be nil.
func NewBreaker(log *zap.Logger, name string, threshold int, window, cooldown time.Duration, onOpen func()) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold < 1 {
		threshold = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if onOpen == nil {
		onOpen = func() {}
	}
	return &Breaker{
		log:       log.Named("breaker").With(zap.String("name", name)),
		name:      name,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		onOpen:    onOpen,
	}
}

// State reports the current state (transitioning Open→HalfOpen lazily).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Do runs fn under the breaker. Open state rejects immediately with
// CircuitOpen carrying the remaining cooldown as the retry hint.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		remaining := b.cooldown - time.Since(b.openedAt)
		if remaining > 0 {
			return apperr.CircuitOpen(ceilSeconds(remaining))
		}
		// Cooldown elapsed: admit a single probe.
		b.state = BreakerHalfOpen
		b.probing = true
		b.log.Info("breaker half-open; probing")
		return nil
	default: // HalfOpen
		if b.probing {
			return apperr.CircuitOpen(ceilSeconds(b.cooldown))
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err != nil {
			b.open()
			return
		}
		b.state = BreakerClosed
		b.failures = 0
		b.log.Info("breaker closed after successful probe")
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

// open transitions to Open. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.windowStart = time.Time{}
	b.onOpen()
	b.log.Warn("breaker opened", zap.Duration("cooldown", b.cooldown))
}

func ceilSeconds(d time.Duration) time.Duration {
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s * time.Second
}
