package resilience

import (
	"time"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// LoadShedder rejects new work when the observed bulkheads have queued more
// waiters than maxQueued in total. It sits in front of bulkhead admission so
// shedding is fast-fail: shed requests never enter any pool.
type LoadShedder struct {
	observed  []*Bulkhead
	maxQueued int64
}

// NewLoadShedder observes the given pools with the given total-queue threshold.
func NewLoadShedder(maxQueued int, observed ...*Bulkhead) *LoadShedder {
	if maxQueued < 0 {
		maxQueued = 0
	}
	return &LoadShedder{observed: observed, maxQueued: int64(maxQueued)}
}

// Depth reports the summed queue depth of the observed pools.
func (s *LoadShedder) Depth() int64 {
	var depth int64
	for _, b := range s.observed {
		depth += b.QueueDepth()
	}
	return depth
}

// Admit returns nil when the request may proceed, or ServiceOverloaded with a
// retry hint of min(60, ⌈depth/10⌉) seconds.
func (s *LoadShedder) Admit() error {
	depth := s.Depth()
	if depth <= s.maxQueued {
		return nil
	}
	hint := (depth + 9) / 10
	if hint > 60 {
		hint = 60
	}
	if hint < 1 {
		hint = 1
	}
	return apperr.Overloaded("service overloaded", time.Duration(hint)*time.Second)
}
