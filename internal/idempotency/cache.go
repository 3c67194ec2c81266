// Package idempotency caches command results per idempotency key so retried
// commands observe the original outcome instead of re-executing.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// Result is the cached command outcome.
type Result struct {
	Qty     int64 `json:"qty"`
	Version int64 `json:"version"`
}

type entry struct {
	result      Result
	payloadHash string
	createdAt   time.Time
	expiresAt   time.Time
}

// Cache is a process-local TTL map keyed by opaque idempotency keys. Expired
// entries read as absent and are removed by a periodic sweep.
type Cache struct {
	log *zap.Logger
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	hits atomic.Int64 // sampled without the lock

	stop chan struct{}
	done chan struct{}
}

// NewCache constructs the cache and starts its sweep goroutine.
// Call Stop at teardown.
func NewCache(log *zap.Logger, ttl, sweepEvery time.Duration) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	c := &Cache{
		log:     log.Named("idempotency"),
		ttl:     ttl,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweep(sweepEvery)
	return c
}

// Get returns the live result for key. Expired entries are removed inline.
func (c *Cache) Get(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Result{}, false
	}
	c.hits.Add(1)
	return e.result, true
}

// Check probes key against payload. It reports the original result on a live
// hit with a matching payload hash, or IdempotencyConflict when the live
// entry was stored for a different payload.
func (c *Cache) Check(key string, payload any) (Result, bool, error) {
	if key == "" {
		return Result{}, false, nil
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return Result{}, false, apperr.Internal(fmt.Errorf("hash payload: %w", err))
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return Result{}, false, nil
	}
	if e.payloadHash != "" && e.payloadHash != hash {
		return Result{}, false, apperr.IdempotencyConflict(key)
	}
	c.hits.Add(1)
	return e.result, true, nil
}

// Set stores res under key. A live entry with an identical payload hash makes
// the call a no-op; a differing hash is an idempotency conflict.
func (c *Cache) Set(key string, res Result, payloadHash string) error {
	if key == "" {
		return nil
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		if e.payloadHash == payloadHash {
			return nil
		}
		return apperr.IdempotencyConflict(key)
	}
	c.entries[key] = &entry{
		result:      res,
		payloadHash: payloadHash,
		createdAt:   now,
		expiresAt:   now.Add(c.ttl),
	}
	return nil
}

// Delete removes key (explicit clear).
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of stored entries, live or not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits samples the hit counter without taking the map lock.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Stop terminates the sweep goroutine.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Cache) sweep(every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			removed := 0
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
					removed++
				}
			}
			c.mu.Unlock()
			if removed > 0 {
				c.log.Debug("swept expired entries", zap.Int("count", removed))
			}
		}
	}
}

// PayloadHash is the canonical payload fingerprint: JSON with sorted object
// keys, hashed with SHA-256.
func PayloadHash(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	// Round-trip through any so maps re-marshal with sorted keys regardless
	// of the input's field order.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
