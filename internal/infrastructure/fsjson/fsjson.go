// Package fsjson is the durable file layer: whole-document JSON reads and
// atomic temp-file+rename writes with retry and exponential backoff.
//
// Write Path:
//  1. Marshal the document.
//  2. Ensure the parent directory exists.
//  3. atomic.WriteFile (temp file in the same directory, fsync, rename).
//  4. On failure, retry with RETRY_BASE_MS·2^(n−1) + jitter, up to RETRY_TIMES.
//
// Retry exhaustion surfaces as apperr.Persistence; a missing file on read is
// reported as fs.ErrNotExist so callers can treat it as empty state.
package fsjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// RetryPolicy bounds the retry loop around a single filesystem operation.
type RetryPolicy struct {
	Times  int           // total attempts (>= 1)
	Base   time.Duration // first backoff interval
	Jitter time.Duration // randomization added on top of each interval
}

// Files performs durable JSON document I/O under a retry policy.
type Files struct {
	log     *zap.Logger
	policy  RetryPolicy
	onRetry func() // metric hook, invoked once per retried attempt
}

// New constructs the file layer. onRetry may be nil.
func New(log *zap.Logger, policy RetryPolicy, onRetry func()) *Files {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.Times < 1 {
		policy.Times = 1
	}
	if onRetry == nil {
		onRetry = func() {}
	}
	return &Files{log: log.Named("fsjson"), policy: policy, onRetry: onRetry}
}

// ReadJSON loads the JSON document at path into dst.
// A missing file returns an error satisfying errors.Is(err, fs.ErrNotExist).
func (f *Files) ReadJSON(ctx context.Context, path string, dst any) error {
	var raw []byte
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = b
		return nil
	}
	if err := f.retry(ctx, "read", path, op); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Persistence(fmt.Sprintf("corrupt document %s", path), err)
	}
	return nil
}

// WriteJSON atomically replaces the document at path with the JSON encoding
// of v, creating the parent directory if needed.
func (f *Files) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Persistence(fmt.Sprintf("encode document %s", path), err)
	}
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return atomic.WriteFile(path, strings.NewReader(string(data)))
	}
	return f.retry(ctx, "write", path, op)
}

// retry runs op under the policy: attempt n waits Base·2^(n−1) plus jitter.
func (f *Files) retry(ctx context.Context, verb, path string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil && attempt < f.policy.Times && !isPermanent(err) {
			f.onRetry()
			f.log.Warn("fs operation failed; retrying",
				zap.String("op", verb),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.policy.Base
	b.Multiplier = 2
	b.MaxInterval = f.policy.Base << 8
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	if f.policy.Base > 0 && f.policy.Jitter > 0 {
		b.RandomizationFactor = float64(f.policy.Jitter) / float64(f.policy.Base)
	} else {
		b.RandomizationFactor = 0
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.policy.Times-1)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", verb, path, fs.ErrNotExist)
	}
	if ctx.Err() != nil {
		return err
	}
	return apperr.Persistence(fmt.Sprintf("%s %s: retries exhausted", verb, path), err)
}

func isPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}
