// Package eventlog is the durable, append-only domain event log. It is the
// outbox of the write path: every committed state change is preceded by an
// event appended here.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/domain/inventory"
	"github.com/retailgrid/inventory-server/internal/infrastructure/fsjson"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// document is the on-disk contract: <data>/event-log.json.
type document struct {
	Events       []*inventory.Event `json:"events"`
	LastID       string             `json:"lastId"`
	LastSequence int64              `json:"lastSequence"`
}

// Log maintains the ordered event sequence with a cached in-memory image.
//
// Consistency Model:
//   - The file is the source of truth; the in-memory image is a materialized
//     copy updated only after a successful write.
//   - All operations are serialized for writes; reads share an RWMutex and
//     return defensive copies.
//
// Write Path:
//  1. Lock.
//  2. Duplicate id → no-op (log idempotence).
//  3. Assign sequence = lastSequence + 1.
//  4. Persist the whole document through the fs bulkhead and the durable
//     file layer (atomic temp-file + rename).
//  5. On success, apply the in-memory mutation. Unlock.
type Log struct {
	log    *zap.Logger
	files  *fsjson.Files
	path   string
	fsPool *resilience.Bulkhead // may be nil (direct writes)

	mu  sync.RWMutex
	doc document
	ids map[string]struct{} // id membership for duplicate detection
}

// Open loads the log at path, starting empty when the file does not exist.
func Open(ctx context.Context, log *zap.Logger, files *fsjson.Files, path string, fsPool *resilience.Bulkhead) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Log{
		log:    log.Named("eventlog"),
		files:  files,
		path:   path,
		fsPool: fsPool,
		ids:    make(map[string]struct{}),
	}

	var doc document
	if err := files.ReadJSON(ctx, path, &doc); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load event log: %w", err)
		}
	} else {
		l.doc = doc
		for _, ev := range doc.Events {
			l.ids[ev.ID] = struct{}{}
		}
	}

	l.log.Info("event log opened",
		zap.String("path", path),
		zap.Int("events", len(l.doc.Events)),
		zap.Int64("last_sequence", l.doc.LastSequence),
	)
	return l, nil
}

// Append persists ev with the next sequence number. Appending an event whose
// id already exists is a no-op. Fails with PersistenceError only after the
// file layer has exhausted its retries.
func (l *Log) Append(ctx context.Context, ev *inventory.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[ev.ID]; dup {
		l.log.Debug("duplicate event id; append is a no-op", zap.String("event_id", ev.ID))
		return nil
	}

	next := ev.Clone()
	next.Sequence = l.doc.LastSequence + 1

	candidate := document{
		Events:       append(append([]*inventory.Event(nil), l.doc.Events...), next),
		LastID:       next.ID,
		LastSequence: next.Sequence,
	}
	if err := l.write(ctx, candidate); err != nil {
		return err
	}

	l.doc = candidate
	l.ids[next.ID] = struct{}{}
	return nil
}

// GetAll returns every event ordered by sequence.
func (l *Log) GetAll(ctx context.Context) ([]*inventory.Event, error) {
	return l.filter(func(*inventory.Event) bool { return true })
}

// GetByType returns events of type t ordered by sequence.
func (l *Log) GetByType(ctx context.Context, t inventory.EventType) ([]*inventory.Event, error) {
	return l.filter(func(ev *inventory.Event) bool { return ev.Type == t })
}

// GetByTimeRange returns events with t0 <= timestamp <= t1 ordered by sequence.
func (l *Log) GetByTimeRange(ctx context.Context, t0, t1 time.Time) ([]*inventory.Event, error) {
	return l.filter(func(ev *inventory.Event) bool {
		return !ev.Timestamp.Before(t0) && !ev.Timestamp.After(t1)
	})
}

// GetSince returns events with sequence strictly greater than seq.
func (l *Log) GetSince(ctx context.Context, seq int64) ([]*inventory.Event, error) {
	return l.filter(func(ev *inventory.Event) bool { return ev.Sequence > seq })
}

// GetLastID returns the id of the most recently appended event ("" when empty).
func (l *Log) GetLastID(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc.LastID, nil
}

// LastSequence returns the highest assigned sequence (0 when empty).
func (l *Log) LastSequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc.LastSequence
}

func (l *Log) filter(keep func(*inventory.Event) bool) ([]*inventory.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*inventory.Event, 0)
	for _, ev := range l.doc.Events {
		if keep(ev) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (l *Log) write(ctx context.Context, doc document) error {
	if l.fsPool == nil {
		return l.files.WriteJSON(ctx, l.path, doc)
	}
	return l.fsPool.Run(ctx, func(ctx context.Context) error {
		return l.files.WriteJSON(ctx, l.path, doc)
	})
}
