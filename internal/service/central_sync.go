package service

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
	"github.com/retailgrid/inventory-server/internal/repo/eventlog"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// CentralEntry is one projected identity in the central inventory view.
type CentralEntry struct {
	Qty          int64 `json:"qty"`
	Version      int64 `json:"version"`
	LastSequence int64 `json:"lastSequence"`
}

// centralDoc is the on-disk contract: <data>/central-inventory.json.
type centralDoc struct {
	Stores       map[string]map[string]*CentralEntry `json:"stores"`
	LastSequence int64                               `json:"lastSequence"`
}

// CentralSyncService periodically projects the event log into a secondary
// "central inventory" view. It only ever reads the log; the command core
// never reads the projection, so the worker can lag freely.
//
// The projection cursor (last applied sequence) is snapshotted every
// snapshotEvery events and at the end of each tick, so a restart resumes
// from the persisted cursor instead of replaying the whole log.
type CentralSyncService struct {
	log     *zap.Logger
	events  *eventlog.Log
	files   *fsjson.Files
	path    string
	pool    *resilience.Bulkhead // sync bulkhead; may be nil
	breaker *resilience.Breaker  // may be nil

	interval      time.Duration
	snapshotEvery int

	mu  sync.Mutex
	doc centralDoc

	done chan struct{}
}

// StartCentralSync loads any existing projection, then starts the periodic
// worker. The service lives with ctx; cancel ctx to stop, then Wait to join.
func StartCentralSync(
	ctx context.Context,
	log *zap.Logger,
	events *eventlog.Log,
	files *fsjson.Files,
	path string,
	pool *resilience.Bulkhead,
	breaker *resilience.Breaker,
	interval time.Duration,
	snapshotEvery int,
) (*CentralSyncService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if snapshotEvery < 1 {
		snapshotEvery = 100
	}
	s := &CentralSyncService{
		log:           log.Named("central_sync"),
		events:        events,
		files:         files,
		path:          path,
		pool:          pool,
		breaker:       breaker,
		interval:      interval,
		snapshotEvery: snapshotEvery,
		doc:           centralDoc{Stores: make(map[string]map[string]*CentralEntry)},
		done:          make(chan struct{}),
	}

	var doc centralDoc
	if err := files.ReadJSON(ctx, path, &doc); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load central projection: %w", err)
		}
	} else if doc.Stores != nil {
		s.doc = doc
	}

	s.log.Info("central sync started",
		zap.String("path", path),
		zap.Duration("interval", interval),
		zap.Int64("cursor", s.doc.LastSequence),
	)
	go s.run(ctx)
	return s, nil
}

// Wait blocks until the worker has stopped after its ctx was cancelled.
func (s *CentralSyncService) Wait() { <-s.done }

// Cursor reports the last projected sequence.
func (s *CentralSyncService) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastSequence
}

// SyncOnce projects all events past the cursor. Exposed for tests and for a
// final drain on shutdown.
func (s *CentralSyncService) SyncOnce(ctx context.Context) error {
	work := func(ctx context.Context) error {
		s.mu.Lock()
		cursor := s.doc.LastSequence
		s.mu.Unlock()

		pending, err := s.events.GetSince(ctx, cursor)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		// Fold into a candidate and adopt it only once the write has landed.
		// A failed write must leave the in-memory cursor behind, so the next
		// tick re-reads and re-projects the same events.
		s.mu.Lock()
		defer s.mu.Unlock()
		candidate := s.doc.clone()
		applied := 0
		for _, ev := range pending {
			candidate.apply(ev)
			applied++
			if applied%s.snapshotEvery == 0 {
				if err := s.files.WriteJSON(ctx, s.path, candidate); err != nil {
					return err
				}
			}
		}
		if err := s.files.WriteJSON(ctx, s.path, candidate); err != nil {
			return err
		}
		s.doc = candidate
		s.log.Debug("projected events", zap.Int("count", applied), zap.Int64("cursor", s.doc.LastSequence))
		return nil
	}

	if s.pool != nil {
		inner := work
		work = func(ctx context.Context) error { return s.pool.Run(ctx, inner) }
	}
	if s.breaker != nil {
		inner := work
		work = func(ctx context.Context) error { return s.breaker.Do(ctx, inner) }
	}
	return work(ctx)
}

func (s *CentralSyncService) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("projection tick failed", zap.Error(err))
			}
		}
	}
}

// apply folds one event into the projection. Re-applying an already-projected
// event is a no-op, so a retried tick cannot regress an entry.
func (d *centralDoc) apply(ev *inventory.Event) {
	skus, ok := d.Stores[ev.Payload.StoreID]
	if !ok {
		skus = make(map[string]*CentralEntry)
		d.Stores[ev.Payload.StoreID] = skus
	}
	entry, ok := skus[ev.Payload.SKU]
	if !ok || ev.Payload.NewVersion > entry.Version {
		skus[ev.Payload.SKU] = &CentralEntry{
			Qty:          ev.Payload.NewQty,
			Version:      ev.Payload.NewVersion,
			LastSequence: ev.Sequence,
		}
	}
	if ev.Sequence > d.LastSequence {
		d.LastSequence = ev.Sequence
	}
}

func (d centralDoc) clone() centralDoc {
	cp := centralDoc{
		Stores:       make(map[string]map[string]*CentralEntry, len(d.Stores)),
		LastSequence: d.LastSequence,
	}
	for storeID, skus := range d.Stores {
		m := make(map[string]*CentralEntry, len(skus))
		for sku, entry := range skus {
			e := *entry
			m[sku] = &e
		}
		cp.Stores[storeID] = m
	}
	return cp
}
