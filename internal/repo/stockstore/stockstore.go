// Package stockstore persists the derived stock records: one document
// mapping storeId → sku → record.
package stockstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
	"github.com/retailgrid/inventory-server/internal/domain/inventory"
	"github.com/retailgrid/inventory-server/internal/infrastructure/fsjson"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// Store maintains the stock records with a cached in-memory image.
//
// The command core is the sole writer and guarantees per-identity
// serialization, so Upsert never races on the same (storeId, sku). The file
// is the source of truth; the image mutates only after a successful write.
// Reads return defensive copies.
type Store struct {
	log    *zap.Logger
	files  *fsjson.Files
	path   string
	fsPool *resilience.Bulkhead // may be nil (direct writes)

	mu      sync.RWMutex
	byStore map[string]map[string]*inventory.StockRecord
}

// Open loads the store at path, starting empty when the file does not exist.
func Open(ctx context.Context, log *zap.Logger, files *fsjson.Files, path string, fsPool *resilience.Bulkhead) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		log:     log.Named("stockstore"),
		files:   files,
		path:    path,
		fsPool:  fsPool,
		byStore: make(map[string]map[string]*inventory.StockRecord),
	}

	var doc map[string]map[string]*inventory.StockRecord
	if err := files.ReadJSON(ctx, path, &doc); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load stock store: %w", err)
		}
	} else if doc != nil {
		s.byStore = doc
	}

	s.log.Info("stock store opened", zap.String("path", path), zap.Int("records", s.count()))
	return s, nil
}

// Get returns a copy of the record for (storeId, sku), or NotFoundError.
func (s *Store) Get(ctx context.Context, storeID, sku string) (*inventory.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byStore[storeID][sku]
	if !ok {
		return nil, apperr.NotFound(storeID, sku)
	}
	return rec.Clone(), nil
}

// Upsert creates or replaces the record for its identity. The caller
// guarantees serialization per (storeId, sku).
func (s *Store) Upsert(ctx context.Context, rec *inventory.StockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.cloneAll()
	skus, ok := candidate[rec.StoreID]
	if !ok {
		skus = make(map[string]*inventory.StockRecord)
		candidate[rec.StoreID] = skus
	}
	skus[rec.SKU] = rec.Clone()

	if err := s.write(ctx, candidate); err != nil {
		return err
	}
	s.byStore = candidate
	return nil
}

// Delete removes the record for (storeId, sku). Idempotent: deleting an
// absent record is a no-op.
func (s *Store) Delete(ctx context.Context, storeID, sku string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byStore[storeID][sku]; !ok {
		return nil
	}

	candidate := s.cloneAll()
	delete(candidate[storeID], sku)
	if len(candidate[storeID]) == 0 {
		delete(candidate, storeID)
	}

	if err := s.write(ctx, candidate); err != nil {
		return err
	}
	s.byStore = candidate
	return nil
}

// ListByStore returns copies of all records in storeId, ordered by sku.
func (s *Store) ListByStore(ctx context.Context, storeID string) ([]*inventory.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skus := s.byStore[storeID]
	out := make([]*inventory.StockRecord, 0, len(skus))
	for _, rec := range skus {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// ListStores returns all store ids, sorted.
func (s *Store) ListStores(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byStore))
	for storeID := range s.byStore {
		out = append(out, storeID)
	}
	sort.Strings(out)
	return out, nil
}

// TotalCount returns the number of records across all stores.
func (s *Store) TotalCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(), nil
}

// count assumes a lock is held.
func (s *Store) count() int {
	n := 0
	for _, skus := range s.byStore {
		n += len(skus)
	}
	return n
}

// cloneAll assumes a lock is held.
func (s *Store) cloneAll() map[string]map[string]*inventory.StockRecord {
	out := make(map[string]map[string]*inventory.StockRecord, len(s.byStore))
	for storeID, skus := range s.byStore {
		cp := make(map[string]*inventory.StockRecord, len(skus))
		for sku, rec := range skus {
			cp[sku] = rec.Clone()
		}
		out[storeID] = cp
	}
	return out
}

func (s *Store) write(ctx context.Context, doc map[string]map[string]*inventory.StockRecord) error {
	if s.fsPool == nil {
		return s.files.WriteJSON(ctx, s.path, doc)
	}
	return s.fsPool.Run(ctx, func(ctx context.Context) error {
		return s.files.WriteJSON(ctx, s.path, doc)
	})
}
