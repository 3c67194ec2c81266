// Package service hosts the command core: the adjust/reserve write protocol,
// startup recovery, and the central-inventory sync worker.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailgrid/inventory-server/internal/apperr"
	"github.com/retailgrid/inventory-server/internal/domain/inventory"
	"github.com/retailgrid/inventory-server/internal/idempotency"
	"github.com/retailgrid/inventory-server/internal/keymutex"
	"github.com/retailgrid/inventory-server/internal/metrics"
	"github.com/retailgrid/inventory-server/internal/repo/eventlog"
	"github.com/retailgrid/inventory-server/internal/repo/stockstore"
	"github.com/retailgrid/inventory-server/internal/resilience"
)

// -----------------------------------------------------------------------------
// InventoryService
// -----------------------------------------------------------------------------
//
// Runtime model
//   • Single process, many concurrent requests.
//   • Mutations for the SAME sku are serialized via a per-key FIFO serializer.
//   • Reads (Get/List) are lock-free against the store's cached image.
//
// Contract (outbox-first)
//   • The event log is appended BEFORE the derived record is upserted. A crash
//     between the two leaves the log ahead by exactly one version for that
//     identity; Recover re-applies the trailing event on startup.
//   • Version advances by exactly 1 per committed mutation, never skips.
//   • An idempotency hit short-circuits before the per-key lock (fast path)
//     and is re-checked under the lock, so concurrent duplicates commit once.
//   • Once the event is durable, the record upsert runs to completion even if
//     the caller has gone away (cancellation is detached after the append).
type InventoryService struct {
	log     *zap.Logger
	events  *eventlog.Log
	stocks  *stockstore.Store
	keys    *keymutex.Serializer
	idem    *idempotency.Cache
	breaker *resilience.Breaker // guards persistence; may be nil
	sink    *metrics.Sink       // may be nil

	now   func() time.Time
	newID func() string
}

// Result is the outcome of a committed (or replayed) command.
type Result = idempotency.Result

// AdjustCommand mutates stock by a signed delta.
type AdjustCommand struct {
	StoreID         string
	SKU             string
	Delta           int64
	ExpectedVersion *int64 // nil = unconditional
	IdempotencyKey  string // "" = generated
}

// ReserveCommand subtracts a non-negative quantity from stock.
type ReserveCommand struct {
	StoreID         string
	SKU             string
	Qty             int64
	ExpectedVersion *int64
	IdempotencyKey  string
}

// NewInventoryService wires the command core. breaker and sink may be nil.
func NewInventoryService(
	log *zap.Logger,
	events *eventlog.Log,
	stocks *stockstore.Store,
	idem *idempotency.Cache,
	breaker *resilience.Breaker,
	sink *metrics.Sink,
) *InventoryService {
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryService{
		log:     log.Named("command_core"),
		events:  events,
		stocks:  stocks,
		keys:    keymutex.New(),
		idem:    idem,
		breaker: breaker,
		sink:    sink,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Get returns the current record for (storeId, sku).
func (s *InventoryService) Get(ctx context.Context, storeID, sku string) (*inventory.StockRecord, error) {
	if err := validateIdentity(storeID, sku); err != nil {
		return nil, err
	}
	return s.stocks.Get(ctx, storeID, sku)
}

// ListByStore returns all records for one store.
func (s *InventoryService) ListByStore(ctx context.Context, storeID string) ([]*inventory.StockRecord, error) {
	if err := inventory.ValidateStoreID(storeID); err != nil {
		return nil, apperr.Validation(apperr.CodeValidation, "%s", err.Error())
	}
	return s.stocks.ListByStore(ctx, storeID)
}

// Adjust applies a signed delta to (storeId, sku).
func (s *InventoryService) Adjust(ctx context.Context, cmd AdjustCommand) (Result, error) {
	if err := validateIdentity(cmd.StoreID, cmd.SKU); err != nil {
		return Result{}, err
	}
	payload := map[string]any{
		"op":              "adjust",
		"storeId":         cmd.StoreID,
		"sku":             cmd.SKU,
		"delta":           cmd.Delta,
		"expectedVersion": cmd.ExpectedVersion,
	}
	return s.execute(ctx, mutation{
		storeID:        cmd.StoreID,
		sku:            cmd.SKU,
		expected:       cmd.ExpectedVersion,
		idempotencyKey: cmd.IdempotencyKey,
		payload:        payload,
		eventType:      inventory.EventStockAdjusted,
		newQty: func(current int64) (int64, error) {
			next := current + cmd.Delta
			if next < 0 {
				return 0, apperr.InsufficientStock(-cmd.Delta, current)
			}
			return next, nil
		},
		fillPayload: func(p *inventory.EventPayload) { p.Delta = cmd.Delta },
	})
}

// Reserve subtracts qty from (storeId, sku). Reserving 0 is accepted: the
// version bumps and an event is appended, but stock is unchanged.
func (s *InventoryService) Reserve(ctx context.Context, cmd ReserveCommand) (Result, error) {
	if err := validateIdentity(cmd.StoreID, cmd.SKU); err != nil {
		return Result{}, err
	}
	if cmd.Qty < 0 {
		return Result{}, apperr.Validation(apperr.CodeValidation, "qty must be >= 0, got %d", cmd.Qty)
	}
	payload := map[string]any{
		"op":              "reserve",
		"storeId":         cmd.StoreID,
		"sku":             cmd.SKU,
		"qty":             cmd.Qty,
		"expectedVersion": cmd.ExpectedVersion,
	}
	return s.execute(ctx, mutation{
		storeID:        cmd.StoreID,
		sku:            cmd.SKU,
		expected:       cmd.ExpectedVersion,
		idempotencyKey: cmd.IdempotencyKey,
		payload:        payload,
		eventType:      inventory.EventStockReserved,
		newQty: func(current int64) (int64, error) {
			next := current - cmd.Qty
			if next < 0 {
				return 0, apperr.InsufficientStock(cmd.Qty, current)
			}
			return next, nil
		},
		fillPayload: func(p *inventory.EventPayload) { p.ReservedQty = cmd.Qty },
	})
}

// mutation parameterizes the shared protocol skeleton: adjust and reserve
// differ only in the delta computation and the event payload field.
type mutation struct {
	storeID        string
	sku            string
	expected       *int64
	idempotencyKey string
	payload        map[string]any
	eventType      inventory.EventType
	newQty         func(current int64) (int64, error)
	fillPayload    func(*inventory.EventPayload)
}

// execute runs the nine-step write protocol.
func (s *InventoryService) execute(ctx context.Context, m mutation) (Result, error) {
	// 1. Idempotency probe before the per-key lock.
	key := m.idempotencyKey
	if key == "" {
		key = s.newID()
	}
	hash, err := idempotency.PayloadHash(m.payload)
	if err != nil {
		return Result{}, apperr.Internal(fmt.Errorf("hash payload: %w", err))
	}
	if res, hit, err := s.idem.Check(key, m.payload); err != nil {
		s.count(countConflict)
		return Result{}, err
	} else if hit {
		s.count(countIdempotentHit)
		s.log.Debug("idempotent hit",
			zap.String("idempotency_key", key),
			zap.String("sku", m.sku),
		)
		return res, nil
	}

	// 2. Serialize per sku.
	var out Result
	err = s.keys.Acquire(ctx, m.sku, func(ctx context.Context) error {
		// Re-probe under the lock: a concurrent duplicate may have committed
		// while this caller was queued, and the command must not run twice.
		if res, hit, err := s.idem.Check(key, m.payload); err != nil {
			s.count(countConflict)
			return err
		} else if hit {
			s.count(countIdempotentHit)
			out = res
			return nil
		}

		// 3. Current state. No auto-create: absent identity fails.
		rec, err := s.stocks.Get(ctx, m.storeID, m.sku)
		if err != nil {
			return err
		}

		// 4. Optimistic concurrency check.
		if m.expected != nil && *m.expected != rec.Version {
			s.count(countConflict)
			return apperr.VersionMismatch(*m.expected, rec.Version)
		}

		// 5. Stock constraint.
		newQty, err := m.newQty(rec.Qty)
		if err != nil {
			return err
		}

		// 6. Build the event.
		now := s.now()
		ev := &inventory.Event{
			ID:        s.newID(),
			Type:      m.eventType,
			Timestamp: now,
			Payload: inventory.EventPayload{
				StoreID:         m.storeID,
				SKU:             m.sku,
				PreviousQty:     rec.Qty,
				NewQty:          newQty,
				PreviousVersion: rec.Version,
				NewVersion:      rec.Version + 1,
			},
		}
		m.fillPayload(&ev.Payload)

		// 7. Outbox discipline: durable event first, derived record second.
		if err := s.persist(ctx, func(ctx context.Context) error {
			return s.events.Append(ctx, ev)
		}); err != nil {
			return err
		}

		// The event is durable; the upsert must complete even if the caller
		// cancelled mid-flight, or recovery would have to replay it.
		commitCtx := context.WithoutCancel(ctx)
		next := &inventory.StockRecord{
			StoreID:   m.storeID,
			SKU:       m.sku,
			Qty:       newQty,
			Version:   rec.Version + 1,
			UpdatedAt: now,
		}
		if err := s.persist(commitCtx, func(ctx context.Context) error {
			return s.stocks.Upsert(ctx, next)
		}); err != nil {
			return err
		}

		// 8. Cache the result. The command is already committed: a racing
		// conflict here is logged, not surfaced.
		out = Result{Qty: next.Qty, Version: next.Version}
		if err := s.idem.Set(key, out, hash); err != nil {
			s.log.Warn("idempotency cache set conflicted after commit",
				zap.String("idempotency_key", key), zap.Error(err))
		}

		s.log.Info("committed",
			zap.String("type", string(m.eventType)),
			zap.String("store_id", m.storeID),
			zap.String("sku", m.sku),
			zap.Int64("qty", next.Qty),
			zap.Int64("version", next.Version),
		)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// persist routes a durable operation through the breaker when one is wired.
func (s *InventoryService) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Do(ctx, fn)
}

// Recover reconciles the stock store with the event log after a crash.
// Because the event append precedes the record upsert, the log may be ahead
// of the store by exactly one version per identity; the trailing event is
// re-applied. A gap of more than one version is unrecoverable and fails
// startup with PersistenceError.
func (s *InventoryService) Recover(ctx context.Context) error {
	events, err := s.events.GetAll(ctx)
	if err != nil {
		return err
	}

	type identity struct{ storeID, sku string }
	latest := make(map[identity]*inventory.Event)
	for _, ev := range events {
		latest[identity{ev.Payload.StoreID, ev.Payload.SKU}] = ev
	}

	for id, ev := range latest {
		rec, err := s.stocks.Get(ctx, id.storeID, id.sku)
		var current int64
		switch {
		case err == nil:
			current = rec.Version
		case apperr.As(err).Code == apperr.CodeNotFound:
			current = 0
		default:
			return err
		}

		switch {
		case ev.Payload.NewVersion == current:
			// Store and log agree.
		case ev.Payload.NewVersion == current+1:
			s.log.Warn("log ahead of store; re-applying trailing event",
				zap.String("store_id", id.storeID),
				zap.String("sku", id.sku),
				zap.Int64("store_version", current),
				zap.Int64("log_version", ev.Payload.NewVersion),
			)
			next := &inventory.StockRecord{
				StoreID:   id.storeID,
				SKU:       id.sku,
				Qty:       ev.Payload.NewQty,
				Version:   ev.Payload.NewVersion,
				UpdatedAt: ev.Timestamp,
			}
			if err := s.stocks.Upsert(ctx, next); err != nil {
				return err
			}
		case ev.Payload.NewVersion > current+1:
			return apperr.Persistence(
				fmt.Sprintf("event log ahead of stock store by %d versions for store %q sku %q",
					ev.Payload.NewVersion-current, id.storeID, id.sku), nil)
		default:
			// Store ahead of log: cannot happen under outbox discipline.
			s.log.Warn("stock store ahead of event log",
				zap.String("store_id", id.storeID),
				zap.String("sku", id.sku),
				zap.Int64("store_version", current),
				zap.Int64("log_version", ev.Payload.NewVersion),
			)
		}
	}
	return nil
}

type counterKind int

const (
	countConflict counterKind = iota
	countIdempotentHit
)

func (s *InventoryService) count(kind counterKind) {
	if s.sink == nil {
		return
	}
	switch kind {
	case countConflict:
		s.sink.Conflicts.Inc()
	case countIdempotentHit:
		s.sink.IdempotentHits.Inc()
	}
}

func validateIdentity(storeID, sku string) error {
	if err := inventory.ValidateStoreID(storeID); err != nil {
		return apperr.Validation(apperr.CodeValidation, "%s", err.Error())
	}
	if err := inventory.ValidateSKU(sku); err != nil {
		return apperr.Validation(apperr.CodeValidation, "%s", err.Error())
	}
	return nil
}
