package inventory

import "time"

// EventType discriminates the domain events the command core emits.
type EventType string

const (
	EventStockAdjusted EventType = "StockAdjusted"
	EventStockReserved EventType = "StockReserved"
)

// EventPayload carries the state transition of one committed mutation.
// Delta is set for StockAdjusted, ReservedQty for StockReserved.
type EventPayload struct {
	StoreID         string `json:"storeId"`
	SKU             string `json:"sku"`
	Delta           int64  `json:"delta,omitempty"`
	ReservedQty     int64  `json:"reservedQty,omitempty"`
	PreviousQty     int64  `json:"previousQty"`
	NewQty          int64  `json:"newQty"`
	PreviousVersion int64  `json:"previousVersion"`
	NewVersion      int64  `json:"newVersion"`
}

// Event is one entry of the durable event log. Immutable after append.
//
// Invariants:
//   - ID is globally unique; append is idempotent on ID.
//   - Sequence strictly increases with each new append (assigned by the log).
//   - Per identity, PreviousVersion of event i equals NewVersion of event i-1.
type Event struct {
	ID        string       `json:"id"`
	Sequence  int64        `json:"sequence"`
	Type      EventType    `json:"type"`
	Payload   EventPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// Clone returns a defensive copy.
func (e *Event) Clone() *Event {
	cp := *e
	return &cp
}
