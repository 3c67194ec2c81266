// Package inventory holds the domain model: per-store stock records and the
// domain events that mutate them.
package inventory

import (
	"fmt"
	"time"
)

// Identifier length bounds. Both are opaque strings; we only bound them.
const (
	MaxStoreIDLen = 20
	MaxSKULen     = 50
)

// StockRecord is the derived stock state for one (storeId, sku) identity.
//
// Invariants:
//   - Qty >= 0 at every post-commit state.
//   - Version is a positive integer advanced by exactly 1 per committed mutation.
//   - Exactly one record exists per identity.
type StockRecord struct {
	StoreID   string    `json:"storeId"`
	SKU       string    `json:"sku"`
	Qty       int64     `json:"qty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a defensive copy.
func (r *StockRecord) Clone() *StockRecord {
	cp := *r
	return &cp
}

// ValidateStoreID checks the opaque store identifier bounds.
func ValidateStoreID(storeID string) error {
	if l := len(storeID); l < 1 || l > MaxStoreIDLen {
		return fmt.Errorf("storeId must be 1-%d chars, got %d", MaxStoreIDLen, l)
	}
	return nil
}

// ValidateSKU checks the opaque SKU bounds.
func ValidateSKU(sku string) error {
	if l := len(sku); l < 1 || l > MaxSKULen {
		return fmt.Errorf("sku must be 1-%d chars, got %d", MaxSKULen, l)
	}
	return nil
}
