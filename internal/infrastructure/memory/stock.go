package memory

import (
	"context"
	"sync"
)

// Stock is an in-memory inventory table keyed by warehouse and product.
// It only answers availability; it never decrements.
type Stock struct {
	mu    sync.RWMutex
	units map[string]map[string]int
}

// NewStock creates an empty stock table
func NewStock() *Stock {
	return &Stock{units: make(map[string]map[string]int)}
}

// Set records the available units of a product at a warehouse
func (s *Stock) Set(warehouseID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.units[warehouseID] == nil {
		s.units[warehouseID] = make(map[string]int)
	}
	s.units[warehouseID][productID] = qty
}

// HasStock reports whether qty units are available
func (s *Stock) HasStock(_ context.Context, productID, warehouseID string, qty int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[warehouseID][productID] >= qty, nil
}
