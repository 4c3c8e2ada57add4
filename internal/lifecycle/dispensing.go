package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// Dispenser evaluates dispense preconditions. It returns a decision as an
// error and leaves every state change to the controller.
type Dispenser struct {
	stock        StockChecker
	stockTimeout time.Duration
	logger       *zap.Logger
}

// NewDispenser creates a dispensing engine
func NewDispenser(stock StockChecker, stockTimeout time.Duration, logger *zap.Logger) *Dispenser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispenser{stock: stock, stockTimeout: stockTimeout, logger: logger}
}

// Check verifies, in order: status is VALID, expiry not passed, and every
// medication line is in stock at the warehouse. The first failure is returned.
func (d *Dispenser) Check(ctx context.Context, p *prescription.Prescription, warehouseID string, now time.Time) error {
	if p.Status != prescription.StatusValid {
		return &prescription.StateError{Op: "dispense", Status: p.Status}
	}
	if p.IsExpiredAt(now) {
		return &prescription.ExpiredError{ID: p.ID, ExpiryDate: p.ExpiryDate}
	}
	if d.stock == nil {
		return &prescription.StockError{WarehouseID: warehouseID, Unknown: true, Cause: errors.New("stock checker not configured")}
	}
	for _, line := range p.Medications {
		ok, err := d.hasStock(ctx, line, warehouseID)
		if err != nil {
			d.logger.Warn("stock check failed",
				zap.String("prescription_id", p.ID),
				zap.String("product_id", line.ProductID),
				zap.String("warehouse_id", warehouseID),
				zap.Error(err))
			return &prescription.StockError{ProductID: line.ProductID, Name: line.Name, WarehouseID: warehouseID, Unknown: true, Cause: err}
		}
		if !ok {
			return &prescription.StockError{ProductID: line.ProductID, Name: line.Name, WarehouseID: warehouseID}
		}
	}
	return nil
}

func (d *Dispenser) hasStock(ctx context.Context, line prescription.MedicationLine, warehouseID string) (bool, error) {
	if d.stockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.stockTimeout)
		defer cancel()
	}
	return d.stock.HasStock(ctx, line.ProductID, warehouseID, line.Quantity)
}
