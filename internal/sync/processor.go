package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/audit"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
)

// ApplyResult is what a successful durable write produced.
type ApplyResult struct {
	NewVersion  int64
	PreviousQty int64
	Delta       int64
}

// Processor commits a clean update: writes the quantity through the storage
// adapter, records a movement, fires the audit side effect and hands the new
// version back for the client's next optimistic write.
type Processor struct {
	store store.StockStore
	audit audit.Sink
}

func NewProcessor(st store.StockStore, sink audit.Sink) *Processor {
	return &Processor{store: st, audit: sink}
}

// Apply performs the conditional write. claimedVersion carries the client's
// optimistic token straight to the storage CAS, so racing writers with the
// same token cannot both win. prevHint is only consulted when no record
// exists yet.
//
// A disconnecting client does not cancel this: the durable effect applies
// regardless, only the acknowledgment is lost.
func (p *Processor) Apply(ctx context.Context, tenantID, userID, productID, locationID string, newQuantity int64, claimedVersion, prevHint *int64) (*ApplyResult, error) {
	if newQuantity < 0 {
		return nil, fmt.Errorf("quantity must be non-negative, got %d", newQuantity)
	}

	var prevQty int64
	rec, err := p.store.GetStockVersion(ctx, productID, locationID)
	switch {
	case err == nil:
		prevQty = rec.Quantity
	case errors.Is(err, store.ErrNotFound):
		if prevHint != nil {
			prevQty = *prevHint
		}
		// First write: the conditional token is meaningless without a record.
		claimedVersion = nil
	default:
		return nil, fmt.Errorf("failed to read stock record: %w", err)
	}

	newVersion, err := p.store.WriteStock(ctx, productID, locationID, newQuantity, claimedVersion)
	if err != nil {
		return nil, err
	}

	movement := &store.Movement{
		ProductID:   productID,
		LocationID:  locationID,
		Delta:       newQuantity - prevQty,
		PreviousQty: prevQty,
		NewQty:      newQuantity,
		PerformedBy: userID,
		CreatedAt:   time.Now(),
	}
	if err := p.store.RecordMovement(ctx, movement); err != nil {
		// The stock write already committed; a lost movement record is
		// reported but does not roll it back.
		logger.Log.Error("Failed to record movement",
			zap.String("productID", productID),
			zap.String("locationID", locationID),
			zap.Error(err),
		)
	}

	p.audit.Log(ctx, audit.Event{
		Action:   "inventory.update",
		TenantID: tenantID,
		UserID:   userID,
		Resource: productID,
		Detail:   fmt.Sprintf("location=%s qty=%d delta=%+d", locationID, newQuantity, movement.Delta),
		At:       time.Now(),
	})

	return &ApplyResult{
		NewVersion:  newVersion,
		PreviousQty: prevQty,
		Delta:       newQuantity - prevQty,
	}, nil
}
