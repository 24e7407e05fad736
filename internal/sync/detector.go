package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sammyZi/smart-inventory-sync/internal/store"
)

// Detector classifies an incoming update as clean or conflicting by comparing
// the claimed version against the stored one. The storage read happens with
// no room lock held; the narrow window where the view can go stale is the
// optimistic-concurrency trade-off, the storage CAS is the final arbiter.
type Detector struct {
	store store.StockStore
	reg   *Registry
}

func NewDetector(st store.StockStore, reg *Registry) *Detector {
	return &Detector{store: st, reg: reg}
}

// Check returns (nil, nil) for a clean update. A version mismatch builds a
// Conflict, appends it to the tenant's open list and returns it.
//
// No stored record means first write: clean. A nil claimed version means a
// legacy unversioned caller: also treated as clean. That relaxation can mask
// real conflicts for such callers; it is deliberate, matching the reference
// behavior.
func (d *Detector) Check(ctx context.Context, tenantID, userID, productID, locationID string, claimedVersion *int64, localQty int64) (*Conflict, error) {
	rec, err := d.store.GetStockVersion(ctx, productID, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stock version: %w", err)
	}

	if claimedVersion == nil {
		return nil, nil
	}
	if *claimedVersion == rec.Version {
		return nil, nil
	}

	conflict := d.build(ConflictVersionMismatch, tenantID, userID, productID, locationID, claimedVersion, localQty, rec)
	d.reg.AddConflict(conflict)
	return conflict, nil
}

// RecordRace registers a conflict for an update that passed Check but lost
// the storage compare-and-swap to a concurrent writer.
func (d *Detector) RecordRace(ctx context.Context, tenantID, userID, productID, locationID string, claimedVersion *int64, localQty int64) (*Conflict, error) {
	rec, err := d.store.GetStockVersion(ctx, productID, locationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read stock version: %w", err)
	}

	conflict := d.build(ConflictConcurrentUpdate, tenantID, userID, productID, locationID, claimedVersion, localQty, rec)
	d.reg.AddConflict(conflict)
	return conflict, nil
}

func (d *Detector) build(kind, tenantID, userID, productID, locationID string, claimedVersion *int64, localQty int64, rec *store.StockRecord) *Conflict {
	server := StockSnapshot{ProductID: productID, LocationID: locationID}
	if rec != nil {
		storedVersion := rec.Version
		server.Quantity = rec.Quantity
		server.Version = &storedVersion
	}

	return &Conflict{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		ResourceType: "inventory",
		ResourceID:   productID,
		Kind:         kind,
		LocalValue: StockSnapshot{
			ProductID:  productID,
			LocationID: locationID,
			Quantity:   localQty,
			Version:    claimedVersion,
		},
		ServerValue: server,
		DetectedAt:  time.Now(),
		UserID:      userID,
		LocationID:  locationID,
	}
}
