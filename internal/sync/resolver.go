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

// Resolution is the final durable outcome of resolving one conflict.
type Resolution struct {
	ConflictID string        `json:"conflictId"`
	Strategy   string        `json:"strategy"`
	ResolvedBy string        `json:"resolvedBy"`
	Value      StockSnapshot `json:"value"`
	Applied    bool          `json:"applied"` // whether a write was issued
}

// Resolver applies a user-chosen strategy to an open conflict. Conflicts are
// never auto-resolved or expired; they wait for an explicit call.
type Resolver struct {
	reg       *Registry
	store     store.StockStore
	processor *Processor
	audit     audit.Sink
}

func NewResolver(reg *Registry, st store.StockStore, processor *Processor, sink audit.Sink) *Resolver {
	return &Resolver{reg: reg, store: st, processor: processor, audit: sink}
}

// Resolve claims the conflict, applies the strategy and returns the final
// value. ErrNotFound for a stale or already-resolved id: duplicate client
// retries make that benign, callers treat it as an idempotent no-op.
//
// accept-server issues no write. accept-local and merge each issue exactly
// one write, performed with the version the server holds right now, so it
// applies cleanly. If the write fails, the conflict is restored untouched.
func (r *Resolver) Resolve(ctx context.Context, tenantID, userID, conflictID, strategy string, merged *MergeData) (*Resolution, error) {
	switch strategy {
	case StrategyAcceptLocal, StrategyAcceptServer, StrategyMerge:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if strategy == StrategyMerge && merged == nil {
		return nil, fmt.Errorf("%w: merge requires a merged payload", ErrInvalidStrategy)
	}

	// Claiming removes the conflict from the open list, so a concurrent or
	// duplicate resolve sees ErrNotFound instead of applying twice.
	conflict, ok := r.reg.TakeConflict(tenantID, conflictID)
	if !ok {
		logger.Log.Info("Conflict already resolved or unknown, treating as no-op",
			zap.String("tenantID", tenantID),
			zap.String("conflictID", conflictID),
		)
		return nil, ErrNotFound
	}

	resolution := &Resolution{
		ConflictID: conflictID,
		Strategy:   strategy,
		ResolvedBy: userID,
	}

	switch strategy {
	case StrategyAcceptServer:
		// Discard the local value; no write. Prefer the freshest stored
		// snapshot over the one captured at detection time.
		value := conflict.ServerValue
		if rec, err := r.store.GetStockVersion(ctx, conflict.ResourceID, conflict.LocationID); err == nil {
			v := rec.Version
			value = StockSnapshot{
				ProductID:  rec.ProductID,
				LocationID: rec.LocationID,
				Quantity:   rec.Quantity,
				Version:    &v,
			}
		}
		resolution.Value = value

	case StrategyAcceptLocal, StrategyMerge:
		quantity := conflict.LocalValue.Quantity
		if strategy == StrategyMerge {
			quantity = merged.NewQuantity
		}

		current := r.currentVersion(ctx, conflict)
		applied, err := r.processor.Apply(ctx, tenantID, userID, conflict.ResourceID, conflict.LocationID, quantity, current, nil)
		if err != nil {
			r.reg.RestoreConflict(conflict)
			return nil, fmt.Errorf("failed to apply resolution: %w", err)
		}
		resolution.Applied = true
		resolution.Value = StockSnapshot{
			ProductID:  conflict.ResourceID,
			LocationID: conflict.LocationID,
			Quantity:   quantity,
			Version:    &applied.NewVersion,
		}
	}

	r.audit.Log(ctx, audit.Event{
		Action:   "conflict.resolve",
		TenantID: tenantID,
		UserID:   userID,
		Resource: conflict.ResourceID,
		Detail:   fmt.Sprintf("conflict=%s strategy=%s", conflictID, strategy),
		At:       time.Now(),
	})

	return resolution, nil
}

// currentVersion fetches the stored version right before the resolution
// write so the write carries the now-current token.
func (r *Resolver) currentVersion(ctx context.Context, conflict *Conflict) *int64 {
	rec, err := r.store.GetStockVersion(ctx, conflict.ResourceID, conflict.LocationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Log.Warn("Failed to read current version for resolution",
				zap.String("productID", conflict.ResourceID),
				zap.Error(err),
			)
		}
		return nil
	}
	v := rec.Version
	return &v
}
