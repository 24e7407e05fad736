package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no stock record exists for the (product, location) pair.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict means the expected version did not match the stored
	// version at write time. Expected and recoverable, never fatal.
	ErrVersionConflict = errors.New("version conflict")
)

// StockStore is the durable store for versioned stock records. The version
// returned by WriteStock must be strictly greater than any version previously
// returned for the same (productID, locationID).
type StockStore interface {
	// GetStockVersion fetches the current record, or ErrNotFound.
	GetStockVersion(ctx context.Context, productID, locationID string) (*StockRecord, error)

	// WriteStock writes quantity and stamps a fresh version. If
	// expectedVersion is non-nil the write is conditional and fails with
	// ErrVersionConflict when the stored version differs. A nil
	// expectedVersion is an unconditional write (first write, or a legacy
	// unversioned caller).
	WriteStock(ctx context.Context, productID, locationID string, quantity int64, expectedVersion *int64) (int64, error)

	// RecordMovement persists a movement record for an accepted write.
	RecordMovement(ctx context.Context, m *Movement) error
}

// AccessChecker verifies tenant membership before a connection is admitted.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, tenantID string) (bool, error)
}

// TenantResolver maps a location to its owning tenant. Used by the binlog
// change feed to route out-of-band stock changes to the right tenant room.
type TenantResolver interface {
	TenantForLocation(ctx context.Context, locationID string) (string, error)
}
