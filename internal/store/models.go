package store

import (
	"time"
)

// StockRecord is the durable quantity + last-write version for one
// (product, location) pair. Version is the optimistic concurrency anchor:
// a write is accepted only when the caller's claimed version matches.
type StockRecord struct {
	ProductID  string    `db:"product_id"`
	LocationID string    `db:"location_id"`
	Quantity   int64     `db:"quantity"`
	Version    int64     `db:"version"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Movement is the audit-grade record of one accepted stock write.
type Movement struct {
	ID          string    `db:"id"`
	ProductID   string    `db:"product_id"`
	LocationID  string    `db:"location_id"`
	Delta       int64     `db:"delta"`
	PreviousQty int64     `db:"previous_qty"`
	NewQty      int64     `db:"new_qty"`
	PerformedBy string    `db:"performed_by"`
	CreatedAt   time.Time `db:"created_at"`
}
