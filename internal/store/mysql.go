package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sammyZi/smart-inventory-sync/internal/database"
)

// MySQLStore implements StockStore, AccessChecker and TenantResolver against
// the shared MySQL schema:
//
//	stock_levels(product_id, location_id, quantity, version, updated_at)
//	stock_movements(id, product_id, location_id, delta, previous_qty, new_qty, performed_by, created_at)
//	tenant_users(tenant_id, user_id)
//	locations(id, tenant_id)
type MySQLStore struct {
	db    *database.Database
	clock versionClock
}

func NewMySQLStore(db *database.Database) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) GetStockVersion(ctx context.Context, productID, locationID string) (*StockRecord, error) {
	query := `SELECT product_id, location_id, quantity, version, updated_at
			  FROM stock_levels WHERE product_id = ? AND location_id = ?`

	row := s.db.DB.QueryRowContext(ctx, query, productID, locationID)

	var rec StockRecord
	err := row.Scan(&rec.ProductID, &rec.LocationID, &rec.Quantity, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stock record: %w", err)
	}

	return &rec, nil
}

func (s *MySQLStore) WriteStock(ctx context.Context, productID, locationID string, quantity int64, expectedVersion *int64) (int64, error) {
	if quantity < 0 {
		return 0, fmt.Errorf("quantity must be non-negative, got %d", quantity)
	}

	version := s.clock.Next()

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if expectedVersion == nil {
			// Unconditional upsert: first write or legacy unversioned caller.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO stock_levels (product_id, location_id, quantity, version, updated_at)
				VALUES (?, ?, ?, ?, NOW())
				ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = VALUES(version), updated_at = NOW()`,
				productID, locationID, quantity, version)
			return err
		}

		// Compare-and-swap on the stored version.
		res, err := tx.ExecContext(ctx, `
			UPDATE stock_levels SET quantity = ?, version = ?, updated_at = NOW()
			WHERE product_id = ? AND location_id = ? AND version = ?`,
			quantity, version, productID, locationID, *expectedVersion)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("failed to write stock: %w", err)
	}

	return version, nil
}

func (s *MySQLStore) RecordMovement(ctx context.Context, m *Movement) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, location_id, delta, previous_qty, new_qty, performed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProductID, m.LocationID, m.Delta, m.PreviousQty, m.NewQty, m.PerformedBy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record movement: %w", err)
	}
	return nil
}

func (s *MySQLStore) HasAccess(ctx context.Context, userID, tenantID string) (bool, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_users WHERE user_id = ? AND tenant_id = ?`,
		userID, tenantID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tenant membership: %w", err)
	}
	return n > 0, nil
}

func (s *MySQLStore) TenantForLocation(ctx context.Context, locationID string) (string, error) {
	var tenantID string
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT tenant_id FROM locations WHERE id = ?`, locationID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve location tenant: %w", err)
	}
	return tenantID, nil
}
