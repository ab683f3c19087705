package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opside/reconciler/internal/core"
)

// InventoryStore persists the tenant's locally-held ground truth.
type InventoryStore struct {
	db *sqlx.DB
}

func NewInventoryStore(db *sqlx.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

type inventoryRow struct {
	TenantID          string    `db:"tenant_id"`
	SKU               string    `db:"sku"`
	QuantityAvailable int       `db:"quantity_available"`
	QuantityReserved  int       `db:"quantity_reserved"`
	ReorderPoint      int       `db:"reorder_point"`
	UnitPrice         float64   `db:"unit_price"`
	ASIN              string    `db:"asin"`
	MarketplaceID     string    `db:"marketplace_id"`
	IsActive          bool      `db:"is_active"`
	LastSynced        time.Time `db:"last_synced"`
	Metadata          []byte    `db:"metadata"`
}

func (r inventoryRow) toDomain() core.InventoryItem {
	metadata := map[string]string{}
	if len(r.Metadata) > 0 {
		// a malformed metadata blob degrades to empty, the item itself
		// is still usable
		_ = json.Unmarshal(r.Metadata, &metadata)
	}
	return core.InventoryItem{
		TenantID:          r.TenantID,
		SKU:               r.SKU,
		QuantityAvailable: r.QuantityAvailable,
		QuantityReserved:  r.QuantityReserved,
		ReorderPoint:      r.ReorderPoint,
		UnitPrice:         r.UnitPrice,
		ASIN:              r.ASIN,
		MarketplaceID:     r.MarketplaceID,
		IsActive:          r.IsActive,
		LastSynced:        r.LastSynced,
		Metadata:          metadata,
	}
}

const inventoryColumns = `tenant_id, sku, quantity_available, quantity_reserved, reorder_point,
	unit_price, asin, marketplace_id, is_active, last_synced, metadata`

func (s *InventoryStore) ListByTenant(ctx context.Context, tenantID string) ([]core.InventoryItem, error) {
	var rows []inventoryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+inventoryColumns+` FROM inventory_items WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list inventory: %w", err)
	}
	items := make([]core.InventoryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

func (s *InventoryStore) GetBySKU(ctx context.Context, tenantID, sku string) (*core.InventoryItem, error) {
	var row inventoryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+inventoryColumns+` FROM inventory_items WHERE tenant_id = $1 AND sku = $2`,
		tenantID, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get inventory item: %w", err)
	}
	item := row.toDomain()
	return &item, nil
}

func (s *InventoryStore) Upsert(ctx context.Context, item *core.InventoryItem) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal inventory metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inventory_items (`+inventoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id, sku) DO UPDATE SET
		   quantity_available = EXCLUDED.quantity_available,
		   quantity_reserved = EXCLUDED.quantity_reserved,
		   reorder_point = EXCLUDED.reorder_point,
		   unit_price = EXCLUDED.unit_price,
		   asin = EXCLUDED.asin,
		   marketplace_id = EXCLUDED.marketplace_id,
		   is_active = EXCLUDED.is_active,
		   last_synced = EXCLUDED.last_synced,
		   metadata = EXCLUDED.metadata`,
		item.TenantID, item.SKU, item.QuantityAvailable, item.QuantityReserved, item.ReorderPoint,
		item.UnitPrice, item.ASIN, item.MarketplaceID, item.IsActive, item.LastSynced, metadata)
	if err != nil {
		return fmt.Errorf("postgres: upsert inventory item: %w", err)
	}
	return nil
}
