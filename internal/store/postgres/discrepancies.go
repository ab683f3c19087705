package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opside/reconciler/internal/core"
)

// DiscrepancyStore persists scored discrepancies. The table's unique
// constraint on (tenant_id, sku, kind, created_at) deduplicates repeat
// emissions within one run; Create treats that conflict as a no-op.
type DiscrepancyStore struct {
	db *sqlx.DB
}

func NewDiscrepancyStore(db *sqlx.DB) *DiscrepancyStore {
	return &DiscrepancyStore{db: db}
}

func (s *DiscrepancyStore) Create(ctx context.Context, d *core.Discrepancy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discrepancies (id, tenant_id, sku, kind, source_system, source_value,
		   target_system, target_value, severity, confidence, impact_score, suggested_action, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (tenant_id, sku, kind, created_at) DO NOTHING`,
		d.ID, d.TenantID, d.SKU, string(d.Kind), d.SourceSystem, d.SourceValue,
		d.TargetSystem, d.TargetValue, string(d.Severity), d.Confidence, d.ImpactScore,
		string(d.SuggestedAction), string(d.Status), d.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return nil
		}
		return fmt.Errorf("postgres: insert discrepancy: %w", err)
	}
	return nil
}

func (s *DiscrepancyStore) HasPriorDiscrepancy(ctx context.Context, tenantID, sku string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM discrepancies WHERE tenant_id = $1 AND sku = $2)`,
		tenantID, sku)
	if err != nil {
		return false, fmt.Errorf("postgres: prior discrepancy lookup: %w", err)
	}
	return exists, nil
}

func (s *DiscrepancyStore) Resolve(ctx context.Context, discrepancyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discrepancies SET status = $1 WHERE id = $2`,
		string(core.DiscrepancyResolved), discrepancyID)
	if err != nil {
		return fmt.Errorf("postgres: resolve discrepancy: %w", err)
	}
	return nil
}

// CountByStatus reports the tenant's discrepancy counts per status, for
// the discrepancy_only sync kind.
func (s *DiscrepancyStore) CountByStatus(ctx context.Context, tenantID string) (map[core.DiscrepancyStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM discrepancies WHERE tenant_id = $1 GROUP BY status`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: count discrepancies: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.DiscrepancyStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan discrepancy count: %w", err)
		}
		counts[core.DiscrepancyStatus(status)] = count
	}
	return counts, rows.Err()
}
