package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opside/reconciler/internal/claims"
	"github.com/opside/reconciler/internal/core"
)

// ClaimStore persists claim candidates and serves the historical-claims
// enrichment lookup.
type ClaimStore struct {
	db *sqlx.DB
}

func NewClaimStore(db *sqlx.DB) *ClaimStore {
	return &ClaimStore{db: db}
}

type claimRow struct {
	ClaimID           string    `db:"claim_id"`
	TenantID          string    `db:"tenant_id"`
	DiscrepancyID     string    `db:"discrepancy_id"`
	SKU               string    `db:"sku"`
	Kind              string    `db:"kind"`
	Amount            float64   `db:"amount"`
	Currency          string    `db:"currency"`
	Confidence        float64   `db:"confidence"`
	Status            string    `db:"status"`
	EstimatedPayoutAt time.Time `db:"estimated_payout_at"`
	Risk              string    `db:"risk"`
	RiskFactors       []byte    `db:"risk_factors"`
	Mitigations       []byte    `db:"mitigations"`
	Evidence          []byte    `db:"evidence"`
	AuditTrail        []byte    `db:"audit_trail"`
}

func (r claimRow) toDomain() (*core.ClaimCandidate, error) {
	c := &core.ClaimCandidate{
		ClaimID:           r.ClaimID,
		TenantID:          r.TenantID,
		DiscrepancyID:     r.DiscrepancyID,
		SKU:               r.SKU,
		Kind:              core.ClaimKind(r.Kind),
		Amount:            r.Amount,
		Currency:          r.Currency,
		Confidence:        r.Confidence,
		Status:            core.ClaimStatus(r.Status),
		EstimatedPayoutAt: r.EstimatedPayoutAt,
		Risk:              core.Risk(r.Risk),
	}
	if err := unmarshalBlob(r.RiskFactors, &c.RiskFactors); err != nil {
		return nil, fmt.Errorf("postgres: claim %s risk factors: %w", r.ClaimID, err)
	}
	if err := unmarshalBlob(r.Mitigations, &c.Mitigations); err != nil {
		return nil, fmt.Errorf("postgres: claim %s mitigations: %w", r.ClaimID, err)
	}
	if err := unmarshalBlob(r.Evidence, &c.Evidence); err != nil {
		return nil, fmt.Errorf("postgres: claim %s evidence: %w", r.ClaimID, err)
	}
	if err := unmarshalBlob(r.AuditTrail, &c.AuditTrail); err != nil {
		return nil, fmt.Errorf("postgres: claim %s audit trail: %w", r.ClaimID, err)
	}
	return c, nil
}

func unmarshalBlob(blob []byte, target interface{}) error {
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, target)
}

const claimColumns = `claim_id, tenant_id, discrepancy_id, sku, kind, amount, currency,
	confidence, status, estimated_payout_at, risk, risk_factors, mitigations, evidence, audit_trail`

func (s *ClaimStore) Save(ctx context.Context, claim *core.ClaimCandidate) error {
	riskFactors, err := json.Marshal(claim.RiskFactors)
	if err != nil {
		return fmt.Errorf("postgres: marshal risk factors: %w", err)
	}
	mitigations, err := json.Marshal(claim.Mitigations)
	if err != nil {
		return fmt.Errorf("postgres: marshal mitigations: %w", err)
	}
	evidence, err := json.Marshal(claim.Evidence)
	if err != nil {
		return fmt.Errorf("postgres: marshal evidence: %w", err)
	}
	auditTrail, err := json.Marshal(claim.AuditTrail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit trail: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claim_candidates (`+claimColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (claim_id) DO UPDATE SET
		   amount = EXCLUDED.amount,
		   confidence = EXCLUDED.confidence,
		   status = EXCLUDED.status,
		   estimated_payout_at = EXCLUDED.estimated_payout_at,
		   risk = EXCLUDED.risk,
		   risk_factors = EXCLUDED.risk_factors,
		   mitigations = EXCLUDED.mitigations,
		   evidence = EXCLUDED.evidence,
		   audit_trail = EXCLUDED.audit_trail`,
		claim.ClaimID, claim.TenantID, claim.DiscrepancyID, claim.SKU, string(claim.Kind),
		claim.Amount, claim.Currency, claim.Confidence, string(claim.Status),
		claim.EstimatedPayoutAt, string(claim.Risk), riskFactors, mitigations, evidence, auditTrail)
	if err != nil {
		return fmt.Errorf("postgres: save claim: %w", err)
	}
	return nil
}

func (s *ClaimStore) Get(ctx context.Context, claimID string) (*core.ClaimCandidate, error) {
	var row claimRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+claimColumns+` FROM claim_candidates WHERE claim_id = $1`, claimID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get claim: %w", err)
	}
	return row.toDomain()
}

// RecentForSKU returns the sku's last limit claims, most-recent first.
func (s *ClaimStore) RecentForSKU(ctx context.Context, tenantID, sku string, limit int) ([]core.ClaimCandidate, error) {
	var rows []claimRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+claimColumns+` FROM claim_candidates
		 WHERE tenant_id = $1 AND sku = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		tenantID, sku, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent claims: %w", err)
	}
	out := make([]core.ClaimCandidate, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

// InventoryContextStore assembles the claim-enrichment context from the
// inventory and sync-log tables.
type InventoryContextStore struct {
	inventory *InventoryStore
	syncLogs  *SyncLogStore
}

func NewInventoryContextStore(inventory *InventoryStore, syncLogs *SyncLogStore) *InventoryContextStore {
	return &InventoryContextStore{inventory: inventory, syncLogs: syncLogs}
}

func (s *InventoryContextStore) ContextFor(ctx context.Context, tenantID, sku string) (claims.InventoryContext, error) {
	item, err := s.inventory.GetBySKU(ctx, tenantID, sku)
	if err != nil {
		return claims.InventoryContext{}, err
	}
	if item == nil {
		return claims.InventoryContext{}, nil
	}

	invCtx := claims.InventoryContext{
		QuantityAvailable: item.QuantityAvailable,
		QuantityReserved:  item.QuantityReserved,
		ReorderPoint:      item.ReorderPoint,
		SellingPrice:      item.UnitPrice,
		CostPrice:         item.UnitPrice,
		ASIN:              item.ASIN,
		MarketplaceID:     item.MarketplaceID,
	}
	if log, err := s.syncLogs.LatestCompleted(ctx, tenantID, "marketplace"); err == nil && log != nil {
		invCtx.RecentSyncLogs = []core.SyncLog{*log}
	}
	return invCtx, nil
}
