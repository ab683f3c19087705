// Package claims implements the Claim Integration Layer: batched
// submission to the Claim Detector, proof assembly, MCDE document
// generation, classification, risk assessment, persistence, and
// notification/Refund Engine fan-out.
package claims

import (
	"context"
	"time"

	"github.com/opside/reconciler/internal/core"
)

// InventoryContext is the enrichment data attached to a discrepancy
// before valuation: current quantities, reorder point, pricing, and
// marketplace identifiers.
type InventoryContext struct {
	QuantityAvailable int
	QuantityReserved  int
	ReorderPoint      int
	SellingPrice      float64
	CostPrice         float64
	ASIN              string
	MarketplaceID     string
	RecentSyncLogs    []core.SyncLog
}

// InventoryContextStore resolves InventoryContext for a sku.
type InventoryContextStore interface {
	ContextFor(ctx context.Context, tenantID, sku string) (InventoryContext, error)
}

// HistoricalClaimsStore returns the last N claims for a sku, most-recent
// first.
type HistoricalClaimsStore interface {
	RecentForSKU(ctx context.Context, tenantID, sku string, limit int) ([]core.ClaimCandidate, error)
}

// ClaimDetectorRequest is the POST body to /evidence/claims/calculate.
type ClaimDetectorRequest struct {
	Discrepancy      core.StandardizedDiscrepancy `json:"discrepancy_data"`
	InventoryContext InventoryContext             `json:"inventory_context"`
	HistoricalData   []core.ClaimCandidate        `json:"historical_data"`
}

// ClaimDetectorResponse is the Claim Detector's valuation result.
type ClaimDetectorResponse struct {
	ClaimID            string           `json:"claim_id"`
	Amount             float64          `json:"claim_amount"`
	Currency           string           `json:"currency"`
	Confidence         float64          `json:"confidence"`
	AmazonDefaultValue float64          `json:"amazon_default_value"`
	OpsideTrueValue    float64          `json:"opside_true_value"`
	NetGain            float64          `json:"net_gain"`
	Proof              []core.ProofItem `json:"proof"`
}

// ClaimDetectorPort values a discrepancy into a monetary claim.
type ClaimDetectorPort interface {
	Calculate(ctx context.Context, req ClaimDetectorRequest) (ClaimDetectorResponse, error)
}

// MCDERequest is the POST body to /generate-document.
type MCDERequest struct {
	ClaimID      string  `json:"claim_id"`
	CostEstimate float64 `json:"cost_estimate"`
	DocumentType string  `json:"document_type"`
}

// MCDEPort generates a supporting proof document for a claim. Optional:
// callers degrade gracefully (DependencyUnavailable) when unconfigured or
// unreachable.
type MCDEPort interface {
	GenerateDocument(ctx context.Context, req MCDERequest) (documentURL string, err error)
}

// RefundEngineRequest is the POST body to /api/v1/claims.
type RefundEngineRequest struct {
	CaseNumber           string  `json:"case_number"`
	ClaimAmount          float64 `json:"claim_amount"`
	CustomerHistoryScore float64 `json:"customer_history_score"`
	ProductCategory      string  `json:"product_category"`
	DaysSincePurchase    int     `json:"days_since_purchase"`
	ClaimDescription     string  `json:"claim_description"`
}

// RefundEnginePort submits a validated claim for refund processing.
// Optional: auto-submission is gated by config and the port being
// configured at all.
type RefundEnginePort interface {
	SubmitClaim(ctx context.Context, tenantID string, req RefundEngineRequest) error
}

// Store is the persistence port for ClaimCandidates, also serving as the
// in-process cache by claimId.
type Store interface {
	Save(ctx context.Context, claim *core.ClaimCandidate) error
	Get(ctx context.Context, claimID string) (*core.ClaimCandidate, error)
}

// Config bounds the pipeline's batching, filtering, and auto-submission
// behaviour — mirrors config.ClaimDetectorConfig, kept as its own small
// struct so this package doesn't import internal/config.
type Config struct {
	ConfidenceThreshold float64
	BatchSize           int
	MaxBatchesInFlight  int
	AutoSubmission      bool
}

// Input is one sync run's hand-off to the Claim Integration Layer.
type Input struct {
	TenantID      string
	SyncJobID     string
	Discrepancies []core.Discrepancy
}

// timeNow is overridable in tests.
var timeNow = time.Now
