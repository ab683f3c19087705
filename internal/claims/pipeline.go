package claims

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/notify"
	"github.com/opside/reconciler/internal/proof"
)

// Pipeline is the Claim Integration Layer.
type Pipeline struct {
	cfg           Config
	detector      ClaimDetectorPort
	mcde          MCDEPort // nil when unconfigured
	refundEngine  RefundEnginePort // nil when unconfigured
	store         Store
	inventoryCtx  InventoryContextStore
	history       HistoricalClaimsStore
	notifications *notify.Dispatcher
}

// NewPipeline constructs a Pipeline. mcde and refundEngine may be nil:
// both are optional downstream dependencies.
func NewPipeline(cfg Config, detector ClaimDetectorPort, mcde MCDEPort, refundEngine RefundEnginePort, store Store, inventoryCtx InventoryContextStore, history HistoricalClaimsStore, notifications *notify.Dispatcher) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxBatchesInFlight <= 0 {
		cfg.MaxBatchesInFlight = 4
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	return &Pipeline{
		cfg: cfg, detector: detector, mcde: mcde, refundEngine: refundEngine,
		store: store, inventoryCtx: inventoryCtx, history: history, notifications: notifications,
	}
}

// notify emits a notification event if a dispatcher is configured; a nil
// dispatcher (e.g. in tests) is a silent no-op, consistent with
// notifications being best-effort and never failing the claim.
func (p *Pipeline) notify(ev notify.Event) {
	if p.notifications != nil {
		p.notifications.Emit(ev)
	}
}

// Result is the outcome of one Process call.
type Result struct {
	Claims []core.ClaimCandidate
	// Errors holds per-discrepancy processing errors; a batch-level
	// failure never aborts the enclosing sync.
	Errors []error
}

// Process runs the full pipeline (filter, batch, enrich, value, proof,
// classify, risk, persist, fan-out) over in.Discrepancies, batching
// concurrently up to MaxBatchesInFlight with each batch processed
// sequentially internally.
func (p *Pipeline) Process(ctx context.Context, in Input) Result {
	filtered := p.filter(in.Discrepancies)
	batches := p.chunk(filtered)

	sem := make(chan struct{}, p.cfg.MaxBatchesInFlight)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result Result

	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			claims, errs := p.processBatch(ctx, in.TenantID, in.SyncJobID, batch)

			mu.Lock()
			result.Claims = append(result.Claims, claims...)
			result.Errors = append(result.Errors, errs...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return result
}

// filter keeps only discrepancies at or above ConfidenceThreshold.
func (p *Pipeline) filter(discs []core.Discrepancy) []core.Discrepancy {
	out := make([]core.Discrepancy, 0, len(discs))
	for _, d := range discs {
		if d.Confidence >= p.cfg.ConfidenceThreshold {
			out = append(out, d)
		}
	}
	return out
}

// chunk splits discs into BatchSize-sized slices.
func (p *Pipeline) chunk(discs []core.Discrepancy) [][]core.Discrepancy {
	if len(discs) == 0 {
		return nil
	}
	var batches [][]core.Discrepancy
	for i := 0; i < len(discs); i += p.cfg.BatchSize {
		end := i + p.cfg.BatchSize
		if end > len(discs) {
			end = len(discs)
		}
		batches = append(batches, discs[i:end])
	}
	return batches
}

// processBatch runs one batch sequentially: every discrepancy yields at
// most one ClaimCandidate per sync.
func (p *Pipeline) processBatch(ctx context.Context, tenantID, syncJobID string, batch []core.Discrepancy) ([]core.ClaimCandidate, []error) {
	var claims []core.ClaimCandidate
	var errs []error

	for i := range batch {
		d := &batch[i]
		claim, err := p.processOne(ctx, tenantID, syncJobID, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("claims: sku %s: %w", d.SKU, err))
			continue
		}
		claims = append(claims, claim)
	}
	return claims, errs
}

func (p *Pipeline) processOne(ctx context.Context, tenantID, syncJobID string, d *core.Discrepancy) (core.ClaimCandidate, error) {
	invCtx, err := p.inventoryCtx.ContextFor(ctx, tenantID, d.SKU)
	if err != nil {
		return core.ClaimCandidate{}, fmt.Errorf("enrich inventory context: %w", err)
	}
	historical, err := p.history.RecentForSKU(ctx, tenantID, d.SKU, 10)
	if err != nil {
		return core.ClaimCandidate{}, fmt.Errorf("enrich historical claims: %w", err)
	}

	standardized := core.StandardizedDiscrepancy{
		SKU:         d.SKU,
		Marketplace: invCtx.MarketplaceID,
		ProductID:   invCtx.ASIN,
		Currency:    "USD",
	}

	claim := p.valueClaim(ctx, standardized, invCtx, historical, d, tenantID, syncJobID)

	claim.Evidence = append(claim.Evidence, proof.ValueComparison(d.SourceSystem, d.SourceValue, d.TargetSystem, d.TargetValue))

	if p.mcde != nil {
		docURL, err := p.mcde.GenerateDocument(ctx, MCDERequest{ClaimID: claim.ClaimID, CostEstimate: claim.Amount, DocumentType: "cost_document"})
		if err != nil {
			claim.AuditTrail = append(claim.AuditTrail, fmt.Sprintf("mcde unavailable: %v", err))
		} else {
			claim.Evidence = append(claim.Evidence, proof.MCDEDocument(docURL))
			p.notify(notify.Event{Type: notify.EventProofGenerated, UserID: tenantID, Data: map[string]interface{}{"claim_id": claim.ClaimID}})
		}
	}

	claim.Kind = determineClaimType(d)
	risk, factors, mitigations := assessRisk(d)
	if claim.Status == core.ClaimPending {
		// Placeholder from a failed valuation keeps its high risk tier.
		risk = core.RiskHigh
	}
	claim.Risk = risk
	claim.RiskFactors = factors
	claim.Mitigations = mitigations
	claim.EstimatedPayoutAt = estimatedPayoutAt(timeNow(), d.Severity, d.Confidence)

	if err := p.store.Save(ctx, &claim); err != nil {
		return core.ClaimCandidate{}, fmt.Errorf("persist claim: %w", err)
	}

	p.notify(notify.Event{Type: notify.EventClaimDetected, UserID: tenantID, Data: map[string]interface{}{"claim_id": claim.ClaimID, "sku": claim.SKU, "amount": claim.Amount}})

	if p.cfg.AutoSubmission && p.refundEngine != nil {
		if err := p.submit(ctx, tenantID, &claim); err != nil {
			claim.AuditTrail = append(claim.AuditTrail, fmt.Sprintf("refund engine submission failed: %v", err))
		}
	}

	return claim, nil
}

// valueClaim posts to the Claim Detector; on failure it emits a
// placeholder claim (confidence=0, status=pending, risk=high) so nothing
// is silently dropped.
func (p *Pipeline) valueClaim(ctx context.Context, standardized core.StandardizedDiscrepancy, invCtx InventoryContext, historical []core.ClaimCandidate, d *core.Discrepancy, tenantID, syncJobID string) core.ClaimCandidate {
	resp, err := p.detector.Calculate(ctx, ClaimDetectorRequest{
		Discrepancy:      standardized,
		InventoryContext: invCtx,
		HistoricalData:   historical,
	})
	if err != nil {
		return core.ClaimCandidate{
			ClaimID:       uuid.NewString(),
			TenantID:      tenantID,
			DiscrepancyID: d.ID,
			SKU:           d.SKU,
			Amount:        0,
			Currency:      "USD",
			Confidence:    0,
			Status:        core.ClaimPending,
			Risk:          core.RiskHigh,
			AuditTrail:    []string{fmt.Sprintf("claim detector unavailable: %v", err)},
		}
	}

	claimID := resp.ClaimID
	if claimID == "" {
		claimID = uuid.NewString()
	}

	return core.ClaimCandidate{
		ClaimID:       claimID,
		TenantID:      tenantID,
		DiscrepancyID: d.ID,
		SKU:           d.SKU,
		Amount:        resp.Amount,
		Currency:      resp.Currency,
		Confidence:    resp.Confidence,
		Status:        core.ClaimValidated,
		Evidence:      append([]core.ProofItem{}, resp.Proof...),
		AuditTrail:    []string{fmt.Sprintf("valued via sync %s", syncJobID)},
	}
}

// submit posts the claim to the Refund Engine.
func (p *Pipeline) submit(ctx context.Context, tenantID string, claim *core.ClaimCandidate) error {
	req := RefundEngineRequest{
		CaseNumber:           claim.ClaimID,
		ClaimAmount:          claim.Amount,
		CustomerHistoryScore: claim.Confidence,
		ProductCategory:      "general",
		DaysSincePurchase:    0,
		ClaimDescription:     fmt.Sprintf("%s discrepancy for sku %s", claim.Kind, claim.SKU),
	}
	if err := p.refundEngine.SubmitClaim(ctx, tenantID, req); err != nil {
		return err
	}
	claim.Status = core.ClaimSubmitted
	p.notify(notify.Event{Type: notify.EventClaimSubmitted, UserID: tenantID, Data: map[string]interface{}{"claim_id": claim.ClaimID}})
	return nil
}
