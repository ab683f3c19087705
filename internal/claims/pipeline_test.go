package claims

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/notify"
)

type fakeInventoryCtx struct {
	ctx InventoryContext
	err error
}

func (f *fakeInventoryCtx) ContextFor(ctx context.Context, tenantID, sku string) (InventoryContext, error) {
	return f.ctx, f.err
}

type fakeHistory struct{}

func (f *fakeHistory) RecentForSKU(ctx context.Context, tenantID, sku string, limit int) ([]core.ClaimCandidate, error) {
	return nil, nil
}

type fakeDetector struct {
	resp ClaimDetectorResponse
	err  error
}

func (f *fakeDetector) Calculate(ctx context.Context, req ClaimDetectorRequest) (ClaimDetectorResponse, error) {
	return f.resp, f.err
}

type fakeMCDE struct {
	url string
	err error
}

func (f *fakeMCDE) GenerateDocument(ctx context.Context, req MCDERequest) (string, error) {
	return f.url, f.err
}

type fakeRefundEngine struct {
	called bool
	err    error
}

func (f *fakeRefundEngine) SubmitClaim(ctx context.Context, tenantID string, req RefundEngineRequest) error {
	f.called = true
	return f.err
}

type fakeNotifyPort struct {
	events []notify.Event
}

func (f *fakeNotifyPort) ProcessEvent(ctx context.Context, event notify.Event) error {
	f.events = append(f.events, event)
	return nil
}

func baseConfig() Config {
	return Config{ConfidenceThreshold: 0.5, BatchSize: 10, MaxBatchesInFlight: 2}
}

func baseDiscrepancy() core.Discrepancy {
	return core.Discrepancy{
		ID:           "disc-1",
		TenantID:     "tenant-1",
		SKU:          "SKU-1",
		Kind:         core.KindQuantity,
		SourceSystem: "marketplace",
		SourceValue:  "5",
		TargetSystem: "internal",
		TargetValue:  "40",
		Severity:     core.SeverityHigh,
		Confidence:   0.9,
	}
}

func TestPipeline_HappyPath_ValuesPersistsAndNotifies(t *testing.T) {
	detector := &fakeDetector{resp: ClaimDetectorResponse{
		ClaimID: "claim-123", Amount: 420.50, Currency: "USD", Confidence: 0.88,
	}}
	mcde := &fakeMCDE{url: "https://docs.example.com/mcde/claim-123.pdf"}
	refund := &fakeRefundEngine{}
	store := NewMemoryStore()
	port := &fakeNotifyPort{}
	dispatcher := notify.NewDispatcher(port, 2)
	defer dispatcher.Shutdown()

	cfg := baseConfig()
	cfg.AutoSubmission = true

	p := NewPipeline(cfg, detector, mcde, refund, store, &fakeInventoryCtx{ctx: InventoryContext{ASIN: "B000TEST", MarketplaceID: "ATVPDKIKX0DER"}}, &fakeHistory{}, dispatcher)

	result := p.Process(context.Background(), Input{
		TenantID:      "tenant-1",
		SyncJobID:     "sync-1",
		Discrepancies: []core.Discrepancy{baseDiscrepancy()},
	})

	require.Empty(t, result.Errors)
	require.Len(t, result.Claims, 1)

	claim := result.Claims[0]
	require.Equal(t, "claim-123", claim.ClaimID)
	require.Equal(t, core.ClaimMissingUnits, claim.Kind) // source(5) < target(40)
	require.Equal(t, core.ClaimSubmitted, claim.Status)
	require.True(t, refund.called)
	require.Len(t, claim.Evidence, 2) // value_comparison + mcde_document
	require.Equal(t, 1, store.Len())

	require.Eventually(t, func() bool {
		return len(port.events) >= 3
	}, time.Second, 10*time.Millisecond)
}

func TestPipeline_DetectorFailure_EmitsPlaceholderClaim(t *testing.T) {
	detector := &fakeDetector{err: errors.New("upstream unavailable")}
	store := NewMemoryStore()

	p := NewPipeline(baseConfig(), detector, nil, nil, store, &fakeInventoryCtx{ctx: InventoryContext{}}, &fakeHistory{}, nil)

	result := p.Process(context.Background(), Input{
		TenantID:      "tenant-1",
		SyncJobID:     "sync-1",
		Discrepancies: []core.Discrepancy{baseDiscrepancy()},
	})

	require.Empty(t, result.Errors)
	require.Len(t, result.Claims, 1)

	claim := result.Claims[0]
	require.Equal(t, core.ClaimPending, claim.Status)
	require.Equal(t, core.RiskHigh, claim.Risk)
	require.Equal(t, float64(0), claim.Confidence)
	require.NotEmpty(t, claim.ClaimID)
	require.Contains(t, claim.AuditTrail[0], "claim detector unavailable")
	require.Equal(t, 1, store.Len())
}

func TestPipeline_MCDEUnavailable_DegradesGracefully(t *testing.T) {
	detector := &fakeDetector{resp: ClaimDetectorResponse{ClaimID: "claim-5", Amount: 100, Currency: "USD", Confidence: 0.95}}
	mcde := &fakeMCDE{err: &core.DependencyUnavailable{Dependency: "mcde", Err: errors.New("503")}}
	store := NewMemoryStore()
	port := &fakeNotifyPort{}
	dispatcher := notify.NewDispatcher(port, 2)
	defer dispatcher.Shutdown()

	p := NewPipeline(baseConfig(), detector, mcde, nil, store, &fakeInventoryCtx{ctx: InventoryContext{}}, &fakeHistory{}, dispatcher)

	result := p.Process(context.Background(), Input{
		TenantID:      "tenant-1",
		SyncJobID:     "sync-1",
		Discrepancies: []core.Discrepancy{baseDiscrepancy()},
	})

	require.Len(t, result.Claims, 1)
	claim := result.Claims[0]
	require.Len(t, claim.Evidence, 1) // value_comparison only, no mcde_document
	// [0] is the valuation entry
	require.Contains(t, claim.AuditTrail[1], "mcde unavailable")

	require.Eventually(t, func() bool {
		return len(port.events) >= 1
	}, time.Second, 10*time.Millisecond)

	for _, ev := range port.events {
		require.NotEqual(t, notify.EventProofGenerated, ev.Type)
	}
}

func TestPipeline_NilDispatcherAndNilOptionalPorts_IsSafe(t *testing.T) {
	detector := &fakeDetector{resp: ClaimDetectorResponse{ClaimID: "claim-9", Amount: 50, Currency: "USD", Confidence: 0.99}}
	store := NewMemoryStore()

	cfg := baseConfig()
	cfg.AutoSubmission = true // refundEngine is nil: must not panic or submit

	p := NewPipeline(cfg, detector, nil, nil, store, &fakeInventoryCtx{ctx: InventoryContext{}}, &fakeHistory{}, nil)

	require.NotPanics(t, func() {
		result := p.Process(context.Background(), Input{
			TenantID:      "tenant-1",
			SyncJobID:     "sync-1",
			Discrepancies: []core.Discrepancy{baseDiscrepancy()},
		})
		require.Len(t, result.Claims, 1)
		require.Equal(t, core.ClaimValidated, result.Claims[0].Status)
	})
}

func TestPipeline_FilterByConfidenceThreshold(t *testing.T) {
	detector := &fakeDetector{resp: ClaimDetectorResponse{ClaimID: "claim-low", Amount: 1, Currency: "USD"}}
	store := NewMemoryStore()

	cfg := baseConfig()
	cfg.ConfidenceThreshold = 0.8

	p := NewPipeline(cfg, detector, nil, nil, store, &fakeInventoryCtx{ctx: InventoryContext{}}, &fakeHistory{}, nil)

	lowConfidence := baseDiscrepancy()
	lowConfidence.ID = "disc-low"
	lowConfidence.Confidence = 0.3

	result := p.Process(context.Background(), Input{
		TenantID:      "tenant-1",
		SyncJobID:     "sync-1",
		Discrepancies: []core.Discrepancy{lowConfidence},
	})

	require.Empty(t, result.Claims)
	require.Equal(t, 0, store.Len())
}

func TestPipeline_BatchesAcrossMultipleDiscrepancies(t *testing.T) {
	detector := &fakeDetector{resp: ClaimDetectorResponse{ClaimID: "", Amount: 10, Currency: "USD", Confidence: 0.9}}
	store := NewMemoryStore()

	cfg := baseConfig()
	cfg.BatchSize = 2
	cfg.MaxBatchesInFlight = 3

	p := NewPipeline(cfg, detector, nil, nil, store, &fakeInventoryCtx{ctx: InventoryContext{}}, &fakeHistory{}, nil)

	var discs []core.Discrepancy
	for i := 0; i < 5; i++ {
		d := baseDiscrepancy()
		d.ID = "disc-" + string(rune('a'+i))
		d.SKU = "SKU-" + string(rune('a'+i))
		discs = append(discs, d)
	}

	result := p.Process(context.Background(), Input{TenantID: "tenant-1", SyncJobID: "sync-1", Discrepancies: discs})

	require.Len(t, result.Claims, 5)
	require.Equal(t, 5, store.Len())
}
