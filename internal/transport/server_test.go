package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/billing"
	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/connectors"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/orchestrator"
	"github.com/opside/reconciler/internal/progress"
	"github.com/opside/reconciler/internal/reconcile"
	"github.com/opside/reconciler/internal/store/memory"
)

type stubConnector struct {
	name    string
	err     error
	lastRun time.Time
}

func (s *stubConnector) Name() string      { return s.name }
func (s *stubConnector) IsEnabled() bool   { return true }
func (s *stubConnector) Health() connectors.Health {
	return connectors.Health{LastRunAt: s.lastRun, LastError: s.err}
}
func (s *stubConnector) CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error) {
	return nil, s.err
}

func newTestServer(t *testing.T, registry *connectors.Registry) (*Server, *httptest.Server) {
	t.Helper()

	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := orchestrator.New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{})

	server := NewServer(orch, bus, registry, nil, NewMetrics(), slog.Default())
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func TestStartAndPollJob(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&stubConnector{name: "orders"})
	_, ts := newTestServer(t, registry)

	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"kind":"full"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	jobID := started["job_id"]
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var job jobResponse
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			return false
		}
		return job.State == string(core.JobCompleted)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartJobRejectsUnknownKind(t *testing.T) {
	_, ts := newTestServer(t, connectors.NewRegistry())

	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"kind":"bogus"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, connectors.NewRegistry())

	resp, err := http.Get(ts.URL + "/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, connectors.NewRegistry())

	resp, err := http.Post(ts.URL+"/jobs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthRollup(t *testing.T) {
	registry := connectors.NewRegistry()
	registry.Register(&stubConnector{name: "orders", lastRun: time.Now()})
	registry.Register(&stubConnector{name: "returns", err: assert.AnError, lastRun: time.Now()})
	_, ts := newTestServer(t, registry)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string            `json:"status"`
		Connectors []connectorHealth `json:"connectors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	require.Len(t, body.Connectors, 2)
	assert.True(t, body.Connectors[0].Healthy)
	assert.False(t, body.Connectors[1].Healthy)
	assert.NotEmpty(t, body.Connectors[1].LastError)
}

type fakeBillingPort struct {
	charges int
}

func (f *fakeBillingPort) GetOrCreateStripeCustomerID(ctx context.Context, tenantID, email string) (string, error) {
	return "cus_" + tenantID, nil
}

func (f *fakeBillingPort) ChargeCommission(ctx context.Context, req billing.ChargeCommissionRequest) (billing.ChargeCommissionResult, error) {
	f.charges++
	return billing.ChargeCommissionResult{StripeTransactionID: "txn_9"}, nil
}

func TestClaimPaidChargesCommission(t *testing.T) {
	registry := connectors.NewRegistry()
	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := orchestrator.New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{})

	claimStore := memory.NewClaimStore()
	require.NoError(t, claimStore.Save(context.Background(), &core.ClaimCandidate{
		ClaimID: "claim-1", TenantID: "tenant-1", SKU: "SKU-A", Status: core.ClaimSubmitted,
	}))

	port := &fakeBillingPort{}
	server := NewServer(orch, bus, registry, nil, NewMetrics(), slog.Default()).
		WithPayouts(claimStore, billing.NewLedger(port), nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/claims/claim-1/paid", "application/json",
		strings.NewReader(`{"amount_recovered_cents":10000,"currency":"usd"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(2000), body["platform_fee_cents"])
	assert.Equal(t, float64(8000), body["seller_payout_cents"])
	assert.Equal(t, 1, port.charges)

	claim, err := claimStore.Get(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, core.ClaimApproved, claim.Status)
}

func TestClaimPaidUnknownClaim(t *testing.T) {
	registry := connectors.NewRegistry()
	discrepancies := memory.NewDiscrepancyStore()
	engine := reconcile.New(memory.NewInventoryStore(), discrepancies, memory.NewRuleStore())
	bus := progress.NewBus()
	orch := orchestrator.New(registry, engine, nil, nil, memory.NewSyncLogStore(), discrepancies, bus, nil, config.OrchestratorConfig{})

	server := NewServer(orch, bus, registry, nil, NewMetrics(), slog.Default()).
		WithPayouts(memory.NewClaimStore(), billing.NewLedger(&fakeBillingPort{}), nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/claims/nope/paid", "application/json",
		strings.NewReader(`{"amount_recovered_cents":100}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, connectors.NewRegistry())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
