package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/core"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestSyncLogStoreLatestCompleted(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncLogStore(db)

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)

	mock.ExpectQuery(`SELECT tenant_id, provider, source, started_at, completed_at, state, items_count`).
		WithArgs("tenant-1", "orders", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "provider", "source", "started_at", "completed_at", "state", "items_count"}).
			AddRow("tenant-1", "amazon-sp-api", "orders", started, completed, "completed", 42))

	log, err := store.LatestCompleted(context.Background(), "tenant-1", "orders")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "tenant-1", log.TenantID)
	assert.Equal(t, core.JobCompleted, log.State)
	assert.Equal(t, 42, log.ItemsCount)
	assert.True(t, log.CompletedAt.Equal(completed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncLogStoreLatestCompletedNone(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSyncLogStore(db)

	mock.ExpectQuery(`SELECT tenant_id, provider, source, started_at, completed_at, state, items_count`).
		WithArgs("tenant-1", "orders", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "provider", "source", "started_at", "completed_at", "state", "items_count"}))

	log, err := store.LatestCompleted(context.Background(), "tenant-1", "orders")
	require.NoError(t, err)
	assert.Nil(t, log)
}

func TestRuleStoreListEnabledDecodesConditions(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRuleStore(db)

	conditions := `[{"SourceSystem":"marketplace","TargetSystem":"internal","Field":"quantity","Operator":"gt","Value":"5"}]`
	mock.ExpectQuery(`SELECT id, tenant_id, kind, threshold, severity, auto_resolve, enabled, conditions, rule_order`).
		WithArgs("global").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "kind", "threshold", "severity", "auto_resolve", "enabled", "conditions", "rule_order"}).
			AddRow("rule-1", "global", "quantity_threshold", 2.0, "low", true, true, []byte(conditions), 0).
			AddRow("rule-2", "global", "quantity_threshold", 10.0, "high", false, true, []byte("not-json"), 1))

	rules, err := store.ListEnabled("global")
	require.NoError(t, err)
	// the malformed rule is skipped, not fatal
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-1", rules[0].ID)
	assert.True(t, rules[0].AutoResolve)
	require.Len(t, rules[0].Conditions, 1)
	assert.Equal(t, core.OpGT, rules[0].Conditions[0].Operator)
}

func TestDiscrepancyStoreHasPrior(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewDiscrepancyStore(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("tenant-1", "SKU-A").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	prior, err := store.HasPriorDiscrepancy(context.Background(), "tenant-1", "SKU-A")
	require.NoError(t, err)
	assert.True(t, prior)
}

func TestDiscrepancyStoreCountByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewDiscrepancyStore(db)

	mock.ExpectQuery(`SELECT status, COUNT`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("open", 3).
			AddRow("resolved", 7))

	counts, err := store.CountByStatus(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[core.DiscrepancyOpen])
	assert.Equal(t, 7, counts[core.DiscrepancyResolved])
	assert.Equal(t, 0, counts[core.DiscrepancySuppressed])
}

func TestClaimStoreSaveRoundtripsJSONColumns(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewClaimStore(db)

	claim := &core.ClaimCandidate{
		ClaimID:           "claim-1",
		TenantID:          "tenant-1",
		DiscrepancyID:     "disc-1",
		SKU:               "SKU-A",
		Kind:              core.ClaimOvercharge,
		Amount:            125.50,
		Currency:          "USD",
		Confidence:        0.85,
		Status:            core.ClaimPending,
		EstimatedPayoutAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Risk:              core.RiskMedium,
		RiskFactors:       []string{"high severity discrepancy"},
		AuditTrail:        []string{"valued by claim detector"},
	}

	mock.ExpectExec(`INSERT INTO claim_candidates`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), claim))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryStoreGetBySKUMissing(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewInventoryStore(db)

	mock.ExpectQuery(`SELECT (.+) FROM inventory_items`).
		WithArgs("tenant-1", "SKU-MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "sku"}))

	item, err := store.GetBySKU(context.Background(), "tenant-1", "SKU-MISSING")
	require.NoError(t, err)
	assert.Nil(t, item)
}
