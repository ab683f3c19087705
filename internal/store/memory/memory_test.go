package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/core"
)

func TestSyncLogLatestCompletedPicksNewest(t *testing.T) {
	store := NewSyncLogStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range []core.JobState{core.JobCompleted, core.JobFailed, core.JobCompleted} {
		require.NoError(t, store.Create(ctx, &core.SyncLog{
			TenantID:    "t1",
			Source:      "orders",
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i) * time.Hour),
			State:       state,
		}))
	}

	latest, err := store.LatestCompleted(ctx, "t1", "orders")
	require.NoError(t, err)
	require.NotNil(t, latest)
	// the failed run in between is ignored
	assert.True(t, latest.CompletedAt.Equal(base.Add(2*time.Hour)))

	none, err := store.LatestCompleted(ctx, "t1", "returns")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDiscrepancyStoreDedup(t *testing.T) {
	store := NewDiscrepancyStore()
	ctx := context.Background()
	created := time.Now()

	d := core.Discrepancy{
		ID: "d1", TenantID: "t1", SKU: "SKU-A", Kind: core.KindQuantity,
		Status: core.DiscrepancyOpen, CreatedAt: created,
	}
	require.NoError(t, store.Create(ctx, &d))
	dup := d
	dup.ID = "d2"
	require.NoError(t, store.Create(ctx, &dup))

	assert.Len(t, store.All(), 1)

	prior, err := store.HasPriorDiscrepancy(ctx, "t1", "SKU-A")
	require.NoError(t, err)
	assert.True(t, prior)
}

func TestClaimStoreRecentForSKUOrder(t *testing.T) {
	store := NewClaimStore()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.Save(ctx, &core.ClaimCandidate{
			ClaimID: id, TenantID: "t1", SKU: "SKU-A",
		}))
	}
	require.NoError(t, store.Save(ctx, &core.ClaimCandidate{ClaimID: "other", TenantID: "t1", SKU: "SKU-B"}))

	recent, err := store.RecentForSKU(ctx, "t1", "SKU-A", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c3", recent[0].ClaimID)
	assert.Equal(t, "c2", recent[1].ClaimID)
}

func TestRuleStoreAssignsInsertionOrder(t *testing.T) {
	store := NewRuleStore()
	store.Add(core.ReconciliationRule{ID: "r1", TenantID: core.GlobalTenant, Enabled: true})
	store.Add(core.ReconciliationRule{ID: "r2", TenantID: core.GlobalTenant, Enabled: false})
	store.Add(core.ReconciliationRule{ID: "r3", TenantID: core.GlobalTenant, Enabled: true})

	rules, err := store.ListEnabled(core.GlobalTenant)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 0, rules[0].Order)
	assert.Equal(t, 2, rules[1].Order)
}
