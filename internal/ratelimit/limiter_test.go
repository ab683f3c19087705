package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/core"
)

func TestAcquire_SeparateTenantsIndependent(t *testing.T) {
	l := New(map[core.Provider]Config{
		core.ProviderAmazonSPAPI: {RatePerSecond: 1000, Burst: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-b"))
}

func TestAcquire_BurstOfOneSerializesSecondCall(t *testing.T) {
	l := New(map[core.Provider]Config{
		core.ProviderAmazonSPAPI: {RatePerSecond: 100, Burst: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))
	assert.Greater(t, time.Since(start), time.Millisecond)
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	l := New(map[core.Provider]Config{
		core.ProviderAmazonSPAPI: {RatePerSecond: 0.001, Burst: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	err := l.Acquire(ctx2, core.ProviderAmazonSPAPI, "tenant-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPause_BlocksUntilElapsed(t *testing.T) {
	l := New(map[core.Provider]Config{
		core.ProviderAmazonSPAPI: {RatePerSecond: 1000, Burst: 5},
	})

	l.Pause(core.ProviderAmazonSPAPI, "tenant-a", 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestStats_ReportsActiveBuckets(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-a"))
	require.NoError(t, l.Acquire(ctx, core.ProviderAmazonSPAPI, "tenant-b"))

	stats := l.Stats()
	assert.Equal(t, 2, stats["active_buckets"])
}
