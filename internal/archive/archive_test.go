package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiver_Snapshot_WritesContentAddressedKey(t *testing.T) {
	store := NewMemoryStore()
	a := New(store, "raw")

	key, digest, err := a.Snapshot(context.Background(), "tenant-1", "inventory", map[string]any{"sku": "A", "qty": 10})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "raw/tenant-1/inventory/"))
	require.Contains(t, key, digest[:12])
	require.Equal(t, 1, store.Len())
}

func TestArchiver_Snapshot_SameContentSameDigest(t *testing.T) {
	store := NewMemoryStore()
	a := New(store, "raw")

	_, d1, err := a.Snapshot(context.Background(), "t1", "orders", map[string]any{"a": 1})
	require.NoError(t, err)
	_, d2, err := a.Snapshot(context.Background(), "t1", "orders", map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}
