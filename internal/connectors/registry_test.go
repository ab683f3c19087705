package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/core"
)

type fakeConnector struct {
	name    string
	enabled bool
	discs   []core.StandardizedDiscrepancy
	err     error
}

func (f *fakeConnector) Name() string     { return f.name }
func (f *fakeConnector) IsEnabled() bool  { return f.enabled }
func (f *fakeConnector) Health() Health   { return Health{} }
func (f *fakeConnector) CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error) {
	return f.discs, f.err
}

func TestRegistry_RunAll_IsolatesPerSourceFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeConnector{name: "a", enabled: true, discs: []core.StandardizedDiscrepancy{{SKU: "X"}}})
	r.Register(&fakeConnector{name: "b", enabled: true, err: errors.New("boom")})
	r.Register(&fakeConnector{name: "c", enabled: false})

	results := r.RunAll(context.Background(), "tenant-1", nil)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].Source)
	require.Len(t, results[0].Discrepancies, 1)
	require.Equal(t, "b", results[1].Source)
	require.Error(t, results[1].Err)
}

func TestRegistry_RunAll_FiltersBySources(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeConnector{name: "a", enabled: true})
	r.Register(&fakeConnector{name: "b", enabled: true})

	results := r.RunAll(context.Background(), "tenant-1", []string{"b"})
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].Source)
}
