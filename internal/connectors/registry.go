// Package connectors holds the Connector Registry: a uniform,
// pluggable set of upstream sources, each exposing
// {name, isEnabled, health, collectDiscrepancies}.
package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/opside/reconciler/internal/core"
)

// Health is the observable rollup of a connector's last run.
type Health struct {
	LastRunAt time.Time
	LastError error
}

// Healthy reports whether the connector's most recent run succeeded.
func (h Health) Healthy() bool { return h.LastError == nil }

// Connector is the capability set every upstream source implements. No
// inheritance: variants are concrete values satisfying this interface.
type Connector interface {
	Name() string
	IsEnabled() bool
	Health() Health
	CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error)
}

// Registry holds an ordered list of connectors and runs them sequentially
// per tenant — ordering only matters for observable per-source counters,
//
type Registry struct {
	mu         sync.RWMutex
	connectors []Connector
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a connector to the ordered list.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors = append(r.connectors, c)
}

// All returns the registered connectors in registration order.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, len(r.connectors))
	copy(out, r.connectors)
	return out
}

// SourceResult is one connector's contribution to a RunAll call.
type SourceResult struct {
	Source        string
	Discrepancies []core.StandardizedDiscrepancy
	Err           error
}

// RunAll invokes every enabled connector sequentially for tenantID,
// aggregating results. A connector's failure is isolated to its
// SourceResult; it never aborts the remaining connectors.
func (r *Registry) RunAll(ctx context.Context, tenantID string, sources []string) []SourceResult {
	wanted := toSet(sources)
	results := make([]SourceResult, 0, len(r.All()))

	for _, c := range r.All() {
		if !c.IsEnabled() {
			continue
		}
		if wanted != nil && !wanted[c.Name()] {
			continue
		}
		select {
		case <-ctx.Done():
			results = append(results, SourceResult{Source: c.Name(), Err: ctx.Err()})
			continue
		default:
		}
		discs, err := c.CollectDiscrepancies(ctx, tenantID)
		results = append(results, SourceResult{Source: c.Name(), Discrepancies: discs, Err: err})
	}
	return results
}

func toSet(sources []string) map[string]bool {
	if len(sources) == 0 {
		return nil
	}
	set := make(map[string]bool, len(sources))
	for _, s := range sources {
		set[s] = true
	}
	return set
}
