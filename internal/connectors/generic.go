package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/spapi"
)

// SinceLookup resolves the `since` instant a GenericConnector incrementally
// fetches from — the latest completed sync's StartedAt for this tenant
// and source, or the zero time for a full fetch.
type SinceLookup interface {
	SinceFor(ctx context.Context, tenantID, source string) (time.Time, error)
}

// Fetcher is the subset of the Marketplace Client's record-stream
// operations the orders/returns/settlements/shipments/removals
// connectors share: fetch(since, until) -> generic record stream.
type Fetcher func(ctx context.Context, tenantID string, since, until time.Time) spapi.Stream[spapi.GenericRecord]

// GenericConnector wraps one of the record-stream Marketplace Client
// operations (returns, shipments, settlements, removals) as a Connector.
// Unlike the reference MarketplaceConnector it does not diff against
// internal state — these datasets feed the claim-enrichment step
// rather than the quantity-reconciliation path, so they report status
// discrepancies only when the upstream record itself signals one (e.g. a
// return marked `anomalous`).
type GenericConnector struct {
	name   string
	fetch  Fetcher
	since  SinceLookup
	cfg    *config.Config

	mu     sync.RWMutex
	health Health
}

// NewGenericConnector constructs a GenericConnector for one dataset.
func NewGenericConnector(name string, fetch Fetcher, since SinceLookup, cfg *config.Config) *GenericConnector {
	return &GenericConnector{name: name, fetch: fetch, since: since, cfg: cfg}
}

func (g *GenericConnector) Name() string { return g.name }

func (g *GenericConnector) IsEnabled() bool {
	return g.cfg == nil || g.cfg.ConnectorEnabled(g.name)
}

func (g *GenericConnector) Health() Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

func (g *GenericConnector) recordResult(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health = Health{LastRunAt: time.Now(), LastError: err}
}

// CollectDiscrepancies fetches the dataset since the last completed run
// and emits a status discrepancy for any record whose payload carries an
// explicit "anomalous": true flag.
func (g *GenericConnector) CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error) {
	since := time.Time{}
	if g.since != nil {
		s, err := g.since.SinceFor(ctx, tenantID, g.name)
		if err != nil {
			g.recordResult(err)
			return nil, err
		}
		since = s
	}

	stream := g.fetch(ctx, tenantID, since, time.Now())

	var out []core.StandardizedDiscrepancy
	for {
		rec, ok, err := stream()
		if err != nil {
			g.recordResult(err)
			return out, err
		}
		if !ok {
			break
		}
		anomalous, _ := rec.Payload["anomalous"].(bool)
		if !anomalous {
			continue
		}
		sku, _ := rec.Payload["sku"].(string)
		out = append(out, core.StandardizedDiscrepancy{
			ProductID:   rec.ID,
			SKU:         sku,
			Marketplace: g.name,
			Timestamp:   rec.PostedAt,
			Currency:    "USD",
			Metadata:    map[string]string{"kind": "status", "source": g.name},
		})
	}

	g.recordResult(nil)
	return out, nil
}
