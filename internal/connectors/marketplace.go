package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/proof"
	"github.com/opside/reconciler/internal/spapi"
)

// InventoryLookup is the narrow port onto the tenant's locally-held
// ground truth; the marketplace connector never writes to it, only reads.
type InventoryLookup interface {
	GetBySKU(ctx context.Context, tenantID, sku string) (*core.InventoryItem, error)
}

// MarketplaceConnector is the reference Connector: for
// each upstream SKU it diffs upstream quantity against the tenant's
// internal quantity and emits a StandardizedDiscrepancy when they differ.
type MarketplaceConnector struct {
	client         *spapi.Client
	inventory      InventoryLookup
	marketplaceIDs []string
	cfg            *config.Config

	mu     sync.RWMutex
	health Health
}

// NewMarketplaceConnector constructs the reference marketplace connector.
func NewMarketplaceConnector(client *spapi.Client, inventory InventoryLookup, marketplaceIDs []string, cfg *config.Config) *MarketplaceConnector {
	return &MarketplaceConnector{client: client, inventory: inventory, marketplaceIDs: marketplaceIDs, cfg: cfg}
}

func (m *MarketplaceConnector) Name() string { return "marketplace" }

func (m *MarketplaceConnector) IsEnabled() bool {
	return m.cfg == nil || m.cfg.ConnectorEnabled("marketplace")
}

func (m *MarketplaceConnector) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

func (m *MarketplaceConnector) recordResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = Health{LastRunAt: time.Now(), LastError: err}
}

// CollectDiscrepancies streams upstream inventory summaries, looks up
// each sku's internal quantity, and emits a StandardizedDiscrepancy for
// every nonzero delta (upstream - internal).
func (m *MarketplaceConnector) CollectDiscrepancies(ctx context.Context, tenantID string) ([]core.StandardizedDiscrepancy, error) {
	stream := m.client.FetchInventorySummaries(ctx, tenantID, m.marketplaceIDs)

	var out []core.StandardizedDiscrepancy
	for {
		summary, ok, err := stream()
		if err != nil {
			m.recordResult(err)
			return out, err
		}
		if !ok {
			break
		}

		internal, err := m.inventory.GetBySKU(ctx, tenantID, summary.SKU)
		if err != nil {
			m.recordResult(err)
			return out, fmt.Errorf("connectors: lookup internal sku %s: %w", summary.SKU, err)
		}
		internalQty := 0
		if internal != nil {
			internalQty = internal.QuantityAvailable
		}

		delta := summary.AvailableQuantity - internalQty
		if delta == 0 {
			continue
		}

		snapshot := proof.InventorySnapshot(summary.SKU, summary.AvailableQuantity, internalQty, summary.MarketplaceID)

		out = append(out, core.StandardizedDiscrepancy{
			ProductID:         summary.ASIN,
			SKU:               summary.SKU,
			QuantitySynced:    summary.AvailableQuantity,
			QuantityActual:    internalQty,
			DiscrepancyAmount: delta,
			Marketplace:       summary.MarketplaceID,
			Timestamp:         time.Now(),
			Currency:          "USD",
			Metadata: map[string]string{
				"proof_type": snapshot.Type,
			},
		})
	}

	m.recordResult(nil)
	return out, nil
}
