// Package proof builds ProofItem entries shared by the Connector Registry
// (an inventory_snapshot item recorded at detection time) and the Claim
// Integration Layer (value_comparison and mcde_document items added
// during valuation). Kept separate from internal/core so the bundle
// construction logic isn't a bare struct literal scattered across
// packages, and separate from internal/claims so internal/connectors
// doesn't need to import the claims pipeline to attach initial evidence.
package proof

import (
	"time"

	"github.com/opside/reconciler/internal/core"
)

// InventorySnapshot records the upstream-vs-internal quantities observed
// at the moment a discrepancy was detected.
func InventorySnapshot(sku string, upstreamQty, internalQty int, marketplaceID string) core.ProofItem {
	return core.ProofItem{
		Type:      "inventory_snapshot",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"sku":            sku,
			"upstream_qty":   upstreamQty,
			"internal_qty":   internalQty,
			"marketplace_id": marketplaceID,
		},
	}
}

// ValueComparison records the source/target value pair the Claim Detector
// valued a claim against.
func ValueComparison(sourceSystem, sourceValue, targetSystem, targetValue string) core.ProofItem {
	return core.ProofItem{
		Type:      "value_comparison",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"source_system": sourceSystem,
			"source_value":  sourceValue,
			"target_system": targetSystem,
			"target_value":  targetValue,
		},
	}
}

// MCDEDocument records the proof document MCDE generated for a claim.
func MCDEDocument(documentURL string) core.ProofItem {
	return core.ProofItem{
		Type:      "mcde_document",
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"document_url": documentURL,
		},
	}
}
