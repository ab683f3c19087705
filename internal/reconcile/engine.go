// Package reconcile implements the Reconciliation Engine: rule
// evaluation, discrepancy analysis, severity/confidence/impact scoring,
// and auto-resolve.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opside/reconciler/internal/core"
)

// InventoryStore is the persistence port for the tenant's locally-held
// ground truth.
type InventoryStore interface {
	ListByTenant(ctx context.Context, tenantID string) ([]core.InventoryItem, error)
	Upsert(ctx context.Context, item *core.InventoryItem) error
}

// DiscrepancyStore is the persistence port for Discrepancy records.
type DiscrepancyStore interface {
	Create(ctx context.Context, d *core.Discrepancy) error
	HasPriorDiscrepancy(ctx context.Context, tenantID, sku string) (bool, error)
	Resolve(ctx context.Context, discrepancyID string) error
}

// Engine is the Reconciliation Engine.
type Engine struct {
	inventory     InventoryStore
	discrepancies DiscrepancyStore
	rules         RuleStore
}

// New constructs an Engine.
func New(inventory InventoryStore, discrepancies DiscrepancyStore, rules RuleStore) *Engine {
	return &Engine{inventory: inventory, discrepancies: discrepancies, rules: rules}
}

// Result is the outcome of one Reconcile call. ItemsProcessed is always
// Created + Updated + NoChange.
type Result struct {
	ItemsProcessed         int
	Created                int
	Updated                int
	NoChange               int
	Deleted                int
	DiscrepanciesFound     int
	DiscrepanciesResolved  int
	Discrepancies          []core.Discrepancy
}

// Reconcile turns (sourceItems, tenant's existing items, resolved rules)
// into a Result:
//  1. load existing items keyed by sku
//  2. for each source item: create if absent, else analyze; a non-low
//     (or auto-resolvable low) discrepancy updates the quantity and is
//     recorded, anything else refreshes last_synced only
//  3. soft-delete existing skus absent from source (never re-activated)
//  4. evaluate auto-resolve for every discrepancy found this run
func (e *Engine) Reconcile(ctx context.Context, tenantID string, sourceItems []core.MarketplaceInventorySummary) (Result, error) {
	existing, err := e.inventory.ListByTenant(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list existing items: %w", err)
	}
	bySKU := make(map[string]*core.InventoryItem, len(existing))
	for i := range existing {
		bySKU[existing[i].SKU] = &existing[i]
	}

	rules, err := ResolveRules(e.rules, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: resolve rules: %w", err)
	}

	var result Result
	seen := make(map[string]bool, len(sourceItems))

	for _, src := range sourceItems {
		seen[src.SKU] = true
		result.ItemsProcessed++

		current, exists := bySKU[src.SKU]
		if !exists {
			item := &core.InventoryItem{
				TenantID:          tenantID,
				SKU:               src.SKU,
				QuantityAvailable: src.AvailableQuantity,
				ReorderPoint:      0,
				IsActive:          true,
				LastSynced:        time.Now(),
				ASIN:              src.ASIN,
				MarketplaceID:     src.MarketplaceID,
			}
			if err := e.inventory.Upsert(ctx, item); err != nil {
				return result, fmt.Errorf("reconcile: create sku %s: %w", src.SKU, err)
			}
			result.Created++
			continue
		}

		hadPrior, err := e.discrepancies.HasPriorDiscrepancy(ctx, tenantID, src.SKU)
		if err != nil {
			return result, fmt.Errorf("reconcile: check prior discrepancy for sku %s: %w", src.SKU, err)
		}

		rule := MatchingRule(rules, core.RuleQuantityThreshold, &core.Discrepancy{SourceSystem: "marketplace", TargetSystem: "internal"})
		threshold := 0.0
		if rule != nil {
			threshold = rule.Threshold
		}

		score, found := AnalyzeQuantity("marketplace", src.AvailableQuantity, current.QuantityAvailable, current.UnitPrice, threshold, rule, hadPrior)
		if !found {
			current.LastSynced = time.Now()
			if err := e.inventory.Upsert(ctx, current); err != nil {
				return result, fmt.Errorf("reconcile: refresh last_synced for sku %s: %w", src.SKU, err)
			}
			result.NoChange++
			continue
		}

		d := core.Discrepancy{
			ID:              uuid.NewString(),
			TenantID:        tenantID,
			SKU:             src.SKU,
			Kind:            core.KindQuantity,
			SourceSystem:    "marketplace",
			SourceValue:     fmt.Sprintf("%d", src.AvailableQuantity),
			TargetSystem:    "internal",
			TargetValue:     fmt.Sprintf("%d", current.QuantityAvailable),
			Severity:        score.Severity,
			Confidence:      score.Confidence,
			ImpactScore:     score.ImpactScore,
			SuggestedAction: score.SuggestedAction,
			Status:          core.DiscrepancyOpen,
			CreatedAt:       time.Now(),
		}

		// A low discrepancy with no auto-resolve rule is not recorded:
		// the item only gets its last_synced refreshed.
		autoResolved := e.autoResolve(&d, rule)
		if score.Severity == core.SeverityLow && !autoResolved {
			current.LastSynced = time.Now()
			if err := e.inventory.Upsert(ctx, current); err != nil {
				return result, fmt.Errorf("reconcile: refresh last_synced for sku %s: %w", src.SKU, err)
			}
			result.NoChange++
			continue
		}

		// Recording the discrepancy adopts the source quantity: the
		// marketplace value becomes the new ground truth, whether the
		// discrepancy stays open or auto-resolves.
		current.QuantityAvailable = src.AvailableQuantity
		current.LastSynced = time.Now()
		if err := e.inventory.Upsert(ctx, current); err != nil {
			return result, fmt.Errorf("reconcile: update sku %s: %w", src.SKU, err)
		}
		result.Updated++

		if err := e.discrepancies.Create(ctx, &d); err != nil {
			return result, fmt.Errorf("reconcile: persist discrepancy for sku %s: %w", src.SKU, err)
		}
		result.DiscrepanciesFound++

		if autoResolved {
			d.Status = core.DiscrepancyResolved
			if err := e.discrepancies.Resolve(ctx, d.ID); err != nil {
				return result, fmt.Errorf("reconcile: auto-resolve discrepancy %s: %w", d.ID, err)
			}
			result.DiscrepanciesResolved++
		}

		result.Discrepancies = append(result.Discrepancies, d)
	}

	for sku, item := range bySKU {
		if seen[sku] || !item.IsActive {
			continue
		}
		item.IsActive = false
		if err := e.inventory.Upsert(ctx, item); err != nil {
			return result, fmt.Errorf("reconcile: soft-delete sku %s: %w", sku, err)
		}
		result.Deleted++
	}

	return result, nil
}

// autoResolve: a discrepancy is
// auto-resolved iff its severity is low, the matching rule has
// AutoResolve true, and no higher-severity rule matched (MatchingRule
// already returns the highest-severity match, so this is just a
// severity/flag check on that single result).
func (e *Engine) autoResolve(d *core.Discrepancy, rule *core.ReconciliationRule) bool {
	return d.Severity == core.SeverityLow && rule != nil && rule.AutoResolve
}

// ReconcileStandardized scores the status discrepancies a GenericConnector
// reports (orders/returns/settlements/shipments/removals) and persists
// them, without touching InventoryStore — these datasets never own the
// quantity ground truth.
func (e *Engine) ReconcileStandardized(ctx context.Context, tenantID string, discs []core.StandardizedDiscrepancy) ([]core.Discrepancy, error) {
	rules, err := ResolveRules(e.rules, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: resolve rules: %w", err)
	}

	var out []core.Discrepancy
	for _, sd := range discs {
		source := sd.Marketplace
		if source == "" {
			source = sd.Metadata["source"]
		}

		hadPrior, err := e.discrepancies.HasPriorDiscrepancy(ctx, tenantID, sd.SKU)
		if err != nil {
			return out, fmt.Errorf("reconcile: check prior discrepancy for sku %s: %w", sd.SKU, err)
		}

		rule := MatchingRule(rules, core.RuleStatusCheck, &core.Discrepancy{SourceSystem: source, TargetSystem: "internal"})
		score, found := AnalyzeStatus(source, "anomalous", "normal", rule, hadPrior)
		if !found {
			continue
		}

		d := core.Discrepancy{
			ID:              uuid.NewString(),
			TenantID:        tenantID,
			SKU:             sd.SKU,
			Kind:            core.KindStatus,
			SourceSystem:    source,
			SourceValue:     "anomalous",
			TargetSystem:    "internal",
			TargetValue:     "normal",
			Severity:        score.Severity,
			Confidence:      score.Confidence,
			ImpactScore:     score.ImpactScore,
			SuggestedAction: score.SuggestedAction,
			Status:          core.DiscrepancyOpen,
			CreatedAt:       time.Now(),
		}

		if err := e.discrepancies.Create(ctx, &d); err != nil {
			return out, fmt.Errorf("reconcile: persist discrepancy for sku %s: %w", sd.SKU, err)
		}

		if e.autoResolve(&d, rule) {
			d.Status = core.DiscrepancyResolved
			if err := e.discrepancies.Resolve(ctx, d.ID); err != nil {
				return out, fmt.Errorf("reconcile: auto-resolve discrepancy %s: %w", d.ID, err)
			}
		}

		out = append(out, d)
	}
	return out, nil
}

// Summary reports the current discrepancy counts for a tenant, without
// performing any fetch — used by the "discrepancy_only" sync kind.
type Summary struct {
	Open       int
	Resolved   int
	Suppressed int
}

// DiscrepancySummaryStore is the narrow read port Summary needs.
type DiscrepancySummaryStore interface {
	CountByStatus(ctx context.Context, tenantID string) (map[core.DiscrepancyStatus]int, error)
}

// Summarize returns the current discrepancy counts for tenantID, for the
// discrepancy_only sync kind.
func Summarize(ctx context.Context, store DiscrepancySummaryStore, tenantID string) (Summary, error) {
	counts, err := store.CountByStatus(ctx, tenantID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Open:       counts[core.DiscrepancyOpen],
		Resolved:   counts[core.DiscrepancyResolved],
		Suppressed: counts[core.DiscrepancySuppressed],
	}, nil
}
