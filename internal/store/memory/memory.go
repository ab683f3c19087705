// Package memory provides in-memory implementations of every persistence
// port, used by unit tests and local/dev runs where no Postgres DSN is
// configured. All stores are safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opside/reconciler/internal/claims"
	"github.com/opside/reconciler/internal/core"
)

// SyncLogStore is an append-only in-memory sync log.
type SyncLogStore struct {
	mu   sync.RWMutex
	logs []core.SyncLog
}

func NewSyncLogStore() *SyncLogStore {
	return &SyncLogStore{}
}

func (s *SyncLogStore) Create(ctx context.Context, log *core.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *log)
	return nil
}

func (s *SyncLogStore) LatestCompleted(ctx context.Context, tenantID, source string) (*core.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *core.SyncLog
	for i := range s.logs {
		log := &s.logs[i]
		if log.TenantID != tenantID || log.Source != source || log.State != core.JobCompleted {
			continue
		}
		if latest == nil || log.CompletedAt.After(latest.CompletedAt) {
			latest = log
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// RuleStore holds reconciliation rules keyed by tenant scope.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string][]core.ReconciliationRule
}

func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string][]core.ReconciliationRule)}
}

// Add appends a rule to its tenant scope, assigning insertion order.
func (s *RuleStore) Add(rule core.ReconciliationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.Order = len(s.rules[rule.TenantID])
	s.rules[rule.TenantID] = append(s.rules[rule.TenantID], rule)
}

func (s *RuleStore) ListEnabled(tenantID string) ([]core.ReconciliationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ReconciliationRule
	for _, rule := range s.rules[tenantID] {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

// InventoryStore holds the tenant's ground truth keyed by (tenant, sku).
type InventoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]core.InventoryItem
}

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{items: make(map[string]map[string]core.InventoryItem)}
}

func (s *InventoryStore) ListByTenant(ctx context.Context, tenantID string) ([]core.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.InventoryItem
	for _, item := range s.items[tenantID] {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *InventoryStore) GetBySKU(ctx context.Context, tenantID, sku string) (*core.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[tenantID][sku]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *InventoryStore) Upsert(ctx context.Context, item *core.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[item.TenantID] == nil {
		s.items[item.TenantID] = make(map[string]core.InventoryItem)
	}
	s.items[item.TenantID][item.SKU] = *item
	return nil
}

// DiscrepancyStore holds discrepancies with the same per-run dedup key
// the Postgres table enforces.
type DiscrepancyStore struct {
	mu            sync.RWMutex
	discrepancies []core.Discrepancy
	seen          map[string]struct{}
}

func NewDiscrepancyStore() *DiscrepancyStore {
	return &DiscrepancyStore{seen: make(map[string]struct{})}
}

func dedupKey(d *core.Discrepancy) string {
	return d.TenantID + "|" + d.SKU + "|" + string(d.Kind) + "|" + d.CreatedAt.Format(time.RFC3339Nano)
}

func (s *DiscrepancyStore) Create(ctx context.Context, d *core.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(d)
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	s.discrepancies = append(s.discrepancies, *d)
	return nil
}

func (s *DiscrepancyStore) HasPriorDiscrepancy(ctx context.Context, tenantID, sku string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.discrepancies {
		if s.discrepancies[i].TenantID == tenantID && s.discrepancies[i].SKU == sku {
			return true, nil
		}
	}
	return false, nil
}

func (s *DiscrepancyStore) Resolve(ctx context.Context, discrepancyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.discrepancies {
		if s.discrepancies[i].ID == discrepancyID {
			s.discrepancies[i].Status = core.DiscrepancyResolved
			return nil
		}
	}
	return nil
}

func (s *DiscrepancyStore) CountByStatus(ctx context.Context, tenantID string) (map[core.DiscrepancyStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[core.DiscrepancyStatus]int)
	for i := range s.discrepancies {
		if s.discrepancies[i].TenantID == tenantID {
			counts[s.discrepancies[i].Status]++
		}
	}
	return counts, nil
}

// All returns a snapshot of every stored discrepancy.
func (s *DiscrepancyStore) All() []core.Discrepancy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Discrepancy, len(s.discrepancies))
	copy(out, s.discrepancies)
	return out
}

// CredentialStore holds credentials keyed by (tenant, provider). Tokens
// stay in plaintext here — this store never touches disk.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]core.Credential
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]core.Credential)}
}

func credKey(tenantID string, provider core.Provider) string {
	return tenantID + "|" + string(provider)
}

func (s *CredentialStore) Get(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[credKey(tenantID, provider)]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *CredentialStore) Save(ctx context.Context, cred *core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credKey(cred.TenantID, cred.Provider)] = *cred
	return nil
}

func (s *CredentialStore) ListExpiringBefore(ctx context.Context, before time.Time) ([]*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Credential
	for _, cred := range s.creds {
		if !cred.Invalid && cred.ExpiresAt.Before(before) {
			c := cred
			out = append(out, &c)
		}
	}
	return out, nil
}

// ClaimStore holds claim candidates and serves the historical-claims
// enrichment lookup, most-recent first.
type ClaimStore struct {
	mu      sync.RWMutex
	byID    map[string]core.ClaimCandidate
	ordered []string
}

func NewClaimStore() *ClaimStore {
	return &ClaimStore{byID: make(map[string]core.ClaimCandidate)}
}

func (s *ClaimStore) Save(ctx context.Context, claim *core.ClaimCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[claim.ClaimID]; !exists {
		s.ordered = append(s.ordered, claim.ClaimID)
	}
	s.byID[claim.ClaimID] = *claim
	return nil
}

func (s *ClaimStore) Get(ctx context.Context, claimID string) (*core.ClaimCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claim, ok := s.byID[claimID]
	if !ok {
		return nil, nil
	}
	return &claim, nil
}

func (s *ClaimStore) RecentForSKU(ctx context.Context, tenantID, sku string, limit int) ([]core.ClaimCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ClaimCandidate
	for i := len(s.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		claim := s.byID[s.ordered[i]]
		if claim.TenantID == tenantID && claim.SKU == sku {
			out = append(out, claim)
		}
	}
	return out, nil
}

// InventoryContextStore assembles claim-enrichment context from the
// in-memory inventory and sync-log stores.
type InventoryContextStore struct {
	inventory *InventoryStore
	syncLogs  *SyncLogStore
}

func NewInventoryContextStore(inventory *InventoryStore, syncLogs *SyncLogStore) *InventoryContextStore {
	return &InventoryContextStore{inventory: inventory, syncLogs: syncLogs}
}

func (s *InventoryContextStore) ContextFor(ctx context.Context, tenantID, sku string) (claims.InventoryContext, error) {
	item, err := s.inventory.GetBySKU(ctx, tenantID, sku)
	if err != nil || item == nil {
		return claims.InventoryContext{}, err
	}
	invCtx := claims.InventoryContext{
		QuantityAvailable: item.QuantityAvailable,
		QuantityReserved:  item.QuantityReserved,
		ReorderPoint:      item.ReorderPoint,
		SellingPrice:      item.UnitPrice,
		CostPrice:         item.UnitPrice,
		ASIN:              item.ASIN,
		MarketplaceID:     item.MarketplaceID,
	}
	if log, err := s.syncLogs.LatestCompleted(ctx, tenantID, "marketplace"); err == nil && log != nil {
		invCtx.RecentSyncLogs = []core.SyncLog{*log}
	}
	return invCtx, nil
}
