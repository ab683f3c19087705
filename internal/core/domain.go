// Package core holds the shared domain types for the reconciliation and
// claim-detection pipeline: tenants, credentials, inventory, discrepancies,
// reconciliation rules, claim candidates, and sync jobs.
package core

import "time"

// Tenant is a distinct marketplace seller account. The core never deletes
// a Tenant; it is created once, at OAuth completion, by an external
// onboarding flow.
type Tenant struct {
	ID       string `json:"id"`
	SellerID string `json:"seller_id"`
}

// Provider identifies an upstream credential/service provider. Only one
// provider ("amazon-sp-api") exists today but the type keeps the Token
// Vault and Rate Limiter generic over future marketplaces.
type Provider string

const ProviderAmazonSPAPI Provider = "amazon-sp-api"

// Credential is a per-tenant, per-provider OAuth credential. Encrypted at
// rest by the Token Vault; rotated in place by Rotate. ExpiresAt must be
// strictly increasing across rotations.
type Credential struct {
	TenantID     string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Invalid      bool // set true on a terminal invalid_grant response
}

// DiscrepancyKind enumerates the field being reconciled.
type DiscrepancyKind string

const (
	KindQuantity DiscrepancyKind = "quantity"
	KindPrice    DiscrepancyKind = "price"
	KindStatus   DiscrepancyKind = "status"
	KindMetadata DiscrepancyKind = "metadata"
)

// Severity is the graded impact level of a Discrepancy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank allows rule severities to override upward only.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal rank of a severity, low=0..critical=3.
func (s Severity) Rank() int { return severityRank[s] }

// Max returns the higher-ranked of the two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// SuggestedAction is the recommended disposition of a Discrepancy.
type SuggestedAction string

const (
	ActionInvestigate SuggestedAction = "investigate"
	ActionAutoResolve SuggestedAction = "auto_resolve"
	ActionIgnore      SuggestedAction = "ignore"
	ActionEscalate    SuggestedAction = "escalate"
)

// DiscrepancyStatus is the lifecycle state of a Discrepancy.
type DiscrepancyStatus string

const (
	DiscrepancyOpen       DiscrepancyStatus = "open"
	DiscrepancyResolved   DiscrepancyStatus = "resolved"
	DiscrepancySuppressed DiscrepancyStatus = "suppressed"
)

// Discrepancy is a detected difference between marketplace state and
// internal state for one sku/field, scored by the Reconciliation Engine.
//
// Invariant: SourceValue != TargetValue while Status == DiscrepancyOpen.
type Discrepancy struct {
	ID              string
	TenantID        string
	SKU             string
	Kind            DiscrepancyKind
	SourceSystem    string
	SourceValue     string
	TargetSystem    string
	TargetValue     string
	Severity        Severity
	Confidence      float64 // [0.1, 1.0]
	ImpactScore     float64 // [0, 10]
	SuggestedAction SuggestedAction
	Status          DiscrepancyStatus
	CreatedAt       time.Time
}

// StandardizedDiscrepancy is the canonical hand-off shape every Connector
// produces for the Reconciliation Engine, before it is turned into a
// Discrepancy with severity/confidence/impact scoring.
type StandardizedDiscrepancy struct {
	ProductID         string
	SKU               string
	QuantitySynced    int
	QuantityActual    int
	DiscrepancyAmount int // QuantitySynced - QuantityActual
	Marketplace       string
	Timestamp         time.Time
	Currency          string
	Confidence        *float64
	Metadata          map[string]string
}

// InventoryItem is the tenant's locally-held ground truth for one sku.
type InventoryItem struct {
	TenantID          string
	SKU               string
	QuantityAvailable int
	QuantityReserved  int
	ReorderPoint      int
	UnitPrice         float64
	ASIN              string
	MarketplaceID     string
	IsActive          bool
	LastSynced        time.Time
	Metadata          map[string]string
}

// MarketplaceInventorySummary is upstream marketplace state for one sku,
// produced by the Marketplace Client. Never mutated once produced.
type MarketplaceInventorySummary struct {
	SKU               string
	ASIN              string
	FNSKU             string
	AvailableQuantity int
	ReservedQuantity  int
	DamagedQuantity   int
	Condition         string
	MarketplaceID     string
	LastUpdatedTime   time.Time
}

// RuleOperator is a condition comparison operator.
type RuleOperator string

const (
	OpEQ       RuleOperator = "eq"
	OpNE       RuleOperator = "ne"
	OpGT       RuleOperator = "gt"
	OpLT       RuleOperator = "lt"
	OpContains RuleOperator = "contains"
)

// RuleCondition is one predicate clause within a ReconciliationRule.
type RuleCondition struct {
	SourceSystem string
	TargetSystem string
	Field        string
	Operator     RuleOperator
	Value        string
}

// RuleKind enumerates the reconciliation rule categories.
type RuleKind string

const (
	RuleQuantityThreshold RuleKind = "quantity_threshold"
	RulePriceThreshold    RuleKind = "price_threshold"
	RuleStatusCheck       RuleKind = "status_check"
	RuleAutoResolve       RuleKind = "auto_resolve"
)

// GlobalTenant is the scope value meaning "applies to all tenants".
const GlobalTenant = "global"

// ReconciliationRule grades and optionally auto-resolves discrepancies for
// a tenant (or, with TenantID == GlobalTenant, for every tenant).
type ReconciliationRule struct {
	ID          string
	TenantID    string // tenant id, or GlobalTenant
	Kind        RuleKind
	Threshold   float64
	Severity    Severity
	AutoResolve bool
	Enabled     bool
	Conditions  []RuleCondition
	// Order is the insertion order, used to break ties deterministically.
	Order int
}

// ClaimKind classifies the monetary nature of a ClaimCandidate.
type ClaimKind string

const (
	ClaimMissingUnits    ClaimKind = "missing_units"
	ClaimOvercharge      ClaimKind = "overcharge"
	ClaimDamage          ClaimKind = "damage"
	ClaimDelayedShipment ClaimKind = "delayed_shipment"
	ClaimOther           ClaimKind = "other"
)

// ClaimStatus is the lifecycle state of a ClaimCandidate.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimValidated ClaimStatus = "validated"
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimApproved  ClaimStatus = "approved"
	ClaimRejected  ClaimStatus = "rejected"
)

// Risk is the qualitative risk tier assigned to a ClaimCandidate.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ProofItem is one piece of evidence supporting a ClaimCandidate.
type ProofItem struct {
	Type      string // inventory_snapshot, value_comparison, mcde_document
	Timestamp time.Time
	Payload   map[string]interface{}
}

// ClaimCandidate is a monetary reimbursement candidate derived from one
// Discrepancy.
type ClaimCandidate struct {
	ClaimID           string
	TenantID          string
	DiscrepancyID     string
	SKU               string
	Kind              ClaimKind
	Amount            float64
	Currency          string
	Confidence        float64
	Status            ClaimStatus
	EstimatedPayoutAt time.Time
	Risk              Risk
	RiskFactors       []string
	Mitigations       []string
	Evidence          []ProofItem
	AuditTrail        []string
}

// SyncKind enumerates the sync job modes.
type SyncKind string

const (
	SyncFull            SyncKind = "full"
	SyncIncremental     SyncKind = "incremental"
	SyncDiscrepancyOnly SyncKind = "discrepancy_only"
)

// JobState is the lifecycle state of a SyncJob. Terminal states
// (Completed, Failed, Cancelled) are monotonic: a job never leaves one.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Progress is a SyncJob's own progress counters; the job is their sole
// owner.
type Progress struct {
	Current    int
	Total      int
	Percentage float64
}

// SyncJob is one scheduled or manually-triggered execution of the
// reconciliation pipeline for one tenant.
type SyncJob struct {
	ID          string
	TenantID    string
	Kind        SyncKind
	Sources     []string
	State       JobState
	Progress    Progress
	StartedAt   time.Time
	CompletedAt *time.Time
	Errors      []string
	Warnings    []string
	Metadata    map[string]interface{}
	Attempt     int
}

// SyncLog is the append-only persisted record of a completed or failed
// SyncJob, keyed by (TenantID, Provider, StartedAt).
type SyncLog struct {
	TenantID    string
	Provider    string
	Source      string
	StartedAt   time.Time
	CompletedAt time.Time
	State       JobState
	ItemsCount  int
}
