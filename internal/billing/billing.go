// Package billing implements the Billing port: commission calculation
// on recovered claim amounts and the outbound charge-ledger call to the
// external Stripe-backed billing service.
package billing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Platform fee is 20% of the recovered amount, minimum 50
// currency-minor-units; the seller payout is the remainder.
const (
	platformFeeRate  = 0.20
	minFeeMinorUnits = 50
)

// Fees is the result of CalculateFees: PlatformFee + SellerPayout always
// equals the input amountRecoveredCents.
type Fees struct {
	PlatformFeeCents int64
	SellerPayoutCents int64
}

// CalculateFees computes the platform commission and seller payout for a
// recovered claim amount: platformFee = max(round(amount
// * 0.20), 50); sellerPayout = remainder; both non-negative.
func CalculateFees(amountRecoveredCents int64) Fees {
	if amountRecoveredCents <= 0 {
		return Fees{}
	}
	fee := int64(math.Round(float64(amountRecoveredCents) * platformFeeRate))
	if fee < minFeeMinorUnits {
		fee = minFeeMinorUnits
	}
	if fee > amountRecoveredCents {
		fee = amountRecoveredCents
	}
	return Fees{PlatformFeeCents: fee, SellerPayoutCents: amountRecoveredCents - fee}
}

// ChargeCommissionRequest is the chargeCommission payload.
type ChargeCommissionRequest struct {
	DisputeID            string
	UserID               string
	AmountRecoveredCents int64
	Currency             string
	IdempotencyKey       string
	Metadata             map[string]interface{}
}

// ChargeCommissionResult is the Stripe-backed service's response.
type ChargeCommissionResult struct {
	StripeTransactionID string
	Fees                Fees
}

// Port is the external billing/Stripe service, referenced only by
// interface.
type Port interface {
	GetOrCreateStripeCustomerID(ctx context.Context, tenantID, email string) (string, error)
	ChargeCommission(ctx context.Context, req ChargeCommissionRequest) (ChargeCommissionResult, error)
}

// IdempotencyKey builds the `billing-<disputeId>-<timestamp>` key used
// for commission charging.
func IdempotencyKey(disputeID string, at time.Time) string {
	return fmt.Sprintf("billing-%s-%d", disputeID, at.Unix())
}

// Ledger tracks per-tenant commission charges in-process, a read-mostly
// cache in front of the billing Port's persistent ledger, never its
// source of truth.
type Ledger struct {
	port Port
	mu   sync.Mutex
	byTenant map[string][]ChargeCommissionResult
}

// NewLedger constructs a Ledger backed by port.
func NewLedger(port Port) *Ledger {
	return &Ledger{port: port, byTenant: make(map[string][]ChargeCommissionResult)}
}

// Charge computes fees, calls the billing Port with an idempotency key
// derived from disputeID and the current time, and caches the result.
func (l *Ledger) Charge(ctx context.Context, tenantID, disputeID string, amountRecoveredCents int64, currency string, metadata map[string]interface{}) (ChargeCommissionResult, error) {
	fees := CalculateFees(amountRecoveredCents)

	result, err := l.port.ChargeCommission(ctx, ChargeCommissionRequest{
		DisputeID:            disputeID,
		UserID:               tenantID,
		AmountRecoveredCents: amountRecoveredCents,
		Currency:             currency,
		IdempotencyKey:       IdempotencyKey(disputeID, time.Now()),
		Metadata:             metadata,
	})
	if err != nil {
		return ChargeCommissionResult{}, fmt.Errorf("billing: charge commission for dispute %s: %w", disputeID, err)
	}
	result.Fees = fees

	l.mu.Lock()
	l.byTenant[tenantID] = append(l.byTenant[tenantID], result)
	l.mu.Unlock()

	return result, nil
}

// Summary returns the tenant's cached charge history, most-recent last.
func (l *Ledger) Summary(tenantID string) []ChargeCommissionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChargeCommissionResult, len(l.byTenant[tenantID]))
	copy(out, l.byTenant[tenantID])
	return out
}
