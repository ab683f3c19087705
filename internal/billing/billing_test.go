package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateFees_TwentyPercentMinimumFifty(t *testing.T) {
	cases := []struct {
		amount   int64
		wantFee  int64
		wantPay  int64
	}{
		{amount: 10000, wantFee: 2000, wantPay: 8000},
		{amount: 100, wantFee: 50, wantPay: 50},
		{amount: 0, wantFee: 0, wantPay: 0},
	}
	for _, c := range cases {
		fees := CalculateFees(c.amount)
		require.Equal(t, c.wantFee, fees.PlatformFeeCents)
		require.Equal(t, c.wantPay, fees.SellerPayoutCents)
		require.Equal(t, c.amount, fees.PlatformFeeCents+fees.SellerPayoutCents)
	}
}

type fakeBillingPort struct {
	lastReq ChargeCommissionRequest
}

func (f *fakeBillingPort) GetOrCreateStripeCustomerID(ctx context.Context, tenantID, email string) (string, error) {
	return "cus_" + tenantID, nil
}

func (f *fakeBillingPort) ChargeCommission(ctx context.Context, req ChargeCommissionRequest) (ChargeCommissionResult, error) {
	f.lastReq = req
	return ChargeCommissionResult{StripeTransactionID: "txn_1"}, nil
}

func TestLedger_Charge_UsesIdempotencyKeyAndCaches(t *testing.T) {
	port := &fakeBillingPort{}
	l := NewLedger(port)

	result, err := l.Charge(context.Background(), "t1", "dispute-9", 10000, "usd", nil)
	require.NoError(t, err)
	require.Equal(t, "txn_1", result.StripeTransactionID)
	require.Equal(t, int64(2000), result.Fees.PlatformFeeCents)
	require.Contains(t, port.lastReq.IdempotencyKey, "billing-dispute-9-")
	require.Len(t, l.Summary("t1"), 1)
}
