package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPort is the default Port, posting to the external billing service's
// customer and commission endpoints.
type HTTPPort struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (p *HTTPPort) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (p *HTTPPort) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("billing: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing: %s returned status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (p *HTTPPort) GetOrCreateStripeCustomerID(ctx context.Context, tenantID, email string) (string, error) {
	var resp struct {
		CustomerID string `json:"customer_id"`
	}
	err := p.post(ctx, "/customers", map[string]string{"tenant_id": tenantID, "email": email}, &resp)
	if err != nil {
		return "", err
	}
	return resp.CustomerID, nil
}

func (p *HTTPPort) ChargeCommission(ctx context.Context, req ChargeCommissionRequest) (ChargeCommissionResult, error) {
	var resp struct {
		StripeTransactionID string `json:"stripe_transaction_id"`
	}
	err := p.post(ctx, "/commissions", map[string]interface{}{
		"dispute_id":             req.DisputeID,
		"user_id":                req.UserID,
		"amount_recovered_cents": req.AmountRecoveredCents,
		"currency":               req.Currency,
		"idempotency_key":        req.IdempotencyKey,
		"metadata":               req.Metadata,
	}, &resp)
	if err != nil {
		return ChargeCommissionResult{}, err
	}
	return ChargeCommissionResult{StripeTransactionID: resp.StripeTransactionID}, nil
}
