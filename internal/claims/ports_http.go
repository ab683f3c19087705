package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opside/reconciler/internal/circuitbreaker"
	"github.com/opside/reconciler/internal/core"
)

// HTTPClaimDetector is the default ClaimDetectorPort, posting to
// {base}/evidence/claims/calculate
type HTTPClaimDetector struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
}

func (h *HTTPClaimDetector) Calculate(ctx context.Context, req ClaimDetectorRequest) (ClaimDetectorResponse, error) {
	var resp ClaimDetectorResponse
	_, err := h.Breaker.Execute(func() (interface{}, error) {
		return nil, postJSON(ctx, h.client(), h.BaseURL+"/evidence/claims/calculate", h.APIKey, req, &resp)
	})
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return ClaimDetectorResponse{}, &core.TransientUpstreamError{Op: "claim_detector.calculate", Err: err}
	}
	if err != nil {
		return ClaimDetectorResponse{}, fmt.Errorf("claims: calculate: %w", err)
	}
	return resp, nil
}

func (h *HTTPClaimDetector) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// HTTPMCDE is the default MCDEPort, posting to {base}/generate-document.
type HTTPMCDE struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
}

func (h *HTTPMCDE) GenerateDocument(ctx context.Context, req MCDERequest) (string, error) {
	if h.BaseURL == "" {
		return "", &core.ConfigError{Field: "MCDE_BASE_URL"}
	}

	var resp struct {
		DocumentURL string `json:"document_url"`
	}
	_, err := h.Breaker.Execute(func() (interface{}, error) {
		return nil, postJSON(ctx, h.client(), h.BaseURL+"/generate-document", h.APIKey, req, &resp)
	})
	if err != nil {
		return "", &core.DependencyUnavailable{Dependency: "mcde", Err: err}
	}
	return resp.DocumentURL, nil
}

func (h *HTTPMCDE) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// HTTPRefundEngine is the default RefundEnginePort, posting to
// {base}/api/v1/claims with header X-User-Id.
type HTTPRefundEngine struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
}

func (h *HTTPRefundEngine) SubmitClaim(ctx context.Context, tenantID string, req RefundEngineRequest) error {
	if h.BaseURL == "" {
		return &core.ConfigError{Field: "REFUND_ENGINE_URL"}
	}

	client := h.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	_, err := h.Breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("claims: marshal refund engine request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/api/v1/claims", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("claims: build refund engine request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-User-Id", tenantID)
		if h.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return &core.DependencyUnavailable{Dependency: "refund_engine", Err: err}
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
