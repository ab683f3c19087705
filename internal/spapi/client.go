// Package spapi implements the Marketplace Client: a typed wrapper
// around Amazon SP-API endpoints for inventory, orders, financial events,
// returns, shipments, settlements, removals, and reports. Every
// successful call archives its raw payload before the caller sees a
// parsed record.
package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/opside/reconciler/internal/archive"
	"github.com/opside/reconciler/internal/circuitbreaker"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/ratelimit"
	"github.com/opside/reconciler/internal/tokenvault"
)

// regionHosts is the static region->endpoint table.
// An unregistered region falls back to "na".
var regionHosts = map[string]string{
	"na":  "https://sellingpartnerapi-na.amazon.com",
	"eu":  "https://sellingpartnerapi-eu.amazon.com",
	"fe":  "https://sellingpartnerapi-fe.amazon.com",
}

func hostForRegion(region string) string {
	if h, ok := regionHosts[region]; ok {
		return h
	}
	return regionHosts["na"]
}

// Stream is a lazy pull-style iterator: call repeatedly until ok is false
// or err is non-nil. No generator/channel library in the retrieval pack
// fits a paginated-iterator role better than this closure shape.
type Stream[T any] func() (item T, ok bool, err error)

// Collect drains a Stream into a slice; convenient for callers (tests,
// small fixed datasets) that don't need lazy pagination.
func Collect[T any](s Stream[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := s()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

const (
	maxRetries  = 5
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// Client is the Marketplace Client. One Client serves every tenant;
// credentials and region are resolved per call.
type Client struct {
	httpClient *http.Client
	vault      *tokenvault.Vault
	limiter    *ratelimit.Limiter
	archiver   *archive.Archiver
	breaker    *circuitbreaker.CircuitBreaker
	region     string
}

// New constructs a Marketplace Client.
func New(vault *tokenvault.Vault, limiter *ratelimit.Limiter, archiver *archive.Archiver, breaker *circuitbreaker.CircuitBreaker, region string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		vault:      vault,
		limiter:    limiter,
		archiver:   archiver,
		breaker:    breaker,
		region:     region,
	}
}

// do performs one authenticated, rate-limited, retried, circuit-broken,
// archived GET/POST against the SP-API host, returning the raw decoded
// body as map[string]interface{}.
func (c *Client) do(ctx context.Context, tenantID, method, path string, query map[string]string, body interface{}, dataset string) (map[string]interface{}, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx, core.ProviderAmazonSPAPI, tenantID); err != nil {
			return nil, err
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, &core.TransientUpstreamError{Op: path, Err: err}
		}

		result, retry, err := c.attempt(ctx, tenantID, method, path, query, body, dataset, attempt)
		if err == nil {
			return result, nil
		}
		if !retry || attempt >= maxRetries-1 {
			return nil, err
		}

		wait := jitteredBackoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, tenantID, method, path string, query map[string]string, body interface{}, dataset string, attempt int) (map[string]interface{}, bool, error) {
	cred, err := c.vault.Load(ctx, tenantID, core.ProviderAmazonSPAPI)
	if err != nil {
		return nil, false, err
	}

	host := hostForRegion(c.region)
	url := host + path
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("spapi: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("spapi: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("x-amz-access-token", cred.AccessToken)
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Execute(func() (interface{}, error) { return nil, err })
		return nil, true, &core.TransientUpstreamError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &core.TransientUpstreamError{Op: path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if attempt == 0 {
			if _, rerr := c.vault.Rotate(ctx, tenantID, core.ProviderAmazonSPAPI); rerr != nil {
				return nil, false, rerr
			}
			return nil, true, &core.AuthError{Provider: core.ProviderAmazonSPAPI, TenantID: tenantID, Err: fmt.Errorf("401 from %s", path)}
		}
		return nil, false, &core.AuthError{Provider: core.ProviderAmazonSPAPI, TenantID: tenantID, Terminal: true, Err: fmt.Errorf("401 persisted after token rotation")}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.Pause(core.ProviderAmazonSPAPI, tenantID, retryAfter)
		return nil, true, &core.RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode >= 500:
		c.breaker.Execute(func() (interface{}, error) { return nil, fmt.Errorf("status %d", resp.StatusCode) })
		return nil, true, &core.TransientUpstreamError{Op: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}

	case resp.StatusCode >= 400:
		return nil, false, &core.ClientError{Status: resp.StatusCode, Code: path, Body: string(raw)}
	}

	c.breaker.Execute(func() (interface{}, error) { return nil, nil })

	var parsed map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, false, fmt.Errorf("spapi: decode response from %s: %w", path, err)
		}
	}

	if c.archiver != nil {
		if _, _, err := c.archiver.Snapshot(ctx, tenantID, dataset, parsed); err != nil {
			return nil, false, fmt.Errorf("spapi: archive %s snapshot: %w", dataset, err)
		}
	}

	return parsed, false, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 2 * time.Second
	}
	if secs, err := time.ParseDuration(h + "s"); err == nil {
		return secs
	}
	return 2 * time.Second
}

// jitteredBackoff returns base*2^attempt capped at backoffCap, with full
// jitter (random in [0, computed]).
func jitteredBackoff(attempt int) time.Duration {
	computed := float64(backoffBase) * math.Pow(2, float64(attempt))
	if computed > float64(backoffCap) {
		computed = float64(backoffCap)
	}
	return time.Duration(rand.Int63n(int64(computed) + 1))
}
