package spapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/archive"
	"github.com/opside/reconciler/internal/circuitbreaker"
	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/ratelimit"
	"github.com/opside/reconciler/internal/tokenvault"
)

type memCredStore struct {
	cred *core.Credential
}

func (s *memCredStore) Get(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	return s.cred, nil
}
func (s *memCredStore) Save(ctx context.Context, cred *core.Credential) error {
	s.cred = cred
	return nil
}
func (s *memCredStore) ListExpiringBefore(ctx context.Context, before time.Time) ([]*core.Credential, error) {
	return nil, nil
}

type noopRotator struct{}

func (noopRotator) Rotate(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	next := *cred
	next.ExpiresAt = time.Now().Add(time.Hour)
	return &next, nil
}

func newTestClient(t *testing.T, server *httptest.Server) (*Client, string) {
	t.Helper()
	store := &memCredStore{cred: &core.Credential{
		TenantID: "t1", Provider: core.ProviderAmazonSPAPI,
		AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	}}
	vault := tokenvault.New(store, map[core.Provider]tokenvault.OAuthRotator{core.ProviderAmazonSPAPI: noopRotator{}}, nil)
	limiter := ratelimit.New(map[core.Provider]ratelimit.Config{
		core.ProviderAmazonSPAPI: {RatePerSecond: 1000, Burst: 1000},
	})
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("test-marketplace"))
	archiver := archive.New(archive.NewMemoryStore(), "raw")

	c := New(vault, limiter, archiver, breaker, "na")
	regionHosts["na"] = server.URL
	return c, "t1"
}

func TestFetchInventorySummaries_ParsesAndArchives(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"payload": map[string]interface{}{
				"inventorySummaries": []interface{}{
					map[string]interface{}{
						"sellerSku":     "SKU-A",
						"asin":          "B001",
						"marketplaceId": "ATVPDKIKX0DER",
						"inventoryDetails": map[string]interface{}{
							"totalQuantity": 12,
						},
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, tenant := newTestClient(t, server)
	items, err := Collect(client.FetchInventorySummaries(context.Background(), tenant, []string{"ATVPDKIKX0DER"}))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "SKU-A", items[0].SKU)
	require.Equal(t, 12, items[0].AvailableQuantity)
}

func TestFetchFinancialEvents_NonFatalOn4xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer server.Close()

	client, tenant := newTestClient(t, server)
	events, err := Collect(client.FetchFinancialEvents(context.Background(), tenant, time.Now().Add(-time.Hour), time.Now()))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestDo_RetriesOn429ThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"payload": map[string]interface{}{"inventorySummaries": []interface{}{}}})
	}))
	defer server.Close()

	client, tenant := newTestClient(t, server)
	_, err := Collect(client.FetchInventorySummaries(context.Background(), tenant, []string{"X"}))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
