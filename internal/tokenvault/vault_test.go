package tokenvault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/core"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]*core.Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*core.Credential)}
}

func (m *memStore) key(tenantID string, provider core.Provider) string {
	return tenantID + ":" + string(provider)
}

func (m *memStore) Get(_ context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[m.key(tenantID, provider)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) Save(_ context.Context, cred *core.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.creds[m.key(cred.TenantID, cred.Provider)] = &cp
	return nil
}

func (m *memStore) ListExpiringBefore(_ context.Context, before time.Time) ([]*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Credential
	for _, c := range m.creds {
		if c.ExpiresAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type countingRotator struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (r *countingRotator) Rotate(_ context.Context, cred *core.Credential) (*core.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return nil, r.fail
	}
	next := *cred
	next.AccessToken = "token-" + time.Now().String()
	next.ExpiresAt = time.Now().Add(time.Hour)
	return &next, nil
}

func TestLoad_ReturnsFreshCredentialWithoutRotating(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &core.Credential{
		TenantID: "t1", Provider: core.ProviderAmazonSPAPI, AccessToken: "abc",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	rotator := &countingRotator{}
	v := New(store, map[core.Provider]OAuthRotator{core.ProviderAmazonSPAPI: rotator}, &config.Config{})

	cred, err := v.Load(context.Background(), "t1", core.ProviderAmazonSPAPI)
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.AccessToken)
	assert.Equal(t, 0, rotator.calls)
}

func TestLoad_RotatesWithinSkewWindow(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &core.Credential{
		TenantID: "t1", Provider: core.ProviderAmazonSPAPI, RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Minute),
	}))
	rotator := &countingRotator{}
	v := New(store, map[core.Provider]OAuthRotator{core.ProviderAmazonSPAPI: rotator}, &config.Config{})

	cred, err := v.Load(context.Background(), "t1", core.ProviderAmazonSPAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, rotator.calls)
	assert.True(t, cred.ExpiresAt.After(time.Now().Add(time.Minute)))
}

func TestLoad_TerminalAuthErrorMarksInvalid(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &core.Credential{
		TenantID: "t1", Provider: core.ProviderAmazonSPAPI, RefreshToken: "rt",
		ExpiresAt: time.Now(),
	}))
	rotator := &countingRotator{fail: &core.AuthError{Terminal: true, Err: assert.AnError}}
	v := New(store, map[core.Provider]OAuthRotator{core.ProviderAmazonSPAPI: rotator}, &config.Config{})

	_, err := v.Load(context.Background(), "t1", core.ProviderAmazonSPAPI)
	require.Error(t, err)

	cred, err := store.Get(context.Background(), "t1", core.ProviderAmazonSPAPI)
	require.NoError(t, err)
	assert.True(t, cred.Invalid)

	_, err = v.Load(context.Background(), "t1", core.ProviderAmazonSPAPI)
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Terminal)
}

func TestLoad_FallsBackToEnvOnlyForDefaultTenant(t *testing.T) {
	store := newMemStore()
	rotator := &countingRotator{}
	cfg := &config.Config{}
	cfg.Marketplace.ClientID = "env-client"
	cfg.Marketplace.RefreshToken = "env-refresh"
	v := New(store, map[core.Provider]OAuthRotator{core.ProviderAmazonSPAPI: rotator}, cfg)

	cred, err := v.Load(context.Background(), "default", core.ProviderAmazonSPAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, rotator.calls)
	assert.NotEmpty(t, cred.AccessToken)

	_, err = v.Load(context.Background(), "other-tenant", core.ProviderAmazonSPAPI)
	require.Error(t, err)
	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestConcurrentLoad_SerializesRotationPerKey(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Save(context.Background(), &core.Credential{
		TenantID: "t1", Provider: core.ProviderAmazonSPAPI, RefreshToken: "rt",
		ExpiresAt: time.Now(),
	}))
	rotator := &countingRotator{}
	v := New(store, map[core.Provider]OAuthRotator{core.ProviderAmazonSPAPI: rotator}, &config.Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = v.Load(context.Background(), "t1", core.ProviderAmazonSPAPI)
		}()
	}
	wg.Wait()

	// the first Load rotates; the rest wait on the lock and see a fresh credential
	assert.Equal(t, 1, rotator.calls)
}

func TestCipher_EncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	c, err := NewCipher(key)
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("super-secret-refresh-token")
	require.NoError(t, err)
	assert.NotEqual(t, "super-secret-refresh-token", ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-refresh-token", plaintext)
}
