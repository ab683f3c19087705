// Package tokenvault loads, caches, and rotates per-tenant OAuth
// credentials for upstream providers, encrypting them at rest and
// serializing rotation per (tenant, provider) so concurrent callers never
// race on the refresh_token.
package tokenvault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opside/reconciler/internal/config"
	"github.com/opside/reconciler/internal/core"
)

// skewWindow is how far ahead of ExpiresAt a Load call proactively rotates.
const skewWindow = 5 * time.Minute

// sweepWindow is how far ahead of ExpiresAt the background sweeper
// proactively rotates credentials nobody has requested yet.
const sweepWindow = 10 * time.Minute

// Store is the persistence port for credentials. Implementations must
// encrypt AccessToken/RefreshToken before they reach storage — the Vault
// itself only handles the in-memory plaintext form.
type Store interface {
	Get(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error)
	Save(ctx context.Context, cred *core.Credential) error
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*core.Credential, error)
}

// OAuthRotator performs the actual refresh_token exchange against an
// upstream provider's token endpoint.
type OAuthRotator interface {
	Rotate(ctx context.Context, cred *core.Credential) (*core.Credential, error)
}

// Vault is the Token Vault component.
type Vault struct {
	store    Store
	rotators map[core.Provider]OAuthRotator
	cfg      *config.Config
	locks    sync.Map // key -> *sync.Mutex
	cron     *cron.Cron
	logger   *slog.Logger
}

// New constructs a Vault. rotators maps each provider to the client that
// knows how to exchange its refresh_token.
func New(store Store, rotators map[core.Provider]OAuthRotator, cfg *config.Config) *Vault {
	return &Vault{
		store:    store,
		rotators: rotators,
		cfg:      cfg,
		logger:   slog.Default().With("component", "tokenvault"),
	}
}

func lockKey(tenantID string, provider core.Provider) string {
	return tenantID + ":" + string(provider)
}

func (v *Vault) lockFor(tenantID string, provider core.Provider) *sync.Mutex {
	actual, _ := v.locks.LoadOrStore(lockKey(tenantID, provider), &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Load returns a valid, non-expired credential for (tenantID, provider),
// rotating it first if it is within skewWindow of expiry. A credential
// marked invalid yields a terminal AuthError without a rotation attempt.
// Falls back to env-sourced Marketplace config only when
// tenantID == "default" and the store has nothing on file — per-tenant
// store entries otherwise always win.
func (v *Vault) Load(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	lock := v.lockFor(tenantID, provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := v.store.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: load %s/%s: %w", tenantID, provider, err)
	}
	if cred == nil {
		if tenantID == "default" {
			cred = v.envFallbackCredential(provider)
		}
		if cred == nil {
			return nil, &core.ConfigError{Field: fmt.Sprintf("credential for tenant=%s provider=%s", tenantID, provider)}
		}
	}

	if cred.Invalid {
		return nil, &core.AuthError{Provider: provider, TenantID: tenantID, Terminal: true, Err: fmt.Errorf("credential marked invalid")}
	}

	if time.Until(cred.ExpiresAt) > skewWindow {
		return cred, nil
	}

	return v.rotateLocked(ctx, cred)
}

func (v *Vault) envFallbackCredential(provider core.Provider) *core.Credential {
	if provider != core.ProviderAmazonSPAPI {
		return nil
	}
	mp := v.cfg.Marketplace
	if mp.ClientID == "" || mp.RefreshToken == "" {
		return nil
	}
	return &core.Credential{
		TenantID:     "default",
		Provider:     provider,
		RefreshToken: mp.RefreshToken,
		ExpiresAt:    time.Time{}, // forces an immediate rotation below
	}
}

// Rotate forces a credential refresh for (tenantID, provider), regardless
// of its current expiry. Exported for the background sweeper and for
// callers that received a 401 mid-call.
func (v *Vault) Rotate(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	lock := v.lockFor(tenantID, provider)
	lock.Lock()
	defer lock.Unlock()

	cred, err := v.store.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		cred = v.envFallbackCredential(provider)
	}
	if cred == nil {
		return nil, &core.ConfigError{Field: fmt.Sprintf("credential for tenant=%s provider=%s", tenantID, provider)}
	}
	return v.rotateLocked(ctx, cred)
}

// rotateLocked performs the actual rotation; caller must already hold the
// per-(tenant,provider) lock.
func (v *Vault) rotateLocked(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	rotator, ok := v.rotators[cred.Provider]
	if !ok {
		return nil, &core.ConfigError{Field: fmt.Sprintf("no rotator configured for provider %s", cred.Provider)}
	}

	rotated, err := rotator.Rotate(ctx, cred)
	if err != nil {
		var authErr *core.AuthError
		if asAuthError(err, &authErr) && authErr.Terminal {
			cred.Invalid = true
			if saveErr := v.store.Save(ctx, cred); saveErr != nil {
				v.logger.Error("failed to persist invalidated credential", "tenant", cred.TenantID, "provider", cred.Provider, "error", saveErr)
			}
		}
		return nil, err
	}

	if !rotated.ExpiresAt.After(cred.ExpiresAt) {
		v.logger.Warn("rotated credential did not advance expiry", "tenant", cred.TenantID, "provider", cred.Provider)
	}

	if err := v.store.Save(ctx, rotated); err != nil {
		return nil, fmt.Errorf("tokenvault: persist rotated credential: %w", err)
	}
	v.logger.Info("rotated credential", "tenant", rotated.TenantID, "provider", rotated.Provider, "expires_at", rotated.ExpiresAt)
	return rotated, nil
}

func asAuthError(err error, target **core.AuthError) bool {
	ae, ok := err.(*core.AuthError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// StartSweeper launches the background credential sweeper: every five
// minutes it scans for credentials expiring within ten and proactively
// rotates them so Load rarely blocks a request on a live refresh call.
func (v *Vault) StartSweeper(ctx context.Context) error {
	v.cron = cron.New()
	_, err := v.cron.AddFunc("*/5 * * * *", func() { v.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("tokenvault: schedule sweeper: %w", err)
	}
	v.cron.Start()
	return nil
}

// StopSweeper stops the background sweeper, if running.
func (v *Vault) StopSweeper() {
	if v.cron != nil {
		v.cron.Stop()
	}
}

func (v *Vault) sweep(ctx context.Context) {
	expiring, err := v.store.ListExpiringBefore(ctx, time.Now().Add(sweepWindow))
	if err != nil {
		v.logger.Error("sweeper: list expiring credentials failed", "error", err)
		return
	}
	for _, cred := range expiring {
		if cred.Invalid {
			continue
		}
		if _, err := v.Rotate(ctx, cred.TenantID, cred.Provider); err != nil {
			v.logger.Error("sweeper: rotate failed", "tenant", cred.TenantID, "provider", cred.Provider, "error", err)
		}
	}
}

// HTTPRotator is a default OAuthRotator hitting a standard OAuth2
// refresh_token token endpoint (used for amazon-sp-api's LWA endpoint).
type HTTPRotator struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Rotate exchanges cred.RefreshToken for a new access token.
func (r *HTTPRotator) Rotate(ctx context.Context, cred *core.Credential) (*core.Credential, error) {
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tokenvault: build rotate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &core.TransientUpstreamError{Op: "oauth_rotate", Err: err}
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &core.TransientUpstreamError{Op: "oauth_rotate", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		terminal := body.Error == "invalid_grant"
		return nil, &core.AuthError{
			Provider: cred.Provider,
			TenantID: cred.TenantID,
			Terminal: terminal,
			Err:      fmt.Errorf("oauth rotate failed: status=%d error=%s", resp.StatusCode, body.Error),
		}
	}

	next := *cred
	next.AccessToken = body.AccessToken
	next.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	next.Invalid = false
	return &next, nil
}
