package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opside/reconciler/internal/core"
	"github.com/opside/reconciler/internal/tokenvault"
)

// CredentialStore persists per-tenant OAuth credentials, encrypting token
// fields before they reach the table and decrypting on the way out.
type CredentialStore struct {
	db     *sqlx.DB
	cipher *tokenvault.Cipher
}

func NewCredentialStore(db *sqlx.DB, cipher *tokenvault.Cipher) *CredentialStore {
	return &CredentialStore{db: db, cipher: cipher}
}

type credentialRow struct {
	TenantID     string    `db:"tenant_id"`
	Provider     string    `db:"provider"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	Invalid      bool      `db:"invalid"`
}

func (s *CredentialStore) Get(ctx context.Context, tenantID string, provider core.Provider) (*core.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row,
		`SELECT tenant_id, provider, access_token, refresh_token, expires_at, invalid
		 FROM credentials WHERE tenant_id = $1 AND provider = $2`,
		tenantID, string(provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get credential: %w", err)
	}

	accessToken, err := s.cipher.Decrypt(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("postgres: credential access token: %w", err)
	}
	refreshToken, err := s.cipher.Decrypt(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("postgres: credential refresh token: %w", err)
	}

	return &core.Credential{
		TenantID:     row.TenantID,
		Provider:     core.Provider(row.Provider),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    row.ExpiresAt,
		Invalid:      row.Invalid,
	}, nil
}

func (s *CredentialStore) Save(ctx context.Context, cred *core.Credential) error {
	accessToken, err := s.cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("postgres: encrypt access token: %w", err)
	}
	refreshToken, err := s.cipher.Encrypt(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("postgres: encrypt refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, provider, access_token, refresh_token, expires_at, invalid)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, provider) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   invalid = EXCLUDED.invalid`,
		cred.TenantID, string(cred.Provider), accessToken, refreshToken, cred.ExpiresAt, cred.Invalid)
	if err != nil {
		return fmt.Errorf("postgres: save credential: %w", err)
	}
	return nil
}

// ListExpiringBefore feeds the background sweeper: every valid credential
// whose expiry falls before the cutoff.
func (s *CredentialStore) ListExpiringBefore(ctx context.Context, before time.Time) ([]*core.Credential, error) {
	var rows []credentialRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT tenant_id, provider, access_token, refresh_token, expires_at, invalid
		 FROM credentials WHERE invalid = FALSE AND expires_at < $1`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expiring credentials: %w", err)
	}

	creds := make([]*core.Credential, 0, len(rows))
	for _, row := range rows {
		accessToken, err := s.cipher.Decrypt(row.AccessToken)
		if err != nil {
			continue
		}
		refreshToken, err := s.cipher.Decrypt(row.RefreshToken)
		if err != nil {
			continue
		}
		creds = append(creds, &core.Credential{
			TenantID:     row.TenantID,
			Provider:     core.Provider(row.Provider),
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    row.ExpiresAt,
			Invalid:      row.Invalid,
		})
	}
	return creds, nil
}
