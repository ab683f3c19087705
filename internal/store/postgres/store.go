// Package postgres persists the pipeline's durable state — sync logs,
// reconciliation rules, inventory ground truth, discrepancies, claim
// candidates, and encrypted credentials — in Postgres via sqlx.
package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return db, nil
}

// Schema creates every table the adapters below expect. Applied by
// cmd/server on startup when RECONCILER_APPLY_SCHEMA is set; production
// deployments run migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_logs (
    id           BIGSERIAL PRIMARY KEY,
    tenant_id    TEXT        NOT NULL,
    provider     TEXT        NOT NULL,
    source       TEXT        NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL,
    state        TEXT        NOT NULL,
    items_count  INTEGER     NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_latest
    ON sync_logs (tenant_id, source, completed_at DESC);

CREATE TABLE IF NOT EXISTS reconciliation_rules (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT             NOT NULL,
    kind         TEXT             NOT NULL,
    threshold    DOUBLE PRECISION NOT NULL DEFAULT 0,
    severity     TEXT             NOT NULL,
    auto_resolve BOOLEAN          NOT NULL DEFAULT FALSE,
    enabled      BOOLEAN          NOT NULL DEFAULT TRUE,
    conditions   JSONB            NOT NULL DEFAULT '[]',
    rule_order   INTEGER          NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rules_tenant ON reconciliation_rules (tenant_id);

CREATE TABLE IF NOT EXISTS inventory_items (
    tenant_id          TEXT    NOT NULL,
    sku                TEXT    NOT NULL,
    quantity_available INTEGER NOT NULL DEFAULT 0,
    quantity_reserved  INTEGER NOT NULL DEFAULT 0,
    reorder_point      INTEGER NOT NULL DEFAULT 0,
    unit_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
    asin               TEXT    NOT NULL DEFAULT '',
    marketplace_id     TEXT    NOT NULL DEFAULT '',
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    last_synced        TIMESTAMPTZ NOT NULL,
    metadata           JSONB   NOT NULL DEFAULT '{}',
    PRIMARY KEY (tenant_id, sku)
);

CREATE TABLE IF NOT EXISTS discrepancies (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT             NOT NULL,
    sku              TEXT             NOT NULL,
    kind             TEXT             NOT NULL,
    source_system    TEXT             NOT NULL,
    source_value     TEXT             NOT NULL,
    target_system    TEXT             NOT NULL,
    target_value     TEXT             NOT NULL,
    severity         TEXT             NOT NULL,
    confidence       DOUBLE PRECISION NOT NULL,
    impact_score     DOUBLE PRECISION NOT NULL,
    suggested_action TEXT             NOT NULL,
    status           TEXT             NOT NULL,
    created_at       TIMESTAMPTZ      NOT NULL,
    UNIQUE (tenant_id, sku, kind, created_at)
);
CREATE INDEX IF NOT EXISTS idx_discrepancies_tenant_sku
    ON discrepancies (tenant_id, sku);

CREATE TABLE IF NOT EXISTS claim_candidates (
    claim_id            TEXT PRIMARY KEY,
    tenant_id           TEXT             NOT NULL,
    discrepancy_id      TEXT             NOT NULL,
    sku                 TEXT             NOT NULL,
    kind                TEXT             NOT NULL,
    amount              DOUBLE PRECISION NOT NULL,
    currency            TEXT             NOT NULL,
    confidence          DOUBLE PRECISION NOT NULL,
    status              TEXT             NOT NULL,
    estimated_payout_at TIMESTAMPTZ      NOT NULL,
    risk                TEXT             NOT NULL,
    risk_factors        JSONB            NOT NULL DEFAULT '[]',
    mitigations         JSONB            NOT NULL DEFAULT '[]',
    evidence            JSONB            NOT NULL DEFAULT '[]',
    audit_trail         JSONB            NOT NULL DEFAULT '[]',
    created_at          TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_claims_tenant_sku
    ON claim_candidates (tenant_id, sku, created_at DESC);

CREATE TABLE IF NOT EXISTS credentials (
    tenant_id     TEXT        NOT NULL,
    provider      TEXT        NOT NULL,
    access_token  TEXT        NOT NULL,
    refresh_token TEXT        NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    invalid       BOOLEAN     NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_credentials_expiry ON credentials (expires_at);
`

// ApplySchema creates the tables above if they do not exist.
func ApplySchema(db *sqlx.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}
