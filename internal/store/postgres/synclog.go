package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opside/reconciler/internal/core"
)

// SyncLogStore appends and queries completed/failed sync runs. The
// incremental sync path reads LatestCompleted to derive its since-window.
type SyncLogStore struct {
	db *sqlx.DB
}

func NewSyncLogStore(db *sqlx.DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

type syncLogRow struct {
	TenantID    string    `db:"tenant_id"`
	Provider    string    `db:"provider"`
	Source      string    `db:"source"`
	StartedAt   time.Time `db:"started_at"`
	CompletedAt time.Time `db:"completed_at"`
	State       string    `db:"state"`
	ItemsCount  int       `db:"items_count"`
}

func (r syncLogRow) toDomain() *core.SyncLog {
	return &core.SyncLog{
		TenantID:    r.TenantID,
		Provider:    r.Provider,
		Source:      r.Source,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		State:       core.JobState(r.State),
		ItemsCount:  r.ItemsCount,
	}
}

func (s *SyncLogStore) Create(ctx context.Context, log *core.SyncLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (tenant_id, provider, source, started_at, completed_at, state, items_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.TenantID, log.Provider, log.Source, log.StartedAt, log.CompletedAt, string(log.State), log.ItemsCount)
	if err != nil {
		return fmt.Errorf("postgres: insert sync log: %w", err)
	}
	return nil
}

// LatestCompleted returns the most recent completed run for the
// tenant/source pair, or nil when the pair has never completed a run.
func (s *SyncLogStore) LatestCompleted(ctx context.Context, tenantID, source string) (*core.SyncLog, error) {
	var row syncLogRow
	err := s.db.GetContext(ctx, &row,
		`SELECT tenant_id, provider, source, started_at, completed_at, state, items_count
		 FROM sync_logs
		 WHERE tenant_id = $1 AND source = $2 AND state = $3
		 ORDER BY completed_at DESC
		 LIMIT 1`,
		tenantID, source, string(core.JobCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest completed sync log: %w", err)
	}
	return row.toDomain(), nil
}
