package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opside/reconciler/internal/core"
)

// RuleStore reads reconciliation rules for one tenant scope. Rules are
// read-mostly: the engine resolves them once per run, so each call is a
// plain indexed select with no caching layer here.
type RuleStore struct {
	db *sqlx.DB

	// queryTimeout bounds rule loads; ListEnabled takes no context because
	// the engine treats rule resolution as pure CPU-side setup.
	queryTimeout time.Duration
}

func NewRuleStore(db *sqlx.DB) *RuleStore {
	return &RuleStore{db: db, queryTimeout: 10 * time.Second}
}

type ruleRow struct {
	ID          string  `db:"id"`
	TenantID    string  `db:"tenant_id"`
	Kind        string  `db:"kind"`
	Threshold   float64 `db:"threshold"`
	Severity    string  `db:"severity"`
	AutoResolve bool    `db:"auto_resolve"`
	Enabled     bool    `db:"enabled"`
	Conditions  []byte  `db:"conditions"`
	RuleOrder   int     `db:"rule_order"`
}

func (r ruleRow) toDomain() (core.ReconciliationRule, error) {
	var conditions []core.RuleCondition
	if len(r.Conditions) > 0 {
		if err := json.Unmarshal(r.Conditions, &conditions); err != nil {
			return core.ReconciliationRule{}, fmt.Errorf("postgres: rule %s conditions: %w", r.ID, err)
		}
	}
	return core.ReconciliationRule{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Kind:        core.RuleKind(r.Kind),
		Threshold:   r.Threshold,
		Severity:    core.Severity(r.Severity),
		AutoResolve: r.AutoResolve,
		Enabled:     r.Enabled,
		Conditions:  conditions,
		Order:       r.RuleOrder,
	}, nil
}

// ListEnabled returns the enabled rules for tenantID (or the global
// scope), ordered by insertion order. A rule whose conditions fail to
// decode is skipped rather than failing the whole load.
func (s *RuleStore) ListEnabled(tenantID string) ([]core.ReconciliationRule, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()

	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, tenant_id, kind, threshold, severity, auto_resolve, enabled, conditions, rule_order
		 FROM reconciliation_rules
		 WHERE tenant_id = $1 AND enabled = TRUE
		 ORDER BY rule_order ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}

	rules := make([]core.ReconciliationRule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toDomain()
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Save upserts a rule, preserving its insertion order on conflict.
func (s *RuleStore) Save(ctx context.Context, rule *core.ReconciliationRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: marshal rule conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_rules (id, tenant_id, kind, threshold, severity, auto_resolve, enabled, conditions, rule_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   threshold = EXCLUDED.threshold,
		   severity = EXCLUDED.severity,
		   auto_resolve = EXCLUDED.auto_resolve,
		   enabled = EXCLUDED.enabled,
		   conditions = EXCLUDED.conditions`,
		rule.ID, rule.TenantID, string(rule.Kind), rule.Threshold, string(rule.Severity),
		rule.AutoResolve, rule.Enabled, conditions, rule.Order)
	if err != nil {
		return fmt.Errorf("postgres: save rule: %w", err)
	}
	return nil
}
