package reconcile

import (
	"sort"
	"strconv"
	"strings"

	"github.com/opside/reconciler/internal/core"
)

// RuleStore is the persistence port for reconciliation rules.
type RuleStore interface {
	ListEnabled(tenantID string) ([]core.ReconciliationRule, error)
}

// ResolveRules returns the global rules followed by the tenant's rules,
// both filtered to Enabled, with global rules always evaluated first —
// ties within a scope are broken by insertion Order. Tenant rules never
// replace global rules; both apply, with tenant rules overriding by
// ordering.
func ResolveRules(store RuleStore, tenantID string) ([]core.ReconciliationRule, error) {
	global, err := store.ListEnabled(core.GlobalTenant)
	if err != nil {
		return nil, err
	}
	tenant, err := store.ListEnabled(tenantID)
	if err != nil {
		return nil, err
	}

	global = onlyEnabled(global)
	tenant = onlyEnabled(tenant)
	sort.SliceStable(global, func(i, j int) bool { return global[i].Order < global[j].Order })
	sort.SliceStable(tenant, func(i, j int) bool { return tenant[i].Order < tenant[j].Order })

	out := make([]core.ReconciliationRule, 0, len(global)+len(tenant))
	out = append(out, global...)
	out = append(out, tenant...)
	return out, nil
}

func onlyEnabled(rules []core.ReconciliationRule) []core.ReconciliationRule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// MatchingRule returns the highest-severity rule of kind `kind` whose
// Conditions all evaluate true against the discrepancy, or nil if none
// matches. When multiple rules match, the highest Severity wins; ties
// keep the first match in resolution order (global before tenant).
func MatchingRule(rules []core.ReconciliationRule, kind core.RuleKind, d *core.Discrepancy) *core.ReconciliationRule {
	var best *core.ReconciliationRule
	for i := range rules {
		r := &rules[i]
		if r.Kind != kind {
			continue
		}
		if !conditionsMatch(r.Conditions, d) {
			continue
		}
		if best == nil || r.Severity.Rank() > best.Severity.Rank() {
			best = r
		}
	}
	return best
}

func conditionsMatch(conditions []core.RuleCondition, d *core.Discrepancy) bool {
	for _, c := range conditions {
		if !conditionMatch(c, d) {
			return false
		}
	}
	return true
}

func conditionMatch(c core.RuleCondition, d *core.Discrepancy) bool {
	if c.SourceSystem != "" && c.SourceSystem != d.SourceSystem {
		return false
	}
	if c.TargetSystem != "" && c.TargetSystem != d.TargetSystem {
		return false
	}

	actual := fieldValue(c.Field, d)
	switch c.Operator {
	case core.OpEQ:
		return actual == c.Value
	case core.OpNE:
		return actual != c.Value
	case core.OpGT:
		a, err1 := strconv.ParseFloat(actual, 64)
		b, err2 := strconv.ParseFloat(c.Value, 64)
		return err1 == nil && err2 == nil && a > b
	case core.OpLT:
		a, err1 := strconv.ParseFloat(actual, 64)
		b, err2 := strconv.ParseFloat(c.Value, 64)
		return err1 == nil && err2 == nil && a < b
	case core.OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	default:
		return false
	}
}

func fieldValue(field string, d *core.Discrepancy) string {
	switch field {
	case "sourceValue":
		return d.SourceValue
	case "targetValue":
		return d.TargetValue
	case "severity":
		return string(d.Severity)
	case "sku":
		return d.SKU
	default:
		return ""
	}
}
