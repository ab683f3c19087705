package claims

import (
	"strconv"
	"time"

	"github.com/opside/reconciler/internal/core"
)

// determineClaimType classifies a discrepancy: quantity kind with
// src<tgt -> missing_units, src>tgt -> overcharge; status -> damage;
// else -> other.
func determineClaimType(d *core.Discrepancy) core.ClaimKind {
	switch d.Kind {
	case core.KindQuantity:
		src, srcOK := parseNumber(d.SourceValue)
		tgt, tgtOK := parseNumber(d.TargetValue)
		if srcOK && tgtOK {
			if src < tgt {
				return core.ClaimMissingUnits
			}
			if src > tgt {
				return core.ClaimOvercharge
			}
		}
		return core.ClaimOther
	case core.KindStatus:
		return core.ClaimDamage
	default:
		return core.ClaimOther
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// assessRisk derives the risk tier: severity=critical or
// confidence<0.6 -> high; severity=high or confidence<0.8 -> medium;
// else low. Risk factors and mitigations are a static decision table on
// the same inputs.
func assessRisk(d *core.Discrepancy) (core.Risk, []string, []string) {
	var risk core.Risk
	switch {
	case d.Severity == core.SeverityCritical || d.Confidence < 0.6:
		risk = core.RiskHigh
	case d.Severity == core.SeverityHigh || d.Confidence < 0.8:
		risk = core.RiskMedium
	default:
		risk = core.RiskLow
	}

	factors := []string{}
	mitigations := []string{}

	switch d.Severity {
	case core.SeverityCritical:
		factors = append(factors, "critical severity discrepancy")
		mitigations = append(mitigations, "prioritize manual review before submission")
	case core.SeverityHigh:
		factors = append(factors, "high severity discrepancy")
	}
	if d.Confidence < 0.6 {
		factors = append(factors, "low scoring confidence")
		mitigations = append(mitigations, "request additional evidence before submission")
	} else if d.Confidence < 0.8 {
		factors = append(factors, "moderate scoring confidence")
	}

	return risk, factors, mitigations
}

// baseDaysBySeverity anchors the estimated payout time.
var baseDaysBySeverity = map[core.Severity]int{
	core.SeverityLow:      7,
	core.SeverityMedium:   14,
	core.SeverityHigh:     21,
	core.SeverityCritical: 30,
}

// estimatedPayoutAt returns now + baseDays[severity]*confidenceMultiplier.
func estimatedPayoutAt(now time.Time, severity core.Severity, confidence float64) time.Time {
	base := baseDaysBySeverity[severity]
	multiplier := 1.2
	switch {
	case confidence > 0.9:
		multiplier = 0.8
	case confidence > 0.7:
		multiplier = 1.0
	}
	days := float64(base) * multiplier
	return now.Add(time.Duration(days*24) * time.Hour)
}
