package reconcile

import (
	"math"

	"github.com/opside/reconciler/internal/core"
)

// sourceReliability returns the base confidence weight of an upstream
// source system.
func sourceReliability(sourceSystem string) float64 {
	switch sourceSystem {
	case "marketplace":
		return 0.95
	case "manual":
		return 0.70
	default:
		return 0.80
	}
}

// quantitySeverity maps an absolute quantity delta to a severity on an
// inclusive-upper-bound ladder: diff<=5 low, <=20 medium, <=100 high,
// >100 critical.
func quantitySeverity(diff float64) core.Severity {
	switch {
	case diff <= 5:
		return core.SeverityLow
	case diff <= 20:
		return core.SeverityMedium
	case diff <= 100:
		return core.SeverityHigh
	default:
		return core.SeverityCritical
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// severityWeight anchors the Impact score calculation.
func severityWeight(s core.Severity) float64 {
	switch s {
	case core.SeverityLow:
		return 1
	case core.SeverityMedium:
		return 3
	case core.SeverityHigh:
		return 5
	case core.SeverityCritical:
		return 7
	default:
		return 0
	}
}

// QuantityScore is the output of analyzing one quantity discrepancy,
// before a Discrepancy record is constructed from it.
type QuantityScore struct {
	Diff            float64
	Severity        core.Severity
	Confidence      float64
	ImpactScore     float64
	SuggestedAction core.SuggestedAction
}

// AnalyzeQuantity analyzes a quantity difference: threshold filter,
// severity ladder, confidence and impact scoring, suggested action.
// hadPriorDiscrepancy lowers confidence slightly.
func AnalyzeQuantity(sourceSystem string, srcQty, tgtQty int, unitPrice, threshold float64, rule *core.ReconciliationRule, hadPriorDiscrepancy bool) (QuantityScore, bool) {
	diff := math.Abs(float64(srcQty - tgtQty))
	if diff <= threshold {
		return QuantityScore{}, false
	}

	severity := quantitySeverity(diff)
	if rule != nil {
		severity = severity.Max(rule.Severity)
	}

	confidence := sourceReliability(sourceSystem)
	if diff > 100 {
		confidence *= 0.9
	}
	if hadPriorDiscrepancy {
		confidence *= 0.95
	}
	confidence = clamp(confidence, 0.1, 1.0)

	impact := severityWeight(severity) + math.Min(5, diff/20) + math.Min(3, unitPrice*diff/1000)
	impact = clamp(impact, 0, 10)

	action := core.ActionInvestigate
	switch {
	case severity == core.SeverityCritical:
		action = core.ActionEscalate
	case severity == core.SeverityLow && rule != nil && rule.AutoResolve:
		action = core.ActionAutoResolve
	}

	return QuantityScore{
		Diff:            diff,
		Severity:        severity,
		Confidence:      confidence,
		ImpactScore:     impact,
		SuggestedAction: action,
	}, true
}

// priceSeverity mirrors the quantity ladder scaled to price deltas
// (absolute currency-unit difference).
func priceSeverity(diff float64) core.Severity {
	switch {
	case diff <= 1:
		return core.SeverityLow
	case diff <= 5:
		return core.SeverityMedium
	case diff <= 25:
		return core.SeverityHigh
	default:
		return core.SeverityCritical
	}
}

// AnalyzePrice scores a price discrepancy with the same confidence/impact
// shape as AnalyzeQuantity, substituting the price-specific severity
// ladder.
func AnalyzePrice(sourceSystem string, srcPrice, tgtPrice, threshold float64, rule *core.ReconciliationRule, hadPriorDiscrepancy bool) (QuantityScore, bool) {
	diff := math.Abs(srcPrice - tgtPrice)
	if diff <= threshold {
		return QuantityScore{}, false
	}

	severity := priceSeverity(diff)
	if rule != nil {
		severity = severity.Max(rule.Severity)
	}

	confidence := sourceReliability(sourceSystem)
	if hadPriorDiscrepancy {
		confidence *= 0.95
	}
	confidence = clamp(confidence, 0.1, 1.0)

	impact := severityWeight(severity) + math.Min(5, diff/5)
	impact = clamp(impact, 0, 10)

	action := core.ActionInvestigate
	switch {
	case severity == core.SeverityCritical:
		action = core.ActionEscalate
	case severity == core.SeverityLow && rule != nil && rule.AutoResolve:
		action = core.ActionAutoResolve
	}

	return QuantityScore{Diff: diff, Severity: severity, Confidence: confidence, ImpactScore: impact, SuggestedAction: action}, true
}

// AnalyzeStatus scores a status-field discrepancy: any mismatch is at
// least medium severity (status drift is never "low stakes" the way a
// few-unit quantity drift is), raised to a matching rule's severity when
// that is higher.
func AnalyzeStatus(sourceSystem, srcStatus, tgtStatus string, rule *core.ReconciliationRule, hadPriorDiscrepancy bool) (QuantityScore, bool) {
	if srcStatus == tgtStatus {
		return QuantityScore{}, false
	}

	severity := core.SeverityMedium
	if rule != nil {
		severity = severity.Max(rule.Severity)
	}

	confidence := sourceReliability(sourceSystem)
	if hadPriorDiscrepancy {
		confidence *= 0.95
	}
	confidence = clamp(confidence, 0.1, 1.0)

	impact := clamp(severityWeight(severity), 0, 10)

	action := core.ActionInvestigate
	switch {
	case severity == core.SeverityCritical:
		action = core.ActionEscalate
	case severity == core.SeverityLow && rule != nil && rule.AutoResolve:
		action = core.ActionAutoResolve
	}

	return QuantityScore{Diff: 1, Severity: severity, Confidence: confidence, ImpactScore: impact, SuggestedAction: action}, true
}
