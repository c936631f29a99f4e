package analysis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fidde/agent_audit/pkg/models"
)

// Metric-name lexicon used to frame concern narratives. A metric may belong
// to several families; every matching family contributes a sentence.
var (
	financialWords = []string{"amount", "cost", "price", "refund", "fee", "commission", "payment", "revenue", "profit"}
	qualityWords   = []string{"score", "rating", "quality", "satisfaction"}
	failureWords   = []string{"error", "failure", "reject"}
	latencyWords   = []string{"duration", "time", "latency", "delay"}
	rateWords      = []string{"rate", "percentage", "approval", "approved"}
)

// fourFifthsRatio is the four-fifths rule threshold on the disparity ratio.
const fourFifthsRatio = 1.25

// synthesize attaches descriptions and concern narratives to the raw
// statistical findings and returns them ranked: severity descending,
// protected bias above non-protected on ties, detector order otherwise.
func synthesize(findings []models.Finding, purpose string, cfg Config) []models.Finding {
	keywords := purposeKeywords(purpose)

	for i := range findings {
		f := &findings[i]
		f.Description = describe(f)
		if f.Type == models.FindingBias {
			f.Concern = biasConcern(f, purpose, cfg)
		} else {
			f.Concern = deviationConcern(f, purpose, keywords)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return isProtectedBias(a) && !isProtectedBias(b)
	})
	return findings
}

func isProtectedBias(f models.Finding) bool {
	return f.Type == models.FindingBias && f.Protected != nil && *f.Protected
}

func describe(f *models.Finding) string {
	switch ev := f.Evidence.(type) {
	case models.TrendEvidence:
		return fmt.Sprintf("%s shows a consistent %s trend of %.1f%% across %d %s-to-%s periods",
			f.Metric, ev.Direction, ev.PercentChange*100, ev.Periods, ev.FirstBucket, ev.LastBucket)
	case models.ShiftEvidence:
		return fmt.Sprintf("%s mean moved from %.2f to %.2f between %s and %s (z=%.2f)",
			f.Metric, ev.FromMean, ev.ToMean, ev.FromBucket, ev.ToBucket, ev.ZScore)
	case models.OutliersEvidence:
		return fmt.Sprintf("%d of %d %s values (%.1f%%) deviate beyond the threshold (max |z|=%.2f)",
			ev.OutlierCount, ev.TotalCount, f.Metric, ev.OutlierFraction*100, ev.MaxAbsZ)
	case models.BiasEvidence:
		ratio := "n/a"
		if ev.DisparityRatio != nil {
			ratio = fmt.Sprintf("%.2fx", *ev.DisparityRatio)
		}
		if f.Kind == models.KindIntersectional {
			return fmt.Sprintf("%s varies across %s combinations: %s averages %.2f while %s averages %.2f (d=%.2f, ratio %s)",
				f.Metric, strings.Join(f.Parameters, " x "), f.Advantaged, ev.MeanAdv, f.Disadvantaged, ev.MeanDis, ev.CohensD, ratio)
		}
		return fmt.Sprintf("%s=%s has higher %s than %s=%s (%.2f vs %.2f, d=%.2f, ratio %s)",
			f.Parameters[0], f.Advantaged, f.Metric, f.Parameters[0], f.Disadvantaged, ev.MeanAdv, ev.MeanDis, ev.CohensD, ratio)
	default:
		return f.Metric
	}
}

// deviationConcern frames a temporal finding against the metric semantics
// and, when the metric matches it, the declared agent purpose.
func deviationConcern(f *models.Finding, purpose string, keywords map[string]struct{}) string {
	metricLower := strings.ToLower(f.Metric)
	direction := ""
	if ev, ok := f.Evidence.(models.TrendEvidence); ok {
		direction = ev.Direction
	} else if ev, ok := f.Evidence.(models.ShiftEvidence); ok {
		if ev.ToMean > ev.FromMean {
			direction = "increasing"
		} else {
			direction = "decreasing"
		}
	}

	var parts []string
	if containsAny(metricLower, financialWords) {
		switch direction {
		case "increasing":
			parts = append(parts, fmt.Sprintf("Rising %s suggests the agent is becoming more generous with approvals, which carries a direct business cost.", f.Metric))
		case "decreasing":
			parts = append(parts, fmt.Sprintf("Declining %s suggests the agent is becoming more restrictive than intended.", f.Metric))
		default:
			parts = append(parts, fmt.Sprintf("Unstable %s directly affects business cost.", f.Metric))
		}
	}
	if containsAny(metricLower, qualityWords) {
		if direction == "decreasing" {
			parts = append(parts, fmt.Sprintf("Declining %s points at degrading output quality.", f.Metric))
		} else if direction == "increasing" {
			parts = append(parts, fmt.Sprintf("Improving %s looks positive but the shift should be verified as legitimate.", f.Metric))
		}
	}
	if containsAny(metricLower, failureWords) && direction == "increasing" {
		parts = append(parts, fmt.Sprintf("Rising %s indicates a growing failure rate.", f.Metric))
	}
	if containsAny(metricLower, latencyWords) && direction == "increasing" {
		parts = append(parts, fmt.Sprintf("Increasing %s suggests the agent is slowing down.", f.Metric))
	}
	if containsAny(metricLower, rateWords) && direction != "" {
		parts = append(parts, fmt.Sprintf("A sustained %s movement in %s changes how often the agent approves or rejects requests.", direction, f.Metric))
	}
	if _, ok := f.Evidence.(models.OutliersEvidence); ok {
		parts = append(parts, fmt.Sprintf("Unusual variability in %s may indicate inconsistent behavior across otherwise similar requests.", f.Metric))
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("The %s drift in %s should be verified against the intended behavior.", directionOr(direction, "observed"), f.Metric))
	}

	if purpose != "" && nameMatchesPurpose(f.Metric, keywords) {
		parts = append(parts, fmt.Sprintf("The agent's stated purpose %q makes this drift directly relevant to its mandate.", purpose))
	}

	return strings.Join(parts, " ")
}

// biasConcern frames a disparity finding, citing the four-fifths rule when
// the disparity ratio crosses it and the severe-disparity threshold when
// crossed.
func biasConcern(f *models.Finding, purpose string, cfg Config) string {
	ev := f.Evidence.(models.BiasEvidence)
	metricLower := strings.ToLower(f.Metric)

	var parts []string
	if f.Protected != nil && *f.Protected {
		parts = append(parts, fmt.Sprintf("%s involves a protected attribute; disparate outcomes may violate anti-discrimination requirements.", strings.Join(f.Parameters, " and ")))
	}
	if f.Kind == models.KindIntersectional {
		parts = append(parts, fmt.Sprintf("The combined effect of %s creates a disparity that neither parameter shows in isolation.", strings.Join(f.Parameters, " and ")))
	}
	if ev.DisparityRatio != nil {
		r := *ev.DisparityRatio
		if abs(r) >= cfg.SevereDisparityRatio {
			parts = append(parts, fmt.Sprintf("The disparity ratio of %.2fx crosses the severe-disparity threshold of %.1fx.", r, cfg.SevereDisparityRatio))
		} else if r > fourFifthsRatio {
			parts = append(parts, fmt.Sprintf("The disparity ratio of %.2fx exceeds the four-fifths rule threshold of %.2fx.", r, fourFifthsRatio))
		}
		if r > fourFifthsRatio && abs(r) >= cfg.SevereDisparityRatio {
			// Both notes apply; the severe note already subsumes the
			// four-fifths breach, so state the rule breach explicitly once.
			parts = append(parts, fmt.Sprintf("This also breaches the four-fifths rule threshold of %.2fx.", fourFifthsRatio))
		}
	} else {
		parts = append(parts, fmt.Sprintf("Group means differ by %.2f in absolute terms; a disparity ratio is not defined for these values.", ev.MeanAdv-ev.MeanDis))
	}
	if containsAny(metricLower, qualityWords) {
		parts = append(parts, fmt.Sprintf("Disparities in %s create unequal opportunities between groups.", f.Metric))
	}
	if containsAny(metricLower, financialWords) {
		parts = append(parts, fmt.Sprintf("Financial disparities in %s may indicate unfair treatment of affected segments.", f.Metric))
	}
	if purpose != "" {
		lower := strings.ToLower(purpose)
		if strings.Contains(lower, "hiring") || strings.Contains(lower, "screening") {
			parts = append(parts, fmt.Sprintf("In a hiring or screening context (%q) this pattern carries significant legal exposure.", purpose))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "The disparity should be verified against the intended agent behavior and fairness requirements.")
	}

	return strings.Join(parts, " ")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func directionOr(direction, fallback string) string {
	if direction == "" {
		return fallback
	}
	return direction
}
